package rbac

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/gatehouse/pkg/httputil"
	"github.com/platinummonkey/gatehouse/pkg/observability"
)

const (
	// PermissionRead guards catalog and resolution reads
	PermissionRead = "rbac:read"
	// PermissionManage guards catalog mutations
	PermissionManage = "rbac:manage"
)

// Handlers provides HTTP handlers for RBAC operations
type Handlers struct {
	admin       *Admin
	store       AdminStore
	guard       *Guard
	resolver    *Resolver
	permissions *PermissionMiddleware
}

// NewHandlers creates new RBAC handlers. When permissions is non-nil every
// route requires rbac:read or rbac:manage.
func NewHandlers(admin *Admin, store AdminStore, guard *Guard, resolver *Resolver, permissions *PermissionMiddleware) *Handlers {
	if permissions != nil {
		permissions = permissions.Global()
	}
	return &Handlers{
		admin:       admin,
		store:       store,
		guard:       guard,
		resolver:    resolver,
		permissions: permissions,
	}
}

// RegisterRoutes registers all RBAC routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	// Decisions
	h.route(router, "/rbac/check", http.MethodPost, PermissionRead, h.Check)
	h.route(router, "/rbac/principals/{id}/permissions", http.MethodGet, PermissionRead, h.GetPrincipalPermissions)

	// Principals and memberships
	h.route(router, "/rbac/principals/{id}/roles", http.MethodGet, PermissionRead, h.GetPrincipalRoles)
	h.route(router, "/rbac/principals/{id}/roles", http.MethodPut, PermissionManage, h.SetPrincipalRoles)
	h.route(router, "/rbac/organizations/{org_id}/members", http.MethodGet, PermissionRead, h.ListMembers)
	h.route(router, "/rbac/organizations/{org_id}/members/{principal_id}", http.MethodPut, PermissionManage, h.SetMembership)
	h.route(router, "/rbac/organizations/{org_id}/members/{principal_id}", http.MethodDelete, PermissionManage, h.RemoveMembership)

	// Catalog
	h.route(router, "/rbac/resources", http.MethodPost, PermissionManage, h.CreateResource)
	h.route(router, "/rbac/resources", http.MethodGet, PermissionRead, h.ListResources)
	h.route(router, "/rbac/resources/{name}/actions", http.MethodPost, PermissionManage, h.CreateAction)
	h.route(router, "/rbac/resources/{name}/actions", http.MethodGet, PermissionRead, h.ListActions)
	h.route(router, "/rbac/permissions", http.MethodPost, PermissionManage, h.CreatePermission)
	h.route(router, "/rbac/permissions", http.MethodGet, PermissionRead, h.ListPermissions)
	h.route(router, "/rbac/permissions/{code}", http.MethodDelete, PermissionManage, h.DeletePermission)

	// Roles and grants
	h.route(router, "/rbac/roles", http.MethodPost, PermissionManage, h.CreateRole)
	h.route(router, "/rbac/roles", http.MethodGet, PermissionRead, h.ListRoles)
	h.route(router, "/rbac/roles/{id}", http.MethodGet, PermissionRead, h.GetRole)
	h.route(router, "/rbac/roles/{id}", http.MethodDelete, PermissionManage, h.DeleteRole)
	h.route(router, "/rbac/roles/{id}/permissions", http.MethodGet, PermissionRead, h.ListRolePermissions)
	h.route(router, "/rbac/roles/{id}/permissions", http.MethodPost, PermissionManage, h.GrantPermission)
	h.route(router, "/rbac/roles/{id}/permissions/{code}", http.MethodPut, PermissionManage, h.UpdateGrantScope)
	h.route(router, "/rbac/roles/{id}/permissions/{code}", http.MethodDelete, PermissionManage, h.RevokePermission)

	// Cache
	h.route(router, "/rbac/cache/flush", http.MethodPost, PermissionManage, h.FlushCache)
}

func (h *Handlers) route(router *mux.Router, path, method, code string, fn http.HandlerFunc) {
	var handler http.Handler = fn
	if h.permissions != nil {
		handler = h.permissions.RequirePermission(code)(handler)
	}
	router.Handle(path, handler).Methods(method)
}

// writeError maps err to its status. Faults are logged and hidden.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusCode(err)
	if status >= http.StatusInternalServerError {
		observability.FromContext(r.Context()).WithError(err).
			WithField("path", r.URL.Path).Error("RBAC request failed")
		httputil.WriteErrorMessage(w, status, http.StatusText(status))
		return
	}
	httputil.WriteError(w, status, err)
}

type checkRequest struct {
	PrincipalID    string   `json:"principal_id"`
	Permissions    []string `json:"permissions"`
	Mode           string   `json:"mode,omitempty"`
	OrganizationID string   `json:"organization_id,omitempty"`
}

type checkResponse struct {
	Allowed bool   `json:"allowed"`
	Mode    string `json:"mode"`
}

// Check answers a permission check for any principal
func (h *Handlers) Check(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.PrincipalID == "" {
		httputil.WriteBadRequest(w, "principal_id is required")
		return
	}
	if req.Mode == "" {
		req.Mode = "all"
	}

	var opts []CheckOption
	if req.OrganizationID != "" {
		opts = append(opts, WithOrganization(req.OrganizationID))
	}

	var allowed bool
	var err error
	switch req.Mode {
	case "all":
		allowed, err = h.guard.CheckAll(r.Context(), req.PrincipalID, req.Permissions, opts...)
	case "any":
		allowed, err = h.guard.CheckAny(r.Context(), req.PrincipalID, req.Permissions, opts...)
	default:
		httputil.WriteBadRequest(w, "mode must be any or all")
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	httputil.WriteSuccess(w, checkResponse{Allowed: allowed, Mode: req.Mode})
}

// GetPrincipalPermissions returns the resolved permissions of a principal,
// globally or in the organization given by ?organization_id=
func (h *Handlers) GetPrincipalPermissions(w http.ResponseWriter, r *http.Request) {
	principalID, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}

	if orgID := httputil.ParseQueryString(r, "organization_id", ""); orgID != "" {
		perms, err := h.resolver.ResolveOrg(r.Context(), principalID, orgID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		httputil.WriteSuccess(w, map[string]interface{}{
			"principal_id":    principalID,
			"organization_id": orgID,
			"permissions":     perms,
		})
		return
	}

	set, err := h.resolver.ResolveGlobal(r.Context(), principalID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"principal_id": principalID,
		"permissions":  set.Codes(),
	})
}

// GetPrincipalRoles returns the normalized global roles of a principal
func (h *Handlers) GetPrincipalRoles(w http.ResponseWriter, r *http.Request) {
	principalID, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	roles, err := h.resolver.GlobalRoleNames(r.Context(), principalID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if roles == nil {
		roles = []string{}
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"principal_id": principalID,
		"roles":        roles,
	})
}

// SetPrincipalRoles replaces the global roles of a principal
func (h *Handlers) SetPrincipalRoles(w http.ResponseWriter, r *http.Request) {
	principalID, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		Roles string `json:"roles"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	if err := h.admin.SetPrincipalRoles(r.Context(), principalID, req.Roles); err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// ListMembers lists the memberships of an organization
func (h *Handlers) ListMembers(w http.ResponseWriter, r *http.Request) {
	orgID, ok := httputil.ParsePathStringOrError(w, r, "org_id")
	if !ok {
		return
	}
	members, err := h.store.ListMembers(r.Context(), orgID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if members == nil {
		members = []Membership{}
	}
	httputil.WriteSuccess(w, members)
}

// SetMembership adds a principal to an organization or changes its role
func (h *Handlers) SetMembership(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var req struct {
		Role string `json:"role"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	m := Membership{PrincipalID: vars["principal_id"], OrganizationID: vars["org_id"], RoleName: req.Role}
	if err := h.admin.SetMembership(r.Context(), m); err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// RemoveMembership removes a principal from an organization
func (h *Handlers) RemoveMembership(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := h.admin.RemoveMembership(r.Context(), vars["principal_id"], vars["org_id"]); err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// CreateResource registers a resource
func (h *Handlers) CreateResource(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string        `json:"name"`
		DisplayName string        `json:"display_name"`
		Scope       ResourceScope `json:"scope"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	resource := &Resource{Name: req.Name, DisplayName: req.DisplayName, Scope: req.Scope}
	if err := h.admin.CreateResource(r.Context(), resource); err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteCreated(w, resource)
}

// ListResources lists every resource
func (h *Handlers) ListResources(w http.ResponseWriter, r *http.Request) {
	resources, err := h.store.ListResources(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if resources == nil {
		resources = []Resource{}
	}
	httputil.WriteSuccess(w, resources)
}

// CreateAction adds an action to a resource
func (h *Handlers) CreateAction(w http.ResponseWriter, r *http.Request) {
	name, ok := httputil.ParsePathStringOrError(w, r, "name")
	if !ok {
		return
	}
	var req struct {
		Name        string `json:"name"`
		DisplayName string `json:"display_name"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	action := &Action{Name: req.Name, DisplayName: req.DisplayName}
	if err := h.admin.CreateAction(r.Context(), name, action); err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteCreated(w, action)
}

// ListActions lists the actions of a resource
func (h *Handlers) ListActions(w http.ResponseWriter, r *http.Request) {
	name, ok := httputil.ParsePathStringOrError(w, r, "name")
	if !ok {
		return
	}
	resource, err := h.store.GetResourceByName(r.Context(), name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	actions, err := h.store.ListActions(r.Context(), resource.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if actions == nil {
		actions = []Action{}
	}
	httputil.WriteSuccess(w, actions)
}

// CreatePermission creates the permission of an existing action
func (h *Handlers) CreatePermission(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Resource    string `json:"resource"`
		Action      string `json:"action"`
		DisplayName string `json:"display_name"`
		Category    string `json:"category"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	perm, err := h.admin.CreatePermission(r.Context(), req.Resource, req.Action, req.DisplayName, req.Category)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteCreated(w, perm)
}

// ListPermissions lists every permission
func (h *Handlers) ListPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := h.store.ListPermissions(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if perms == nil {
		perms = []Permission{}
	}
	httputil.WriteSuccess(w, perms)
}

// DeletePermission deletes an ungranted permission
func (h *Handlers) DeletePermission(w http.ResponseWriter, r *http.Request) {
	code, ok := httputil.ParsePathStringOrError(w, r, "code")
	if !ok {
		return
	}
	if err := h.admin.DeletePermission(r.Context(), code); err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// CreateRole creates a role
func (h *Handlers) CreateRole(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string    `json:"name"`
		DisplayName string    `json:"display_name"`
		Description string    `json:"description"`
		Scope       RoleScope `json:"scope"`
		IsTemplate  bool      `json:"is_template"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	role := &Role{
		Name:        req.Name,
		DisplayName: req.DisplayName,
		Description: req.Description,
		Scope:       req.Scope,
		IsTemplate:  req.IsTemplate,
	}
	if err := h.admin.CreateRole(r.Context(), role); err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteCreated(w, role)
}

// ListRoles lists roles, optionally filtered by ?scope=
func (h *Handlers) ListRoles(w http.ResponseWriter, r *http.Request) {
	scope := RoleScope(strings.ToUpper(httputil.ParseQueryString(r, "scope", "")))
	if scope != "" && !scope.Valid() {
		httputil.WriteBadRequest(w, "invalid scope")
		return
	}

	roles, err := h.store.ListRoles(r.Context(), scope)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if roles == nil {
		roles = []Role{}
	}
	httputil.WriteSuccess(w, roles)
}

// GetRole returns one role
func (h *Handlers) GetRole(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	role, err := h.store.GetRole(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, role)
}

// DeleteRole deletes a role and its grants
func (h *Handlers) DeleteRole(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	if err := h.admin.DeleteRole(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// ListRolePermissions lists the grants of a role
func (h *Handlers) ListRolePermissions(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	if _, err := h.store.GetRole(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	grants, err := h.store.ListRolePermissions(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if grants == nil {
		grants = []Grant{}
	}
	httputil.WriteSuccess(w, grants)
}

type grantRequest struct {
	Permission string    `json:"permission"`
	DataScope  DataScope `json:"data_scope"`
}

// GrantPermission attaches a permission to a role
func (h *Handlers) GrantPermission(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req grantRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	if err := h.admin.GrantPermission(r.Context(), id, req.Permission, req.DataScope); err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// UpdateGrantScope changes the data scope of a grant
func (h *Handlers) UpdateGrantScope(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	code, ok := httputil.ParsePathStringOrError(w, r, "code")
	if !ok {
		return
	}
	var req struct {
		DataScope DataScope `json:"data_scope"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	if err := h.admin.UpdateGrantScope(r.Context(), id, code, req.DataScope); err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// RevokePermission detaches a permission from a role
func (h *Handlers) RevokePermission(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	code, ok := httputil.ParsePathStringOrError(w, r, "code")
	if !ok {
		return
	}
	if err := h.admin.RevokePermission(r.Context(), id, code); err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// FlushCache drops every cached resolution
func (h *Handlers) FlushCache(w http.ResponseWriter, r *http.Request) {
	if err := h.admin.FlushCache(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}
