package rbac

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/platinummonkey/gatehouse/pkg/audit"
	"github.com/platinummonkey/gatehouse/pkg/contextkeys"
	"github.com/platinummonkey/gatehouse/pkg/observability"
)

// Admin mutates the catalog. Every successful mutation invalidates the
// affected cache entries before it returns and is written to the audit log.
type Admin struct {
	store   AdminStore
	cache   Cache
	audit   audit.Logger
	logger  *observability.Logger
	metrics *observability.Metrics
}

// AdminOption configures an Admin
type AdminOption func(*Admin)

// WithAdminAuditLogger records mutations to sink
func WithAdminAuditLogger(sink audit.Logger) AdminOption {
	return func(a *Admin) {
		if sink != nil {
			a.audit = sink
		}
	}
}

// WithAdminLogger sets the logger
func WithAdminLogger(logger *observability.Logger) AdminOption {
	return func(a *Admin) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithAdminMetrics sets the Prometheus metrics
func WithAdminMetrics(metrics *observability.Metrics) AdminOption {
	return func(a *Admin) {
		a.metrics = metrics
	}
}

// NewAdmin creates an Admin. cache must be the one the Resolver reads.
func NewAdmin(store AdminStore, cache Cache, opts ...AdminOption) *Admin {
	if cache == nil {
		cache = NopCache{}
	}
	a := &Admin{
		store:  store,
		cache:  cache,
		audit:  audit.NewNoOpLogger(),
		logger: observability.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// CreateResource registers a resource
func (a *Admin) CreateResource(ctx context.Context, resource *Resource) error {
	err := a.createResource(ctx, resource)
	a.metrics.ObserveMutation("create_resource", err)
	if err != nil {
		return err
	}

	a.record(ctx, audit.EventTypeCatalogResourceCreate, audit.ResourceTypeResource, resource.Name, func(e *audit.AuditEvent) {
		e.Changes = &audit.ChangeDetails{After: map[string]interface{}{"scope": string(resource.Scope)}}
	})
	return nil
}

func (a *Admin) createResource(ctx context.Context, resource *Resource) error {
	if !ValidSlug(resource.Name) {
		return fmt.Errorf("%w: resource name %q", ErrInvalid, resource.Name)
	}
	if !resource.Scope.Valid() {
		return fmt.Errorf("%w: resource scope %q", ErrInvalid, resource.Scope)
	}
	if resource.DisplayName == "" {
		resource.DisplayName = resource.Name
	}
	return a.store.CreateResource(ctx, resource)
}

// CreateAction adds an action to the named resource
func (a *Admin) CreateAction(ctx context.Context, resourceName string, action *Action) error {
	err := a.createAction(ctx, resourceName, action)
	a.metrics.ObserveMutation("create_action", err)
	if err != nil {
		return err
	}

	a.record(ctx, audit.EventTypeCatalogActionCreate, audit.ResourceTypeAction, PermissionCode(resourceName, action.Name), nil)
	return nil
}

func (a *Admin) createAction(ctx context.Context, resourceName string, action *Action) error {
	if !ValidSlug(action.Name) {
		return fmt.Errorf("%w: action name %q", ErrInvalid, action.Name)
	}
	resource, err := a.store.GetResourceByName(ctx, resourceName)
	if err != nil {
		return err
	}
	action.ResourceID = resource.ID
	if action.DisplayName == "" {
		action.DisplayName = action.Name
	}
	return a.store.CreateAction(ctx, action)
}

// CreatePermission creates the permission for an existing action. The code
// is derived from the resource and action names.
func (a *Admin) CreatePermission(ctx context.Context, resourceName, actionName, displayName, category string) (*Permission, error) {
	perm, err := a.createPermission(ctx, resourceName, actionName, displayName, category)
	a.metrics.ObserveMutation("create_permission", err)
	if err != nil {
		return nil, err
	}

	a.record(ctx, audit.EventTypeCatalogPermissionCreate, audit.ResourceTypePermission, perm.Code, nil)
	return perm, nil
}

func (a *Admin) createPermission(ctx context.Context, resourceName, actionName, displayName, category string) (*Permission, error) {
	resource, err := a.store.GetResourceByName(ctx, resourceName)
	if err != nil {
		return nil, err
	}
	action, err := a.store.GetAction(ctx, resource.ID, actionName)
	if err != nil {
		return nil, err
	}

	perm := &Permission{
		Code:        PermissionCode(resource.Name, action.Name),
		ResourceID:  resource.ID,
		ActionID:    action.ID,
		DisplayName: displayName,
		Category:    category,
	}
	if perm.DisplayName == "" {
		perm.DisplayName = perm.Code
	}
	if err := ValidatePermission(*resource, *action, *perm); err != nil {
		return nil, err
	}
	if err := a.store.CreatePermission(ctx, perm); err != nil {
		return nil, err
	}
	return perm, nil
}

// DeletePermission removes a permission no role grants. Nothing cached can
// reference it, so no invalidation is needed.
func (a *Admin) DeletePermission(ctx context.Context, code string) error {
	err := a.store.DeletePermission(ctx, code)
	a.metrics.ObserveMutation("delete_permission", err)
	if err != nil {
		return err
	}

	a.record(ctx, audit.EventTypeCatalogPermissionDelete, audit.ResourceTypePermission, code, nil)
	return nil
}

// CreateRole creates a role. The whole cache is flushed since principals
// may already name the new role.
func (a *Admin) CreateRole(ctx context.Context, role *Role) error {
	err := a.createRole(ctx, role)
	a.metrics.ObserveMutation("create_role", err)
	if err != nil {
		return err
	}
	if err := a.invalidate(ctx, "flush", a.cache.Flush); err != nil {
		return err
	}

	a.record(ctx, audit.EventTypeCatalogRoleCreate, audit.ResourceTypeRole, strconv.FormatInt(role.ID, 10), func(e *audit.AuditEvent) {
		e.Changes = &audit.ChangeDetails{After: map[string]interface{}{
			"name":  role.Name,
			"scope": string(role.Scope),
		}}
	})
	return nil
}

func (a *Admin) createRole(ctx context.Context, role *Role) error {
	if NormalizeRoleName(role.Name) == "" {
		return fmt.Errorf("%w: role name %q", ErrInvalid, role.Name)
	}
	if !role.Scope.Valid() {
		return fmt.Errorf("%w: role scope %q", ErrInvalid, role.Scope)
	}
	if role.DisplayName == "" {
		role.DisplayName = NormalizeRoleName(role.Name)
	}
	return a.store.CreateRole(ctx, role)
}

// DeleteRole removes a role with its grants
func (a *Admin) DeleteRole(ctx context.Context, roleID int64) error {
	err := a.store.DeleteRole(ctx, roleID)
	a.metrics.ObserveMutation("delete_role", err)
	if err != nil {
		return err
	}
	if err := a.invalidateRole(ctx, roleID); err != nil {
		return err
	}

	a.record(ctx, audit.EventTypeCatalogRoleDelete, audit.ResourceTypeRole, strconv.FormatInt(roleID, 10), nil)
	return nil
}

// GrantPermission attaches a permission to a role. The role scope must be
// able to hold the resource scope. An empty data scope means ALL.
func (a *Admin) GrantPermission(ctx context.Context, roleID int64, code string, scope DataScope) error {
	if scope == "" {
		scope = DataScopeAll
	}
	err := a.grantPermission(ctx, roleID, code, scope)
	a.metrics.ObserveMutation("grant_permission", err)
	if err != nil {
		return err
	}
	if err := a.invalidateRole(ctx, roleID); err != nil {
		return err
	}

	a.record(ctx, audit.EventTypeAuthzPermissionGrant, audit.ResourceTypeRole, strconv.FormatInt(roleID, 10), func(e *audit.AuditEvent) {
		e.Permission = code
		e.Changes = &audit.ChangeDetails{After: map[string]interface{}{"data_scope": string(scope)}}
	})
	return nil
}

func (a *Admin) grantPermission(ctx context.Context, roleID int64, code string, scope DataScope) error {
	if !scope.Valid() {
		return fmt.Errorf("%w: data scope %q", ErrInvalid, scope)
	}
	role, err := a.store.GetRole(ctx, roleID)
	if err != nil {
		return err
	}
	perm, err := a.store.GetPermissionByCode(ctx, code)
	if err != nil {
		return err
	}
	resource, err := a.store.GetResource(ctx, perm.ResourceID)
	if err != nil {
		return err
	}
	if !CanHold(role.Scope, resource.Scope) {
		return fmt.Errorf("%w: %s role %q cannot hold %s permission %q",
			ErrInvalid, role.Scope, role.Name, resource.Scope, code)
	}
	return a.store.CreateGrant(ctx, RolePermission{RoleID: role.ID, PermissionID: perm.ID, DataScope: scope})
}

// UpdateGrantScope changes the data scope of an existing grant
func (a *Admin) UpdateGrantScope(ctx context.Context, roleID int64, code string, scope DataScope) error {
	err := a.updateGrantScope(ctx, roleID, code, scope)
	a.metrics.ObserveMutation("update_grant_scope", err)
	if err != nil {
		return err
	}
	if err := a.invalidateRole(ctx, roleID); err != nil {
		return err
	}

	a.record(ctx, audit.EventTypeAuthzGrantScopeChange, audit.ResourceTypeRole, strconv.FormatInt(roleID, 10), func(e *audit.AuditEvent) {
		e.Permission = code
		e.Changes = &audit.ChangeDetails{After: map[string]interface{}{"data_scope": string(scope)}}
	})
	return nil
}

func (a *Admin) updateGrantScope(ctx context.Context, roleID int64, code string, scope DataScope) error {
	if !scope.Valid() {
		return fmt.Errorf("%w: data scope %q", ErrInvalid, scope)
	}
	perm, err := a.store.GetPermissionByCode(ctx, code)
	if err != nil {
		return err
	}
	return a.store.UpdateGrant(ctx, RolePermission{RoleID: roleID, PermissionID: perm.ID, DataScope: scope})
}

// RevokePermission detaches a permission from a role
func (a *Admin) RevokePermission(ctx context.Context, roleID int64, code string) error {
	err := a.revokePermission(ctx, roleID, code)
	a.metrics.ObserveMutation("revoke_permission", err)
	if err != nil {
		return err
	}
	if err := a.invalidateRole(ctx, roleID); err != nil {
		return err
	}

	a.record(ctx, audit.EventTypeAuthzPermissionRevoke, audit.ResourceTypeRole, strconv.FormatInt(roleID, 10), func(e *audit.AuditEvent) {
		e.Permission = code
	})
	return nil
}

func (a *Admin) revokePermission(ctx context.Context, roleID int64, code string) error {
	perm, err := a.store.GetPermissionByCode(ctx, code)
	if err != nil {
		return err
	}
	return a.store.DeleteGrant(ctx, roleID, perm.ID)
}

// SetPrincipalRoles replaces the global roles of a principal. raw is the
// comma-separated role field; it is stored normalized.
func (a *Admin) SetPrincipalRoles(ctx context.Context, principalID, raw string) error {
	roles := strings.Join(ParseRoleNames(raw), ",")
	err := a.setPrincipalRoles(ctx, principalID, roles)
	a.metrics.ObserveMutation("set_principal_roles", err)
	if err != nil {
		return err
	}
	if err := a.invalidatePrincipal(ctx, principalID); err != nil {
		return err
	}

	a.record(ctx, audit.EventTypeAuthzRoleChange, audit.ResourceTypePrincipal, principalID, func(e *audit.AuditEvent) {
		e.Changes = &audit.ChangeDetails{After: map[string]interface{}{"roles": roles}}
	})
	return nil
}

func (a *Admin) setPrincipalRoles(ctx context.Context, principalID, roles string) error {
	if strings.TrimSpace(principalID) == "" {
		return fmt.Errorf("%w: principal id is required", ErrInvalid)
	}
	return a.store.SetPrincipalRoles(ctx, principalID, roles)
}

// SetMembership makes a principal a member of an organization with one
// organization role, replacing any previous membership there
func (a *Admin) SetMembership(ctx context.Context, m Membership) error {
	m.RoleName = NormalizeRoleName(m.RoleName)
	err := a.setMembership(ctx, m)
	a.metrics.ObserveMutation("set_membership", err)
	if err != nil {
		return err
	}
	if err := a.invalidatePrincipal(ctx, m.PrincipalID); err != nil {
		return err
	}

	a.record(ctx, audit.EventTypeAdminOrgMemberSet, audit.ResourceTypeMembership, m.PrincipalID, func(e *audit.AuditEvent) {
		e.OrganizationID = m.OrganizationID
		e.Changes = &audit.ChangeDetails{After: map[string]interface{}{"role": m.RoleName}}
	})
	return nil
}

func (a *Admin) setMembership(ctx context.Context, m Membership) error {
	if strings.TrimSpace(m.PrincipalID) == "" || strings.TrimSpace(m.OrganizationID) == "" {
		return fmt.Errorf("%w: principal and organization are required", ErrInvalid)
	}
	if m.RoleName == "" {
		return fmt.Errorf("%w: role is required", ErrInvalid)
	}
	role, err := a.store.FindRoleByName(ctx, RoleScopeOrganization, m.RoleName)
	if err != nil {
		return err
	}
	if role == nil {
		return fmt.Errorf("%w: unknown organization role %q", ErrInvalid, m.RoleName)
	}
	return a.store.UpsertMembership(ctx, m)
}

// RemoveMembership removes a principal from an organization
func (a *Admin) RemoveMembership(ctx context.Context, principalID, organizationID string) error {
	err := a.store.DeleteMembership(ctx, principalID, organizationID)
	a.metrics.ObserveMutation("remove_membership", err)
	if err != nil {
		return err
	}
	if err := a.invalidatePrincipal(ctx, principalID); err != nil {
		return err
	}

	a.record(ctx, audit.EventTypeAdminOrgMemberRemove, audit.ResourceTypeMembership, principalID, func(e *audit.AuditEvent) {
		e.OrganizationID = organizationID
	})
	return nil
}

// FlushCache drops every cached resolution
func (a *Admin) FlushCache(ctx context.Context) error {
	if err := a.invalidate(ctx, "flush", a.cache.Flush); err != nil {
		return err
	}
	a.record(ctx, audit.EventTypeAdminCacheFlush, audit.ResourceTypeCache, "", nil)
	return nil
}

func (a *Admin) invalidatePrincipal(ctx context.Context, principalID string) error {
	return a.invalidate(ctx, "principal", func(ctx context.Context) error {
		return a.cache.InvalidatePrincipal(ctx, principalID)
	})
}

func (a *Admin) invalidateRole(ctx context.Context, roleID int64) error {
	return a.invalidate(ctx, "role", func(ctx context.Context) error {
		return a.cache.InvalidateRole(ctx, roleID)
	})
}

// invalidate runs a point invalidation and falls back to a full flush. If
// both fail the write is committed but cached resolutions may be stale, and
// the caller is told so.
func (a *Admin) invalidate(ctx context.Context, kind string, fn func(context.Context) error) error {
	a.metrics.ObserveInvalidation(kind)
	err := fn(ctx)
	if err == nil {
		return nil
	}

	if kind != "flush" {
		a.logger.WithError(err).WithField("kind", kind).Warn("Cache invalidation failed, flushing")
		a.metrics.ObserveInvalidation("flush")
		if err = a.cache.Flush(ctx); err == nil {
			return nil
		}
	}

	a.logger.WithError(err).Error("Cache flush failed")
	return fmt.Errorf("catalog updated but cache invalidation failed: %w", err)
}

func (a *Admin) record(ctx context.Context, eventType audit.EventType, resourceType audit.ResourceType, resourceID string, decorate func(*audit.AuditEvent)) {
	event := audit.NewEvent(ctx, eventType, audit.EventStatusSuccess)
	if actor, ok := contextkeys.PrincipalID(ctx); ok {
		event.PrincipalID = actor
	}
	event.ResourceType = resourceType
	event.ResourceID = resourceID
	if decorate != nil {
		decorate(event)
	}

	if err := a.audit.Log(ctx, event); err != nil {
		a.logger.WithError(err).WithField("event_type", string(eventType)).Warn("Failed to write audit event")
	}
}
