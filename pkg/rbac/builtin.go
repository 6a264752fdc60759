package rbac

import (
	"context"
	"errors"
	"fmt"

	"github.com/platinummonkey/gatehouse/pkg/observability"
)

// Catalog is a declarative catalog that can be seeded into a store
type Catalog struct {
	Resources []CatalogResource
	Roles     []CatalogRole
}

// CatalogResource is a resource with the actions it defines. Every action
// gets a permission.
type CatalogResource struct {
	Resource Resource
	Actions  []Action
	Category string
}

// CatalogRole is a role with its grants
type CatalogRole struct {
	Role   Role
	Grants []Grant
}

func systemActions(names ...string) []Action {
	actions := make([]Action, 0, len(names))
	for _, name := range names {
		actions = append(actions, Action{Name: name, DisplayName: name, IsSystem: true})
	}
	return actions
}

// BuiltInCatalog returns the catalog every deployment starts with
func BuiltInCatalog() Catalog {
	return Catalog{
		Resources: []CatalogResource{
			{
				Resource: Resource{Name: "user", DisplayName: "Users", Scope: ResourceScopeGlobal, IsSystem: true},
				Actions:  systemActions("create", "read", "update", "delete", "ban"),
				Category: "identity",
			},
			{
				Resource: Resource{Name: "profile", DisplayName: "Profiles", Scope: ResourceScopeGlobal, IsSystem: true},
				Actions:  systemActions("read", "update"),
				Category: "identity",
			},
			{
				Resource: Resource{Name: "project", DisplayName: "Projects", Scope: ResourceScopeOrganization, IsSystem: true},
				Actions:  systemActions("create", "read", "update", "delete"),
				Category: "workspace",
			},
			{
				Resource: Resource{Name: "rbac", DisplayName: "Access control", Scope: ResourceScopeGlobal, IsSystem: true},
				Actions:  systemActions("read", "manage"),
				Category: "administration",
			},
		},
		Roles: []CatalogRole{
			{
				Role: Role{
					Name:        "admin",
					DisplayName: "Administrator",
					Description: "Platform administrator",
					Scope:       RoleScopeGlobal,
					IsSystem:    true,
				},
				Grants: []Grant{
					{Code: "user:create", DataScope: DataScopeAll},
					{Code: "user:read", DataScope: DataScopeAll},
					{Code: "user:update", DataScope: DataScopeAll},
					{Code: "user:delete", DataScope: DataScopeAll},
					{Code: "user:ban", DataScope: DataScopeAll},
					{Code: "rbac:read", DataScope: DataScopeAll},
					{Code: "rbac:manage", DataScope: DataScopeAll},
				},
			},
			{
				Role: Role{
					Name:        "user",
					DisplayName: "User",
					Description: "Signed-in user",
					Scope:       RoleScopeGlobal,
					IsSystem:    true,
				},
				Grants: []Grant{
					{Code: "profile:read", DataScope: DataScopeAll},
					{Code: "profile:update", DataScope: DataScopeAll},
				},
			},
			{
				Role: Role{
					Name:        "owner",
					DisplayName: "Owner",
					Description: "Organization owner",
					Scope:       RoleScopeOrganization,
					IsSystem:    true,
					IsTemplate:  true,
				},
				Grants: []Grant{
					{Code: "project:create", DataScope: DataScopeAll},
					{Code: "project:read", DataScope: DataScopeAll},
					{Code: "project:update", DataScope: DataScopeAll},
					{Code: "project:delete", DataScope: DataScopeAll},
				},
			},
			{
				Role: Role{
					Name:        "member",
					DisplayName: "Member",
					Description: "Organization member",
					Scope:       RoleScopeOrganization,
					IsSystem:    true,
					IsTemplate:  true,
				},
				Grants: []Grant{
					{Code: "project:create", DataScope: DataScopeSelf},
					{Code: "project:read", DataScope: DataScopeOrg},
					{Code: "project:update", DataScope: DataScopeSelf},
				},
			},
		},
	}
}

// SeedCatalog writes catalog into store, skipping entities that already
// exist. It is safe to run on every start.
func SeedCatalog(ctx context.Context, store AdminStore, catalog Catalog, logger *observability.Logger) error {
	if logger == nil {
		logger = observability.NewNopLogger()
	}

	for _, cr := range catalog.Resources {
		resource, err := store.GetResourceByName(ctx, cr.Resource.Name)
		if errors.Is(err, ErrNotFound) {
			r := cr.Resource
			if err := store.CreateResource(ctx, &r); err != nil {
				return fmt.Errorf("failed to create resource %s: %w", r.Name, err)
			}
			resource = &r
			logger.WithField("resource", r.Name).Info("Created built-in resource")
		} else if err != nil {
			return err
		}

		for _, a := range cr.Actions {
			action, err := store.GetAction(ctx, resource.ID, a.Name)
			if errors.Is(err, ErrNotFound) {
				action = &Action{ResourceID: resource.ID, Name: a.Name, DisplayName: a.DisplayName, IsSystem: a.IsSystem}
				if err := store.CreateAction(ctx, action); err != nil {
					return fmt.Errorf("failed to create action %s: %w", PermissionCode(resource.Name, a.Name), err)
				}
			} else if err != nil {
				return err
			}

			code := PermissionCode(resource.Name, action.Name)
			if _, err := store.GetPermissionByCode(ctx, code); errors.Is(err, ErrNotFound) {
				perm := &Permission{
					Code:        code,
					ResourceID:  resource.ID,
					ActionID:    action.ID,
					DisplayName: code,
					Category:    cr.Category,
					IsSystem:    true,
				}
				if err := store.CreatePermission(ctx, perm); err != nil {
					return fmt.Errorf("failed to create permission %s: %w", code, err)
				}
			} else if err != nil {
				return err
			}
		}
	}

	for _, cr := range catalog.Roles {
		role, err := store.FindRoleByName(ctx, cr.Role.Scope, cr.Role.Name)
		if err != nil {
			return err
		}
		if role == nil {
			r := cr.Role
			if err := store.CreateRole(ctx, &r); err != nil {
				return fmt.Errorf("failed to create built-in role %s: %w", r.Name, err)
			}
			role = &r
			logger.WithField("role", r.Name).Info("Created built-in role")
		}

		for _, g := range cr.Grants {
			perm, err := store.GetPermissionByCode(ctx, g.Code)
			if err != nil {
				return fmt.Errorf("built-in role %s: %w", role.Name, err)
			}
			err = store.CreateGrant(ctx, RolePermission{RoleID: role.ID, PermissionID: perm.ID, DataScope: g.DataScope})
			if err != nil && !IsConflictError(err) {
				return fmt.Errorf("failed to grant %s to %s: %w", g.Code, role.Name, err)
			}
		}
	}

	return nil
}
