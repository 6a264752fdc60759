package rbac

import "context"

// CatalogStore reads roles and their grants
type CatalogStore interface {
	// FindRoleByName returns the role of scope whose normalized name matches,
	// or nil, nil when there is none.
	FindRoleByName(ctx context.Context, scope RoleScope, name string) (*Role, error)

	// ListRolePermissions returns every grant of a role
	ListRolePermissions(ctx context.Context, roleID int64) ([]Grant, error)
}

// MembershipStore reads organization memberships
type MembershipStore interface {
	// FindMembership returns nil, nil when the principal is not a member
	FindMembership(ctx context.Context, principalID, organizationID string) (*Membership, error)
}

// PrincipalSource reads principals
type PrincipalSource interface {
	// GetPrincipal returns nil, nil for an unknown principal
	GetPrincipal(ctx context.Context, principalID string) (*Principal, error)
}

// AdminStore is the write side of the catalog used by Admin
type AdminStore interface {
	CatalogStore
	MembershipStore
	PrincipalSource

	CreateResource(ctx context.Context, resource *Resource) error
	GetResource(ctx context.Context, id int64) (*Resource, error)
	GetResourceByName(ctx context.Context, name string) (*Resource, error)
	ListResources(ctx context.Context) ([]Resource, error)

	CreateAction(ctx context.Context, action *Action) error
	GetAction(ctx context.Context, resourceID int64, name string) (*Action, error)
	ListActions(ctx context.Context, resourceID int64) ([]Action, error)

	CreatePermission(ctx context.Context, perm *Permission) error
	GetPermissionByCode(ctx context.Context, code string) (*Permission, error)
	ListPermissions(ctx context.Context) ([]Permission, error)
	DeletePermission(ctx context.Context, code string) error

	CreateRole(ctx context.Context, role *Role) error
	GetRole(ctx context.Context, id int64) (*Role, error)
	ListRoles(ctx context.Context, scope RoleScope) ([]Role, error)
	DeleteRole(ctx context.Context, id int64) error

	CreateGrant(ctx context.Context, grant RolePermission) error
	UpdateGrant(ctx context.Context, grant RolePermission) error
	DeleteGrant(ctx context.Context, roleID, permissionID int64) error

	SetPrincipalRoles(ctx context.Context, principalID, roles string) error
	UpsertMembership(ctx context.Context, m Membership) error
	DeleteMembership(ctx context.Context, principalID, organizationID string) error
	ListMembers(ctx context.Context, organizationID string) ([]Membership, error)
}
