package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// Store handles database operations for the RBAC catalog. It implements
// CatalogStore, MembershipStore, PrincipalSource and AdminStore.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a new RBAC store
func NewStore(db *sql.DB) *Store {
	return &Store{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// DB returns the underlying handle
func (s *Store) DB() *sql.DB {
	return s.db
}

// querier is satisfied by *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type scanner interface {
	Scan(dest ...interface{}) error
}

// isUniqueViolation recognizes unique and primary key violations from both
// supported drivers.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func requireAffected(result sql.Result, what string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}

// Resources

const resourceColumns = "id, name, display_name, scope, is_system, created_at, updated_at"

func scanResource(row scanner) (*Resource, error) {
	var r Resource
	var scope string
	if err := row.Scan(&r.ID, &r.Name, &r.DisplayName, &scope, &r.IsSystem, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Scope = ResourceScope(scope)
	return &r, nil
}

// CreateResource inserts a resource and sets its ID
func (s *Store) CreateResource(ctx context.Context, resource *Resource) error {
	now := s.now()
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO rbac_resources (name, display_name, scope, is_system, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, resource.Name, resource.DisplayName, string(resource.Scope), resource.IsSystem, now, now).Scan(&resource.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return &ConflictError{Entity: "resource", Key: resource.Name, Reason: "already exists"}
		}
		return fmt.Errorf("failed to create resource: %w", err)
	}
	resource.CreatedAt = now
	resource.UpdatedAt = now
	return nil
}

// GetResource fetches a resource by id
func (s *Store) GetResource(ctx context.Context, id int64) (*Resource, error) {
	r, err := scanResource(s.db.QueryRowContext(ctx,
		"SELECT "+resourceColumns+" FROM rbac_resources WHERE id = $1", id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("resource %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get resource: %w", err)
	}
	return r, nil
}

// GetResourceByName fetches a resource by its slug
func (s *Store) GetResourceByName(ctx context.Context, name string) (*Resource, error) {
	r, err := scanResource(s.db.QueryRowContext(ctx,
		"SELECT "+resourceColumns+" FROM rbac_resources WHERE name = $1", name))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("resource %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get resource: %w", err)
	}
	return r, nil
}

// ListResources returns every resource ordered by name
func (s *Store) ListResources(ctx context.Context) ([]Resource, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+resourceColumns+" FROM rbac_resources ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}
	defer rows.Close()

	var resources []Resource
	for rows.Next() {
		r, err := scanResource(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan resource: %w", err)
		}
		resources = append(resources, *r)
	}
	return resources, rows.Err()
}

// Actions

const actionColumns = "id, resource_id, name, display_name, is_system"

func scanAction(row scanner) (*Action, error) {
	var a Action
	if err := row.Scan(&a.ID, &a.ResourceID, &a.Name, &a.DisplayName, &a.IsSystem); err != nil {
		return nil, err
	}
	return &a, nil
}

// CreateAction inserts an action and sets its ID
func (s *Store) CreateAction(ctx context.Context, action *Action) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO rbac_actions (resource_id, name, display_name, is_system)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, action.ResourceID, action.Name, action.DisplayName, action.IsSystem).Scan(&action.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return &ConflictError{Entity: "action", Key: action.Name, Reason: "already exists on resource"}
		}
		return fmt.Errorf("failed to create action: %w", err)
	}
	return nil
}

// GetAction fetches the named action of a resource
func (s *Store) GetAction(ctx context.Context, resourceID int64, name string) (*Action, error) {
	a, err := scanAction(s.db.QueryRowContext(ctx,
		"SELECT "+actionColumns+" FROM rbac_actions WHERE resource_id = $1 AND name = $2", resourceID, name))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("action %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get action: %w", err)
	}
	return a, nil
}

// ListActions returns the actions of a resource ordered by name
func (s *Store) ListActions(ctx context.Context, resourceID int64) ([]Action, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+actionColumns+" FROM rbac_actions WHERE resource_id = $1 ORDER BY name", resourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list actions: %w", err)
	}
	defer rows.Close()

	var actions []Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan action: %w", err)
		}
		actions = append(actions, *a)
	}
	return actions, rows.Err()
}

// Permissions

const permissionColumns = "id, code, resource_id, action_id, display_name, category, is_system"

func scanPermission(row scanner) (*Permission, error) {
	var p Permission
	if err := row.Scan(&p.ID, &p.Code, &p.ResourceID, &p.ActionID, &p.DisplayName, &p.Category, &p.IsSystem); err != nil {
		return nil, err
	}
	return &p, nil
}

// CreatePermission inserts a permission and sets its ID
func (s *Store) CreatePermission(ctx context.Context, perm *Permission) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO rbac_permissions (code, resource_id, action_id, display_name, category, is_system)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, perm.Code, perm.ResourceID, perm.ActionID, perm.DisplayName, perm.Category, perm.IsSystem).Scan(&perm.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return &ConflictError{Entity: "permission", Key: perm.Code, Reason: "already exists"}
		}
		return fmt.Errorf("failed to create permission: %w", err)
	}
	return nil
}

// GetPermissionByCode fetches a permission by code
func (s *Store) GetPermissionByCode(ctx context.Context, code string) (*Permission, error) {
	p, err := scanPermission(s.db.QueryRowContext(ctx,
		"SELECT "+permissionColumns+" FROM rbac_permissions WHERE code = $1", code))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("permission %q: %w", code, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get permission: %w", err)
	}
	return p, nil
}

// ListPermissions returns every permission ordered by code
func (s *Store) ListPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+permissionColumns+" FROM rbac_permissions ORDER BY code")
	if err != nil {
		return nil, fmt.Errorf("failed to list permissions: %w", err)
	}
	defer rows.Close()

	var perms []Permission
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan permission: %w", err)
		}
		perms = append(perms, *p)
	}
	return perms, rows.Err()
}

// DeletePermission removes a permission that no role grants
func (s *Store) DeletePermission(ctx context.Context, code string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var id int64
		err := tx.QueryRowContext(ctx, "SELECT id FROM rbac_permissions WHERE code = $1", code).Scan(&id)
		if err == sql.ErrNoRows {
			return fmt.Errorf("permission %q: %w", code, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to get permission: %w", err)
		}

		var refs int
		if err := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM rbac_role_permissions WHERE permission_id = $1", id,
		).Scan(&refs); err != nil {
			return fmt.Errorf("failed to count grants: %w", err)
		}
		if refs > 0 {
			return &ConflictError{
				Entity: "permission",
				Key:    code,
				Reason: fmt.Sprintf("granted to %d role(s)", refs),
			}
		}

		if _, err := tx.ExecContext(ctx, "DELETE FROM rbac_permissions WHERE id = $1", id); err != nil {
			return fmt.Errorf("failed to delete permission: %w", err)
		}
		return nil
	})
}

// Roles

const roleColumns = "id, name, display_name, description, scope, is_system, is_template, created_at, updated_at"

func scanRole(row scanner) (*Role, error) {
	var r Role
	var scope string
	if err := row.Scan(&r.ID, &r.Name, &r.DisplayName, &r.Description, &scope,
		&r.IsSystem, &r.IsTemplate, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Scope = RoleScope(scope)
	return &r, nil
}

// FindRoleByName returns the role of scope whose normalized name equals the
// normalized name given, matching "admin" and "GLOBAL:admin" alike.
func (s *Store) FindRoleByName(ctx context.Context, scope RoleScope, name string) (*Role, error) {
	return findRoleByName(ctx, s.db, scope, name)
}

// likeEscaper makes a value match itself literally in a LIKE ... ESCAPE '\'
// pattern
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func findRoleByName(ctx context.Context, q querier, scope RoleScope, name string) (*Role, error) {
	name = NormalizeRoleName(name)
	if name == "" {
		return nil, nil
	}

	rows, err := q.QueryContext(ctx, `
		SELECT `+roleColumns+`
		FROM rbac_roles
		WHERE scope = $1 AND (name = $2 OR name LIKE '%:' || $3 ESCAPE '\')
		ORDER BY id
	`, string(scope), name, likeEscaper.Replace(name))
	if err != nil {
		return nil, fmt.Errorf("failed to find role: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}
		if NormalizeRoleName(role.Name) == name {
			return role, nil
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to find role: %w", err)
	}
	return nil, nil
}

// CreateRole inserts a role and sets its ID. Two roles of one scope may not
// share a normalized name.
func (s *Store) CreateRole(ctx context.Context, role *Role) error {
	now := s.now()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := findRoleByName(ctx, tx, role.Scope, role.Name)
		if err != nil {
			return err
		}
		if existing != nil {
			return &ConflictError{Entity: "role", Key: role.Name, Reason: fmt.Sprintf("conflicts with %q", existing.Name)}
		}

		err = tx.QueryRowContext(ctx, `
			INSERT INTO rbac_roles (name, display_name, description, scope, is_system, is_template, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id
		`, role.Name, role.DisplayName, role.Description, string(role.Scope),
			role.IsSystem, role.IsTemplate, now, now).Scan(&role.ID)
		if err != nil {
			if isUniqueViolation(err) {
				return &ConflictError{Entity: "role", Key: role.Name, Reason: "already exists"}
			}
			return fmt.Errorf("failed to create role: %w", err)
		}
		role.CreatedAt = now
		role.UpdatedAt = now
		return nil
	})
}

// GetRole fetches a role by id
func (s *Store) GetRole(ctx context.Context, id int64) (*Role, error) {
	r, err := scanRole(s.db.QueryRowContext(ctx, "SELECT "+roleColumns+" FROM rbac_roles WHERE id = $1", id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("role %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get role: %w", err)
	}
	return r, nil
}

// ListRoles returns the roles of scope, or all roles when scope is empty
func (s *Store) ListRoles(ctx context.Context, scope RoleScope) ([]Role, error) {
	query := "SELECT " + roleColumns + " FROM rbac_roles"
	var args []interface{}
	if scope != "" {
		query += " WHERE scope = $1"
		args = append(args, string(scope))
	}
	query += " ORDER BY scope, name"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	defer rows.Close()

	var roles []Role
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}
		roles = append(roles, *r)
	}
	return roles, rows.Err()
}

// DeleteRole removes a role and its grants
func (s *Store) DeleteRole(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM rbac_role_permissions WHERE role_id = $1", id); err != nil {
			return fmt.Errorf("failed to delete role grants: %w", err)
		}
		result, err := tx.ExecContext(ctx, "DELETE FROM rbac_roles WHERE id = $1", id)
		if err != nil {
			return fmt.Errorf("failed to delete role: %w", err)
		}
		return requireAffected(result, fmt.Sprintf("role %d", id))
	})
}

// Grants

// ListRolePermissions returns the grants of a role ordered by code
func (s *Store) ListRolePermissions(ctx context.Context, roleID int64) ([]Grant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.code, rp.data_scope
		FROM rbac_role_permissions rp
		JOIN rbac_permissions p ON p.id = rp.permission_id
		WHERE rp.role_id = $1
		ORDER BY p.code
	`, roleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list role permissions: %w", err)
	}
	defer rows.Close()

	var grants []Grant
	for rows.Next() {
		var g Grant
		var scope string
		if err := rows.Scan(&g.Code, &scope); err != nil {
			return nil, fmt.Errorf("failed to scan role permission: %w", err)
		}
		g.DataScope = DataScope(scope)
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

// CreateGrant attaches a permission to a role
func (s *Store) CreateGrant(ctx context.Context, grant RolePermission) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rbac_role_permissions (role_id, permission_id, data_scope, created_at)
		VALUES ($1, $2, $3, $4)
	`, grant.RoleID, grant.PermissionID, string(grant.DataScope), s.now())
	if err != nil {
		if isUniqueViolation(err) {
			return &ConflictError{
				Entity: "grant",
				Key:    fmt.Sprintf("%d/%d", grant.RoleID, grant.PermissionID),
				Reason: "already granted",
			}
		}
		return fmt.Errorf("failed to create grant: %w", err)
	}
	return nil
}

// UpdateGrant changes the data scope of an existing grant
func (s *Store) UpdateGrant(ctx context.Context, grant RolePermission) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE rbac_role_permissions SET data_scope = $1
		WHERE role_id = $2 AND permission_id = $3
	`, string(grant.DataScope), grant.RoleID, grant.PermissionID)
	if err != nil {
		return fmt.Errorf("failed to update grant: %w", err)
	}
	return requireAffected(result, "grant")
}

// DeleteGrant detaches a permission from a role
func (s *Store) DeleteGrant(ctx context.Context, roleID, permissionID int64) error {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM rbac_role_permissions WHERE role_id = $1 AND permission_id = $2", roleID, permissionID)
	if err != nil {
		return fmt.Errorf("failed to delete grant: %w", err)
	}
	return requireAffected(result, "grant")
}

// Principals and memberships

// GetPrincipal returns nil, nil for an unknown principal
func (s *Store) GetPrincipal(ctx context.Context, principalID string) (*Principal, error) {
	var p Principal
	err := s.db.QueryRowContext(ctx,
		"SELECT id, roles FROM rbac_principals WHERE id = $1", principalID,
	).Scan(&p.ID, &p.Roles)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get principal: %w", err)
	}
	return &p, nil
}

// SetPrincipalRoles replaces the global role field of a principal
func (s *Store) SetPrincipalRoles(ctx context.Context, principalID, roles string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rbac_principals (id, roles, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET roles = excluded.roles, updated_at = excluded.updated_at
	`, principalID, roles, s.now())
	if err != nil {
		return fmt.Errorf("failed to set principal roles: %w", err)
	}
	return nil
}

// FindMembership returns nil, nil when the principal is not a member
func (s *Store) FindMembership(ctx context.Context, principalID, organizationID string) (*Membership, error) {
	var m Membership
	err := s.db.QueryRowContext(ctx, `
		SELECT principal_id, organization_id, role_name
		FROM rbac_memberships
		WHERE principal_id = $1 AND organization_id = $2
	`, principalID, organizationID).Scan(&m.PrincipalID, &m.OrganizationID, &m.RoleName)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find membership: %w", err)
	}
	return &m, nil
}

// UpsertMembership creates or replaces the membership of a principal in an
// organization
func (s *Store) UpsertMembership(ctx context.Context, m Membership) error {
	now := s.now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rbac_memberships (principal_id, organization_id, role_name, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (principal_id, organization_id)
		DO UPDATE SET role_name = excluded.role_name, updated_at = excluded.updated_at
	`, m.PrincipalID, m.OrganizationID, m.RoleName, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert membership: %w", err)
	}
	return nil
}

// DeleteMembership removes a principal from an organization
func (s *Store) DeleteMembership(ctx context.Context, principalID, organizationID string) error {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM rbac_memberships WHERE principal_id = $1 AND organization_id = $2",
		principalID, organizationID)
	if err != nil {
		return fmt.Errorf("failed to delete membership: %w", err)
	}
	return requireAffected(result, "membership")
}

// ListMembers returns the memberships of an organization
func (s *Store) ListMembers(ctx context.Context, organizationID string) ([]Membership, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT principal_id, organization_id, role_name
		FROM rbac_memberships
		WHERE organization_id = $1
		ORDER BY principal_id
	`, organizationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	defer rows.Close()

	var members []Membership
	for rows.Next() {
		var m Membership
		if err := rows.Scan(&m.PrincipalID, &m.OrganizationID, &m.RoleName); err != nil {
			return nil, fmt.Errorf("failed to scan membership: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}
