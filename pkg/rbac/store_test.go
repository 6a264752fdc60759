package rbac

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunMigrationsWith_Idempotent(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, RunMigrationsWith(ctx, db, MigrateOptions{Dialect: DialectSQLite}))

	var applied int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM rbac_migrations").Scan(&applied))
	assert.Equal(t, len(GetMigrations()), applied)
}

func TestDialectForDriver(t *testing.T) {
	assert.Equal(t, DialectSQLite, DialectForDriver("sqlite3"))
	assert.Equal(t, DialectPostgres, DialectForDriver("postgres"))
}

func TestStore_Resources(t *testing.T) {
	store := NewStore(setupTestDB(t))
	ctx := context.Background()

	r := &Resource{Name: "user", DisplayName: "Users", Scope: ResourceScopeGlobal, IsSystem: true}
	require.NoError(t, store.CreateResource(ctx, r))
	require.NotZero(t, r.ID)
	require.NoError(t, store.CreateResource(ctx, &Resource{Name: "audit", DisplayName: "Audit", Scope: ResourceScopeBoth}))

	got, err := store.GetResource(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "user", got.Name)
	assert.Equal(t, ResourceScopeGlobal, got.Scope)
	assert.True(t, got.IsSystem)
	assert.False(t, got.CreatedAt.IsZero())

	got, err = store.GetResourceByName(ctx, "audit")
	require.NoError(t, err)
	assert.Equal(t, ResourceScopeBoth, got.Scope)

	_, err = store.GetResourceByName(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetResource(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)

	err = store.CreateResource(ctx, &Resource{Name: "user", Scope: ResourceScopeGlobal})
	assert.True(t, IsConflictError(err))

	resources, err := store.ListResources(ctx)
	require.NoError(t, err)
	require.Len(t, resources, 2)
	assert.Equal(t, "audit", resources[0].Name)
}

func TestStore_ActionsAndPermissions(t *testing.T) {
	store := NewStore(setupTestDB(t))
	ctx := context.Background()

	r := &Resource{Name: "user", Scope: ResourceScopeGlobal}
	require.NoError(t, store.CreateResource(ctx, r))

	read := &Action{ResourceID: r.ID, Name: "read", DisplayName: "Read"}
	require.NoError(t, store.CreateAction(ctx, read))
	require.NoError(t, store.CreateAction(ctx, &Action{ResourceID: r.ID, Name: "ban", DisplayName: "Ban"}))
	assert.True(t, IsConflictError(store.CreateAction(ctx, &Action{ResourceID: r.ID, Name: "read"})))

	actions, err := store.ListActions(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, actions, 2)
	assert.Equal(t, "ban", actions[0].Name)

	got, err := store.GetAction(ctx, r.ID, "read")
	require.NoError(t, err)
	assert.Equal(t, read.ID, got.ID)
	_, err = store.GetAction(ctx, r.ID, "fly")
	assert.ErrorIs(t, err, ErrNotFound)

	perm := &Permission{Code: "user:read", ResourceID: r.ID, ActionID: read.ID, DisplayName: "Read users", Category: "identity"}
	require.NoError(t, store.CreatePermission(ctx, perm))
	assert.True(t, IsConflictError(store.CreatePermission(ctx, &Permission{Code: "user:read", ResourceID: r.ID, ActionID: read.ID})))

	gotPerm, err := store.GetPermissionByCode(ctx, "user:read")
	require.NoError(t, err)
	assert.Equal(t, perm.ID, gotPerm.ID)
	assert.Equal(t, "identity", gotPerm.Category)

	perms, err := store.ListPermissions(ctx)
	require.NoError(t, err)
	assert.Len(t, perms, 1)
}

func TestStore_FindRoleByName(t *testing.T) {
	store := NewStore(setupTestDB(t))
	ctx := context.Background()

	require.NoError(t, store.CreateRole(ctx, &Role{Name: "GLOBAL:admin", DisplayName: "Admin", Scope: RoleScopeGlobal}))
	require.NoError(t, store.CreateRole(ctx, &Role{Name: "GLOBAL:orgXadmin", DisplayName: "x", Scope: RoleScopeGlobal}))
	require.NoError(t, store.CreateRole(ctx, &Role{Name: "member", DisplayName: "Member", Scope: RoleScopeOrganization}))

	for _, name := range []string{"admin", "GLOBAL:admin", " admin "} {
		role, err := store.FindRoleByName(ctx, RoleScopeGlobal, name)
		require.NoError(t, err)
		require.NotNil(t, role, name)
		assert.Equal(t, "GLOBAL:admin", role.Name)
	}

	role, err := store.FindRoleByName(ctx, RoleScopeOrganization, "ORGANIZATION:member")
	require.NoError(t, err)
	require.NotNil(t, role)
	assert.Equal(t, "member", role.Name)

	// scopes do not mix
	role, err = store.FindRoleByName(ctx, RoleScopeGlobal, "member")
	require.NoError(t, err)
	assert.Nil(t, role)

	// LIKE wildcards in the name never match another role
	role, err = store.FindRoleByName(ctx, RoleScopeGlobal, "org_admin")
	require.NoError(t, err)
	assert.Nil(t, role)

	role, err = store.FindRoleByName(ctx, RoleScopeGlobal, "")
	require.NoError(t, err)
	assert.Nil(t, role)

	err = store.CreateRole(ctx, &Role{Name: "admin", Scope: RoleScopeGlobal})
	assert.True(t, IsConflictError(err))
}

func TestStore_RolesAndGrants(t *testing.T) {
	store := NewStore(setupTestDB(t))
	ids := seedScenario(t, store)
	ctx := context.Background()

	role, err := store.GetRole(ctx, ids.member)
	require.NoError(t, err)
	assert.Equal(t, RoleScopeOrganization, role.Scope)
	_, err = store.GetRole(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)

	global, err := store.ListRoles(ctx, RoleScopeGlobal)
	require.NoError(t, err)
	assert.Len(t, global, 2)
	all, err := store.ListRoles(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	grants, err := store.ListRolePermissions(ctx, ids.admin)
	require.NoError(t, err)
	require.Len(t, grants, 5)
	assert.Equal(t, "user:ban", grants[0].Code)
	assert.Equal(t, DataScopeAll, grants[0].DataScope)

	read, err := store.GetPermissionByCode(ctx, "project:read")
	require.NoError(t, err)
	require.NoError(t, store.UpdateGrant(ctx, RolePermission{RoleID: ids.member, PermissionID: read.ID, DataScope: DataScopeSelf}))
	grants, err = store.ListRolePermissions(ctx, ids.member)
	require.NoError(t, err)
	assert.Equal(t, []Grant{{Code: "project:read", DataScope: DataScopeSelf}}, grants)

	require.NoError(t, store.DeleteGrant(ctx, ids.member, read.ID))
	assert.ErrorIs(t, store.DeleteGrant(ctx, ids.member, read.ID), ErrNotFound)
	assert.ErrorIs(t, store.UpdateGrant(ctx, RolePermission{RoleID: ids.member, PermissionID: read.ID, DataScope: DataScopeAll}), ErrNotFound)

	require.NoError(t, store.DeleteRole(ctx, ids.admin))
	grants, err = store.ListRolePermissions(ctx, ids.admin)
	require.NoError(t, err)
	assert.Empty(t, grants)
	assert.ErrorIs(t, store.DeleteRole(ctx, ids.admin), ErrNotFound)

	// user:ban is no longer granted anywhere
	require.NoError(t, store.DeletePermission(ctx, "user:ban"))
}

func TestStore_Principals(t *testing.T) {
	store := NewStore(setupTestDB(t))
	ctx := context.Background()

	p, err := store.GetPrincipal(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, p)

	require.NoError(t, store.SetPrincipalRoles(ctx, "u1", "admin"))
	require.NoError(t, store.SetPrincipalRoles(ctx, "u1", "admin,user"))

	p, err = store.GetPrincipal(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "admin,user", p.Roles)
}

func TestStore_Memberships(t *testing.T) {
	store := NewStore(setupTestDB(t))
	ctx := context.Background()

	m, err := store.FindMembership(ctx, "u1", "org-1")
	require.NoError(t, err)
	assert.Nil(t, m)

	require.NoError(t, store.UpsertMembership(ctx, Membership{PrincipalID: "u1", OrganizationID: "org-1", RoleName: "member"}))
	require.NoError(t, store.UpsertMembership(ctx, Membership{PrincipalID: "u1", OrganizationID: "org-1", RoleName: "owner"}))
	require.NoError(t, store.UpsertMembership(ctx, Membership{PrincipalID: "u2", OrganizationID: "org-1", RoleName: "member"}))
	require.NoError(t, store.UpsertMembership(ctx, Membership{PrincipalID: "u1", OrganizationID: "org-2", RoleName: "member"}))

	m, err = store.FindMembership(ctx, "u1", "org-1")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "owner", m.RoleName)

	members, err := store.ListMembers(ctx, "org-1")
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, "u1", members[0].PrincipalID)

	require.NoError(t, store.DeleteMembership(ctx, "u1", "org-1"))
	assert.ErrorIs(t, store.DeleteMembership(ctx, "u1", "org-1"), ErrNotFound)

	m, err = store.FindMembership(ctx, "u1", "org-2")
	require.NoError(t, err)
	assert.NotNil(t, m)
}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db), mock
}

func TestStore_PostgresUniqueViolation(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("INSERT INTO rbac_resources").
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value"})

	err := store.CreateResource(context.Background(), &Resource{Name: "user", Scope: ResourceScopeGlobal})
	assert.True(t, IsConflictError(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_QueryFailuresAreWrapped(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectQuery("SELECT id, roles FROM rbac_principals").WithArgs("u1").WillReturnError(sql.ErrConnDone)
	_, err := store.GetPrincipal(ctx, "u1")
	assert.ErrorIs(t, err, sql.ErrConnDone)

	mock.ExpectQuery("FROM rbac_roles").WillReturnError(sql.ErrConnDone)
	_, err = store.FindRoleByName(ctx, RoleScopeGlobal, "admin")
	assert.ErrorIs(t, err, sql.ErrConnDone)

	mock.ExpectQuery("FROM rbac_memberships").WillReturnError(sql.ErrConnDone)
	_, err = store.FindMembership(ctx, "u1", "org-1")
	assert.ErrorIs(t, err, sql.ErrConnDone)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_FindRoleByNameEscapesWildcards(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`LIKE '%:' \|\| \$3 ESCAPE`).
		WithArgs("GLOBAL", `org_50%\x`, `org\_50\%\\x`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "name", "display_name", "description", "scope", "is_system", "is_template", "created_at", "updated_at",
		}))

	role, err := store.FindRoleByName(context.Background(), RoleScopeGlobal, `GLOBAL:org_50%\x`)
	require.NoError(t, err)
	assert.Nil(t, role)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_FindRoleByNameTreatsWildcardsLiterally(t *testing.T) {
	store := NewStore(setupTestDB(t))
	ctx := context.Background()

	require.NoError(t, store.CreateRole(ctx, &Role{Name: "GLOBAL:ops_team", DisplayName: "Ops", Scope: RoleScopeGlobal}))
	require.NoError(t, store.CreateRole(ctx, &Role{Name: "GLOBAL:opsXteam", DisplayName: "Other", Scope: RoleScopeGlobal}))

	role, err := store.FindRoleByName(ctx, RoleScopeGlobal, "ops_team")
	require.NoError(t, err)
	require.NotNil(t, role)
	assert.Equal(t, "GLOBAL:ops_team", role.Name)

	role, err = store.FindRoleByName(ctx, RoleScopeGlobal, "ops%")
	require.NoError(t, err)
	assert.Nil(t, role)
}

func TestStore_DeletePermissionRollsBack(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM rbac_permissions").WithArgs("user:ban").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
	mock.ExpectQuery("SELECT COUNT").WithArgs(7).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectRollback()

	err := store.DeletePermission(context.Background(), "user:ban")
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "granted to 2 role(s)", conflict.Reason)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_CreateRoleRollsBackOnInsertFailure(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FROM rbac_roles").WillReturnRows(sqlmock.NewRows([]string{
		"id", "name", "display_name", "description", "scope", "is_system", "is_template", "created_at", "updated_at",
	}))
	mock.ExpectQuery("INSERT INTO rbac_roles").WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	err := store.CreateRole(context.Background(), &Role{Name: "auditor", Scope: RoleScopeGlobal})
	assert.ErrorIs(t, err, sql.ErrConnDone)
	assert.NoError(t, mock.ExpectationsWereMet())
}
