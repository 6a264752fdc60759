package rbac

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuiltInCatalog_GrantsRespectScopes(t *testing.T) {
	catalog := BuiltInCatalog()

	scopes := make(map[string]ResourceScope)
	for _, r := range catalog.Resources {
		require.True(t, ValidSlug(r.Resource.Name), r.Resource.Name)
		scopes[r.Resource.Name] = r.Resource.Scope
	}

	for _, role := range catalog.Roles {
		for _, g := range role.Grants {
			resource, _, err := ParsePermissionCode(g.Code)
			require.NoError(t, err)
			assert.True(t, CanHold(role.Role.Scope, scopes[resource]), "%s cannot hold %s", role.Role.Name, g.Code)
			assert.True(t, g.DataScope.Valid())
		}
	}
}

func TestSeedCatalog_Idempotent(t *testing.T) {
	store := NewStore(setupTestDB(t))
	ctx := context.Background()

	require.NoError(t, SeedCatalog(ctx, store, BuiltInCatalog(), nil))
	require.NoError(t, SeedCatalog(ctx, store, BuiltInCatalog(), nil))

	perms, err := store.ListPermissions(ctx)
	require.NoError(t, err)
	assert.Len(t, perms, 13)

	roles, err := store.ListRoles(ctx, "")
	require.NoError(t, err)
	assert.Len(t, roles, 4)

	admin, err := store.FindRoleByName(ctx, RoleScopeGlobal, "admin")
	require.NoError(t, err)
	grants, err := store.ListRolePermissions(ctx, admin.ID)
	require.NoError(t, err)
	assert.Len(t, grants, 7)
}

func TestSeedCatalog_KeepsExistingRoles(t *testing.T) {
	store := NewStore(setupTestDB(t))
	ctx := context.Background()

	// an operator created "GLOBAL:admin" before the first seed
	require.NoError(t, store.CreateRole(ctx, &Role{Name: "GLOBAL:admin", DisplayName: "Ops", Scope: RoleScopeGlobal}))
	require.NoError(t, SeedCatalog(ctx, store, BuiltInCatalog(), nil))

	roles, err := store.ListRoles(ctx, RoleScopeGlobal)
	require.NoError(t, err)
	require.Len(t, roles, 2)

	admin, err := store.FindRoleByName(ctx, RoleScopeGlobal, "admin")
	require.NoError(t, err)
	assert.Equal(t, "GLOBAL:admin", admin.Name)
	grants, err := store.ListRolePermissions(ctx, admin.ID)
	require.NoError(t, err)
	assert.Len(t, grants, 7)
}

func TestManager_Initialize(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	config := DefaultConfig()
	config.Dialect = DialectSQLite
	cache := NewMemoryCache(10, time.Minute)
	manager := NewManager(db, cache, nil, config)
	defer manager.Close()

	require.NoError(t, manager.Initialize(ctx))
	require.NoError(t, manager.Initialize(ctx))

	require.NoError(t, manager.Admin().SetPrincipalRoles(ctx, "u1", "admin,user"))
	require.NoError(t, manager.Admin().SetMembership(ctx, Membership{PrincipalID: "u1", OrganizationID: "org-42", RoleName: "owner"}))

	ok, err := manager.Guard().CheckAll(ctx, "u1", []string{"user:ban", "profile:update", "rbac:manage"})
	require.NoError(t, err)
	assert.True(t, ok)

	scope, ok, err := manager.Guard().ScopeFor(ctx, "u1", "org-42", "project:delete")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, DataScopeAll, scope)

	assert.Same(t, manager.Store(), manager.Store())
	assert.Equal(t, Cache(cache), manager.Cache())
	assert.NotNil(t, manager.Resolver())
	assert.NotNil(t, manager.Middleware())
}

func TestManager_InitializeWithoutSeed(t *testing.T) {
	db := setupTestDB(t)
	config := Config{Dialect: DialectSQLite, AutoMigrate: true}
	manager := NewManager(db, nil, nil, config)
	defer manager.Close()

	require.NoError(t, manager.Initialize(context.Background()))
	perms, err := manager.Store().ListPermissions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, perms)
}
