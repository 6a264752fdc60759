package rbac

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/gatehouse/pkg/middleware"
)

type apiFixture struct {
	db      *sql.DB
	manager *Manager
	router  *mux.Router
}

// newAPIFixture serves the RBAC API over a migrated sqlite database seeded
// with the built-in catalog. "root" holds the built-in admin role.
func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	db := setupTestDB(t)

	config := DefaultConfig()
	config.Dialect = DialectSQLite
	manager := NewManager(db, NewMemoryCache(100, time.Minute), nil, config)
	require.NoError(t, manager.Initialize(context.Background()))
	t.Cleanup(func() { manager.Close() })

	require.NoError(t, manager.Admin().SetPrincipalRoles(context.Background(), "root", "admin"))

	router := mux.NewRouter()
	router.Use(middleware.NewPrincipalMiddleware("", true).Handler)
	router.Use(middleware.OrgContextMiddleware)
	manager.RegisterRoutes(router)
	return &apiFixture{db: db, manager: manager, router: router}
}

func (f *apiFixture) do(t *testing.T, principal, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if principal != "" {
		req.Header.Set(middleware.DefaultPrincipalHeader, principal)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, dest interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dest), rec.Body.String())
}

func TestHandlers_RequireRBACPermissions(t *testing.T) {
	f := newAPIFixture(t)
	require.NoError(t, f.manager.Admin().SetPrincipalRoles(context.Background(), "plain", "user"))

	rec := f.do(t, "", http.MethodGet, "/rbac/resources", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, "plain", http.MethodGet, "/rbac/resources", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, "root", http.MethodGet, "/rbac/resources", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resources []Resource
	decode(t, rec, &resources)
	assert.Len(t, resources, 4)
}

func TestHandlers_AdminRoutesIgnoreOrganization(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, "root", http.MethodGet, "/rbac/organizations/org-42/members", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestHandlers_Check(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	require.NoError(t, f.manager.Admin().SetPrincipalRoles(ctx, "u1", "user"))

	var resp checkResponse
	rec := f.do(t, "root", http.MethodPost, "/rbac/check", map[string]interface{}{
		"principal_id": "u1",
		"permissions":  []string{"profile:read", "profile:update"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &resp)
	assert.True(t, resp.Allowed)
	assert.Equal(t, "all", resp.Mode)

	rec = f.do(t, "root", http.MethodPost, "/rbac/check", map[string]interface{}{
		"principal_id": "u1",
		"permissions":  []string{"profile:read", "user:ban"},
		"mode":         "all",
	})
	decode(t, rec, &resp)
	assert.False(t, resp.Allowed)

	rec = f.do(t, "root", http.MethodPost, "/rbac/check", map[string]interface{}{
		"principal_id": "u1",
		"permissions":  []string{"profile:read", "user:ban"},
		"mode":         "any",
	})
	decode(t, rec, &resp)
	assert.True(t, resp.Allowed)

	rec = f.do(t, "root", http.MethodPost, "/rbac/check", map[string]interface{}{
		"principal_id": "u1",
		"mode":         "most",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, "root", http.MethodPost, "/rbac/check", map[string]interface{}{"permissions": []string{"x:y"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, "root", http.MethodPost, "/rbac/check", map[string]interface{}{"principal_id": "u1", "bogus": true})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlers_PrincipalPermissions(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, "root", http.MethodPut, "/rbac/principals/u1/roles", map[string]string{"roles": "GLOBAL:user, user"})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, "root", http.MethodGet, "/rbac/principals/u1/roles", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"principal_id":"u1","roles":["user"]}`, rec.Body.String())

	rec = f.do(t, "root", http.MethodGet, "/rbac/principals/u1/permissions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"principal_id":"u1","permissions":["profile:read","profile:update"]}`, rec.Body.String())

	rec = f.do(t, "root", http.MethodPut, "/rbac/organizations/org-42/members/u1", map[string]string{"role": "member"})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, "root", http.MethodGet, "/rbac/principals/u1/permissions?organization_id=org-42", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{
		"principal_id": "u1",
		"organization_id": "org-42",
		"permissions": {"project:create": "SELF", "project:read": "ORG", "project:update": "SELF"}
	}`, rec.Body.String())

	rec = f.do(t, "root", http.MethodGet, "/rbac/organizations/org-42/members", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[{"principal_id":"u1","organization_id":"org-42","role_name":"member"}]`, rec.Body.String())

	rec = f.do(t, "root", http.MethodPut, "/rbac/organizations/org-42/members/u1", map[string]string{"role": "admin"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, "root", http.MethodDelete, "/rbac/organizations/org-42/members/u1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.do(t, "root", http.MethodDelete, "/rbac/organizations/org-42/members/u1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlers_MalformedGrantIsServerError(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	require.NoError(t, f.manager.Admin().SetPrincipalRoles(ctx, "u1", "user"))

	_, err := f.db.ExecContext(ctx, `
		UPDATE rbac_role_permissions SET data_scope = 'TEAM'
		WHERE role_id = (SELECT id FROM rbac_roles WHERE name = 'user' AND scope = 'GLOBAL')`)
	require.NoError(t, err)

	rec := f.do(t, "root", http.MethodGet, "/rbac/principals/u1/permissions", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "TEAM")

	rec = f.do(t, "root", http.MethodPost, "/rbac/check", map[string]interface{}{
		"principal_id": "u1",
		"permissions":  []string{"profile:read"},
	})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHandlers_CatalogLifecycle(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, "root", http.MethodPost, "/rbac/resources", map[string]string{"name": "invoice", "scope": "ORGANIZATION"})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = f.do(t, "root", http.MethodPost, "/rbac/resources", map[string]string{"name": "invoice", "scope": "ORGANIZATION"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, "root", http.MethodPost, "/rbac/resources/invoice/actions", map[string]string{"name": "approve"})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = f.do(t, "root", http.MethodGet, "/rbac/resources/invoice/actions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var actions []Action
	decode(t, rec, &actions)
	require.Len(t, actions, 1)
	rec = f.do(t, "root", http.MethodGet, "/rbac/resources/ghost/actions", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, "root", http.MethodPost, "/rbac/permissions", map[string]string{"resource": "invoice", "action": "approve"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var perm Permission
	decode(t, rec, &perm)
	assert.Equal(t, "invoice:approve", perm.Code)

	rec = f.do(t, "root", http.MethodPost, "/rbac/roles", map[string]string{"name": "approver", "scope": "ORGANIZATION"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var role Role
	decode(t, rec, &role)
	require.NotZero(t, role.ID)
	rolePath := fmt.Sprintf("/rbac/roles/%d", role.ID)

	rec = f.do(t, "root", http.MethodPost, "/rbac/roles", map[string]string{"name": "ORGANIZATION:approver", "scope": "ORGANIZATION"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, "root", http.MethodPost, rolePath+"/permissions", grantRequest{Permission: "user:read"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "global permission on an organization role")

	rec = f.do(t, "root", http.MethodPost, rolePath+"/permissions", grantRequest{Permission: "invoice:approve", DataScope: DataScopeSelf})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, "root", http.MethodPut, rolePath+"/permissions/invoice:approve", map[string]string{"data_scope": "DEPT_AND_SUB"})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, "root", http.MethodGet, rolePath+"/permissions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[{"code":"invoice:approve","data_scope":"DEPT_AND_SUB"}]`, rec.Body.String())

	rec = f.do(t, "root", http.MethodDelete, "/rbac/permissions/invoice:approve", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, "root", http.MethodDelete, rolePath+"/permissions/invoice:approve", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.do(t, "root", http.MethodDelete, "/rbac/permissions/invoice:approve", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, "root", http.MethodGet, "/rbac/roles?scope=organization", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var roles []Role
	decode(t, rec, &roles)
	assert.Len(t, roles, 3)

	rec = f.do(t, "root", http.MethodGet, "/rbac/roles?scope=team", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, "root", http.MethodDelete, rolePath, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.do(t, "root", http.MethodGet, rolePath, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = f.do(t, "root", http.MethodGet, "/rbac/roles/abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlers_FlushCache(t *testing.T) {
	f := newAPIFixture(t)
	cache := f.manager.Cache().(*MemoryCache)

	// the root lookup above populated the cache
	rec := f.do(t, "root", http.MethodGet, "/rbac/permissions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, cache.Len())

	rec = f.do(t, "root", http.MethodPost, "/rbac/cache/flush", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 0, cache.Len())
}

func TestHandlers_Unguarded(t *testing.T) {
	db := setupTestDB(t)
	config := DefaultConfig()
	config.Dialect = DialectSQLite
	config.GuardRoutes = false
	manager := NewManager(db, nil, nil, config)
	require.NoError(t, manager.Initialize(context.Background()))
	defer manager.Close()

	router := mux.NewRouter()
	manager.RegisterRoutes(router)

	req := httptest.NewRequest(http.MethodGet, "/rbac/permissions", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var perms []Permission
	decode(t, rec, &perms)
	assert.Len(t, perms, 13)
}
