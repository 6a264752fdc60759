package rbac

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/gatehouse/pkg/httputil"
	"github.com/platinummonkey/gatehouse/pkg/middleware"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

// serveGuarded runs a request through the principal, organization and
// permission middleware
func serveGuarded(guarded func(http.Handler) http.Handler, principal, org string) *httptest.ResponseRecorder {
	handler := middleware.NewPrincipalMiddleware("", true).Handler(
		middleware.OrgContextMiddleware(guarded(okHandler)))

	req := httptest.NewRequest(http.MethodGet, "/things", nil)
	if principal != "" {
		req.Header.Set(middleware.DefaultPrincipalHeader, principal)
	}
	if org != "" {
		req.Header.Set(middleware.OrganizationHeader, org)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestPermissionMiddleware_RequirePermission(t *testing.T) {
	_, g := newScenarioGuard(t)
	pm := NewPermissionMiddleware(g)

	rec := serveGuarded(pm.RequirePermission("user:read"), "admin-1", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serveGuarded(pm.RequirePermission("user:read"), "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = serveGuarded(pm.RequirePermission("profile:read"), "admin-1", "")
	require.Equal(t, http.StatusForbidden, rec.Code)
	var body httputil.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "forbidden", body.Error)
	assert.Equal(t, "profile:read", body.Permission)
}

func TestPermissionMiddleware_Organization(t *testing.T) {
	_, g := newScenarioGuard(t)
	pm := NewPermissionMiddleware(g)

	rec := serveGuarded(pm.RequirePermission("project:read"), "member-1", "org-42")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serveGuarded(pm.RequirePermission("project:read"), "member-1", "org-99")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// global checks ignore the organization header
	rec = serveGuarded(pm.Global().RequirePermission("user:read"), "admin-1", "org-42")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = serveGuarded(pm.RequirePermission("user:read"), "admin-1", "org-42")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestPermissionMiddleware_AnyAndAll(t *testing.T) {
	_, g := newScenarioGuard(t)
	pm := NewPermissionMiddleware(g)

	rec := serveGuarded(pm.RequireAnyPermission("user:update", "user:read"), "reader", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serveGuarded(pm.RequireAllPermissions("user:read", "user:update"), "reader", "")
	require.Equal(t, http.StatusForbidden, rec.Code)
	var body httputil.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "user:read,user:update", body.Permission)

	rec = serveGuarded(pm.RequireAnyPermission("user:ban", "user:delete"), "reader", "")
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "user:ban|user:delete", body.Permission)
}

func TestPermissionMiddleware_FaultIs500(t *testing.T) {
	f, g := newScenarioGuard(t)
	f.principalErr = errStoreDown
	pm := NewPermissionMiddleware(g)

	rec := serveGuarded(pm.RequirePermission("user:read"), "admin-1", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), errStoreDown.Error())
}
