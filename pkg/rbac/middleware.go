package rbac

import (
	"context"
	"net/http"
	"strings"

	"github.com/platinummonkey/gatehouse/pkg/httputil"
	"github.com/platinummonkey/gatehouse/pkg/middleware"
	"github.com/platinummonkey/gatehouse/pkg/observability"
)

// PermissionMiddleware guards HTTP handlers with permission checks. The
// principal and organization come from the middleware package.
type PermissionMiddleware struct {
	guard  *Guard
	global bool
}

// NewPermissionMiddleware creates a new permission middleware
func NewPermissionMiddleware(guard *Guard) *PermissionMiddleware {
	return &PermissionMiddleware{guard: guard}
}

// Global returns a middleware that ignores the request organization and
// always checks global roles
func (pm *PermissionMiddleware) Global() *PermissionMiddleware {
	return &PermissionMiddleware{guard: pm.guard, global: true}
}

type checkFunc func(ctx context.Context, principalID string, opts ...CheckOption) (bool, error)

// RequirePermission allows requests whose principal holds code
func (pm *PermissionMiddleware) RequirePermission(code string) func(http.Handler) http.Handler {
	return pm.require(code, func(ctx context.Context, principalID string, opts ...CheckOption) (bool, error) {
		return pm.guard.CheckPermission(ctx, principalID, code, opts...)
	})
}

// RequireAnyPermission allows requests whose principal holds one of codes
func (pm *PermissionMiddleware) RequireAnyPermission(codes ...string) func(http.Handler) http.Handler {
	return pm.require(strings.Join(codes, "|"), func(ctx context.Context, principalID string, opts ...CheckOption) (bool, error) {
		return pm.guard.CheckAny(ctx, principalID, codes, opts...)
	})
}

// RequireAllPermissions allows requests whose principal holds all of codes
func (pm *PermissionMiddleware) RequireAllPermissions(codes ...string) func(http.Handler) http.Handler {
	return pm.require(strings.Join(codes, ","), func(ctx context.Context, principalID string, opts ...CheckOption) (bool, error) {
		return pm.guard.CheckAll(ctx, principalID, codes, opts...)
	})
}

func (pm *PermissionMiddleware) require(label string, check checkFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principalID := middleware.GetPrincipal(r)
			if principalID == "" {
				httputil.WriteUnauthorized(w, "authentication required")
				return
			}

			var opts []CheckOption
			if orgID := middleware.GetOrganizationID(r); orgID != "" && !pm.global {
				opts = append(opts, WithOrganization(orgID))
			}

			allowed, err := check(r.Context(), principalID, opts...)
			if err != nil {
				observability.FromContext(r.Context()).WithError(err).WithField("permission", label).
					Error("Permission check failed")
				httputil.WriteErrorMessage(w, http.StatusInternalServerError, "permission check failed")
				return
			}
			if !allowed {
				httputil.WriteForbidden(w, label)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
