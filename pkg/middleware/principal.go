package middleware

import (
	"net/http"
	"strings"

	"github.com/platinummonkey/gatehouse/pkg/contextkeys"
	"github.com/platinummonkey/gatehouse/pkg/httputil"
	"github.com/platinummonkey/gatehouse/pkg/observability"
)

// DefaultPrincipalHeader is set by the upstream session layer once the
// caller is authenticated.
const DefaultPrincipalHeader = "X-Principal-ID"

// PrincipalMiddleware copies the authenticated principal id from a trusted
// header into the request context. gatehouse does not authenticate; the
// header must be stripped from untrusted traffic at the edge.
type PrincipalMiddleware struct {
	header   string
	optional bool
}

// NewPrincipalMiddleware creates the middleware. When optional is false a
// request without a principal is rejected with 401.
func NewPrincipalMiddleware(header string, optional bool) *PrincipalMiddleware {
	if header == "" {
		header = DefaultPrincipalHeader
	}
	return &PrincipalMiddleware{header: header, optional: optional}
}

// Handler wraps next
func (m *PrincipalMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principalID := strings.TrimSpace(r.Header.Get(m.header))
		if principalID == "" {
			if m.optional {
				next.ServeHTTP(w, r)
				return
			}
			httputil.WriteUnauthorized(w, "missing principal")
			return
		}

		ctx := contextkeys.WithPrincipalID(r.Context(), principalID)
		ctx = observability.WithPrincipalID(ctx, principalID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetPrincipal returns the principal id of the request, or "" when anonymous
func GetPrincipal(r *http.Request) string {
	id, _ := contextkeys.PrincipalID(r.Context())
	return id
}
