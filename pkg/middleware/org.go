package middleware

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/gatehouse/pkg/contextkeys"
)

// OrganizationHeader selects the target organization when the route has no
// {org_id} variable.
const OrganizationHeader = "X-Organization-ID"

// OrgContextMiddleware adds the target organization id to the request
// context. The {org_id} route variable wins over the header. Requests with
// neither pass through without organization context.
func OrgContextMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		orgID := mux.Vars(r)["org_id"]
		if orgID == "" {
			orgID = strings.TrimSpace(r.Header.Get(OrganizationHeader))
		}
		if orgID == "" {
			next.ServeHTTP(w, r)
			return
		}

		ctx := contextkeys.WithOrganizationID(r.Context(), orgID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetOrganizationID returns the organization id of the request, or ""
func GetOrganizationID(r *http.Request) string {
	id, _ := contextkeys.OrganizationID(r.Context())
	return id
}
