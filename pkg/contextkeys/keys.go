// Package contextkeys holds the request-scoped context keys shared across
// gatehouse packages. Every key set on a request context is declared here.
//
//	ctx = contextkeys.WithPrincipalID(ctx, id)
//	id, ok := contextkeys.PrincipalID(ctx)
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// PrincipalIDKey contains the authenticated principal id.
	// Set by: middleware.PrincipalMiddleware
	// Used by: rbac.PermissionMiddleware, rbac handlers, navigation.Handler
	PrincipalIDKey Key = "principal_id"

	// OrganizationIDKey contains the organization the request targets.
	// Set by: middleware.OrgContextMiddleware
	// Used by: rbac.PermissionMiddleware for organization-scoped checks
	OrganizationIDKey Key = "organization_id"

	// RequestIDKey contains the request id (UUID).
	// Set by: httputil.RequestID
	// Used by: logger decoration, audit events
	RequestIDKey Key = "request_id"
)

// WithPrincipalID adds the principal id to the context
func WithPrincipalID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, PrincipalIDKey, id)
}

// PrincipalID returns the principal id, false when absent or empty
func PrincipalID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(PrincipalIDKey).(string)
	return id, ok && id != ""
}

// WithOrganizationID adds the organization id to the context
func WithOrganizationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, OrganizationIDKey, id)
}

// OrganizationID returns the organization id, false when absent or empty
func OrganizationID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(OrganizationIDKey).(string)
	return id, ok && id != ""
}

// WithRequestID adds the request id to the context
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}

// RequestID returns the request id or ""
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(RequestIDKey).(string)
	return id
}
