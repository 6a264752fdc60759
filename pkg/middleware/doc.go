// Package middleware extracts the caller identity and target organization
// from inbound requests.
//
//	router.Use(middleware.NewPrincipalMiddleware("X-Principal-ID", false).Handler)
//	router.Use(middleware.OrgContextMiddleware)
//
// Handlers read them back with GetPrincipal and GetOrganizationID.
package middleware
