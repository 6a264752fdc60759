// Package rbac provides role-based access control for gatehouse.
//
// # Overview
//
// The package answers one question: may this principal do this, here? It
// keeps a catalog of resources, actions and permissions, bundles
// permissions into roles, and resolves the roles a principal holds into the
// set of permission codes it may exercise.
//
// # Catalog
//
// The catalog consists of five entities:
//
//  1. Resources: protected entity types (user, project, ...)
//  2. Actions: operations on a resource (create, read, manage, ...)
//  3. Permissions: a resource and action pair addressed by "resource:action"
//  4. Roles: named permission bundles, either GLOBAL or ORGANIZATION scoped
//  5. Grants: the permissions of a role, each with a DataScope
//
// A resource declares whether its permissions may be granted to GLOBAL
// roles, ORGANIZATION roles or both; see CanHold.
//
// # Principals
//
// A principal carries its global roles as one comma-separated field, and
// holds at most one organization role per organization through a
// Membership. Role names may carry a scope prefix ("GLOBAL:admin"), which
// NormalizeRoleName strips:
//
//	rbac.ParseRoleNames("GLOBAL:admin, user,admin") // ["admin", "user"]
//
// # Resolution
//
// The Resolver turns a principal into permissions:
//
//	resolver := rbac.NewResolver(store, store, store, rbac.WithCache(cache))
//
//	set, err := resolver.ResolveGlobal(ctx, "user-1")
//	if set.Has("user:ban") { ... }
//
//	perms, err := resolver.ResolveOrg(ctx, "user-1", "org-42")
//	scope := perms["project:read"] // rbac.DataScopeOrg
//
// Unknown principals, unknown roles and missing memberships resolve to
// nothing. Store failures are returned as *ResolutionError and never as an
// empty result.
//
// # Checking permissions
//
// The Guard wraps the Resolver with decision helpers and audit logging:
//
//	guard := rbac.NewGuard(resolver, rbac.WithAuditLogger(sink))
//	defer guard.Close()
//
//	ok, err := guard.CheckPermission(ctx, principalID, "user:read")
//	ok, err = guard.CheckAll(ctx, principalID, []string{"project:read", "project:update"},
//		rbac.WithOrganization(orgID))
//
//	if err := guard.RequirePermission(ctx, principalID, "user:ban"); err != nil {
//		return err // *AuthorizationError on deny, *ResolutionError on fault
//	}
//
// HTTP handlers are guarded with PermissionMiddleware:
//
//	router.Handle("/users", pm.RequirePermission("user:read")(listUsers))
//
// # Caching
//
// Resolutions are cached in a MemoryCache or a RedisCache keyed by
// principal and organization. Admin invalidates the affected entries before
// a mutation returns; each invalidation advances a generation counter, and
// a resolution loaded under an older generation is never stored.
//
// # Administration
//
// Admin validates and applies catalog changes, e.g.
//
//	admin.GrantPermission(ctx, roleID, "project:read", rbac.DataScopeOrg)
//
// and Manager wires the store, cache, resolver, guard, admin and the HTTP
// API together:
//
//	manager := rbac.NewManager(db, cache, auditLogger, rbac.DefaultConfig())
//	if err := manager.Initialize(ctx); err != nil { ... }
//	manager.RegisterRoutes(router)
package rbac
