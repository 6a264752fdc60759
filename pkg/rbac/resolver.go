package rbac

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/platinummonkey/gatehouse/pkg/observability"
)

const tracerName = "github.com/platinummonkey/gatehouse/pkg/rbac"

// Resolver computes the effective permissions of a principal
type Resolver struct {
	catalog     CatalogStore
	memberships MembershipStore
	principals  PrincipalSource

	cache        Cache
	cacheBackend string
	logger       *observability.Logger
	metrics      *observability.Metrics
	otelMetrics  *observability.OTelMetrics
	tracer       trace.Tracer

	group singleflight.Group
}

// ResolverOption configures a Resolver
type ResolverOption func(*Resolver)

// WithCache enables resolution caching
func WithCache(cache Cache) ResolverOption {
	return func(r *Resolver) {
		if cache == nil {
			return
		}
		r.cache = cache
		switch cache.(type) {
		case *MemoryCache:
			r.cacheBackend = "memory"
		case *RedisCache:
			r.cacheBackend = "redis"
		case NopCache:
			r.cacheBackend = "none"
		default:
			r.cacheBackend = "custom"
		}
	}
}

// WithResolverLogger sets the logger
func WithResolverLogger(logger *observability.Logger) ResolverOption {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithResolverMetrics sets the Prometheus metrics
func WithResolverMetrics(metrics *observability.Metrics) ResolverOption {
	return func(r *Resolver) {
		r.metrics = metrics
	}
}

// WithResolverOTelMetrics records resolution latency through OpenTelemetry
func WithResolverOTelMetrics(m *observability.OTelMetrics) ResolverOption {
	return func(r *Resolver) {
		r.otelMetrics = m
	}
}

// NewResolver creates a resolver over the given stores
func NewResolver(catalog CatalogStore, memberships MembershipStore, principals PrincipalSource, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		catalog:      catalog,
		memberships:  memberships,
		principals:   principals,
		cache:        NopCache{},
		cacheBackend: "none",
		logger:       observability.NewNopLogger(),
		tracer:       observability.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ResolveGlobal returns the union of the permissions of the principal's
// global roles. An unknown principal has no permissions.
func (r *Resolver) ResolveGlobal(ctx context.Context, principalID string) (PermissionSet, error) {
	ctx, span := r.tracer.Start(ctx, "rbac.ResolveGlobal",
		trace.WithAttributes(attribute.String("principal.id", principalID)))
	defer span.End()

	start := time.Now()
	entry, err := r.resolve(ctx, CacheKey{PrincipalID: principalID}, func(ctx context.Context) (*CacheEntry, error) {
		return r.loadGlobal(ctx, principalID)
	})
	r.observe(ctx, "global", start, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "resolution failed")
		return nil, err
	}

	set := make(PermissionSet, len(entry.Permissions))
	for code := range entry.Permissions {
		set[code] = struct{}{}
	}
	span.SetAttributes(attribute.Int("permissions.count", len(set)))
	return set, nil
}

// ResolveOrg returns the permissions, with their data scopes, that the
// principal's membership role grants in an organization. A principal that
// is not a member gets an empty map.
func (r *Resolver) ResolveOrg(ctx context.Context, principalID, organizationID string) (map[string]DataScope, error) {
	ctx, span := r.tracer.Start(ctx, "rbac.ResolveOrg",
		trace.WithAttributes(
			attribute.String("principal.id", principalID),
			attribute.String("organization.id", organizationID),
		))
	defer span.End()

	start := time.Now()
	key := CacheKey{PrincipalID: principalID, OrganizationID: organizationID}
	entry, err := r.resolve(ctx, key, func(ctx context.Context) (*CacheEntry, error) {
		return r.loadOrg(ctx, principalID, organizationID)
	})
	r.observe(ctx, "org", start, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "resolution failed")
		return nil, err
	}

	perms := make(map[string]DataScope, len(entry.Permissions))
	for code, scope := range entry.Permissions {
		perms[code] = scope
	}
	span.SetAttributes(attribute.Int("permissions.count", len(perms)))
	return perms, nil
}

// GlobalRoleNames returns the normalized global role names of a principal
func (r *Resolver) GlobalRoleNames(ctx context.Context, principalID string) ([]string, error) {
	p, err := r.principals.GetPrincipal(ctx, principalID)
	if err != nil {
		return nil, &ResolutionError{Op: "get principal", PrincipalID: principalID, Err: err}
	}
	if p == nil {
		return nil, nil
	}
	return ParseRoleNames(p.Roles), nil
}

func (r *Resolver) observe(ctx context.Context, kind string, start time.Time, err error) {
	r.metrics.ObserveResolution(kind, start, err)
	r.otelMetrics.RecordResolution(ctx, kind, time.Since(start).Seconds())
}

// resolve serves key from the cache or loads it once for all concurrent
// callers. The generation is read before loading so that an invalidation
// racing the load keeps the result out of the cache. The shared load is
// detached from any one caller's cancellation; a caller that gives up
// returns alone.
func (r *Resolver) resolve(ctx context.Context, key CacheKey, load func(context.Context) (*CacheEntry, error)) (*CacheEntry, error) {
	entry, ok, err := r.cache.Get(ctx, key)
	if err != nil {
		r.logger.WithError(err).WithField("key", key.String()).Warn("Resolution cache read failed")
	}
	if err == nil && ok {
		r.metrics.ObserveCache(r.cacheBackend, true)
		return entry, nil
	}
	r.metrics.ObserveCache(r.cacheBackend, false)

	loadCtx := context.WithoutCancel(ctx)
	ch := r.group.DoChan(key.String(), func() (interface{}, error) {
		gen, genErr := r.cache.Generation(loadCtx)
		if genErr != nil {
			r.logger.WithError(genErr).Warn("Resolution cache generation read failed")
		}

		entry, err := load(loadCtx)
		if err != nil {
			return nil, err
		}

		if genErr == nil {
			entry.Generation = gen
			if err := r.cache.Set(loadCtx, key, entry); err != nil {
				r.logger.WithError(err).WithField("key", key.String()).Warn("Resolution cache write failed")
			}
		}
		return entry, nil
	})

	select {
	case <-ctx.Done():
		return nil, &ResolutionError{
			Op:             "wait for load",
			PrincipalID:    key.PrincipalID,
			OrganizationID: key.OrganizationID,
			Err:            ctx.Err(),
		}
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*CacheEntry), nil
	}
}

func (r *Resolver) loadGlobal(ctx context.Context, principalID string) (*CacheEntry, error) {
	fail := func(op string, err error) error {
		return &ResolutionError{Op: op, PrincipalID: principalID, Err: err}
	}

	entry := &CacheEntry{Permissions: make(map[string]DataScope)}

	p, err := r.principals.GetPrincipal(ctx, principalID)
	if err != nil {
		return nil, fail("get principal", err)
	}
	if p == nil {
		return entry, nil
	}

	for _, name := range ParseRoleNames(p.Roles) {
		role, err := r.catalog.FindRoleByName(ctx, RoleScopeGlobal, name)
		if err != nil {
			return nil, fail("find role "+name, err)
		}
		if role == nil {
			r.logger.WithFields(map[string]interface{}{
				"principal_id": principalID,
				"role":         name,
			}).Debug("Ignoring unknown global role")
			continue
		}

		grants, err := r.catalog.ListRolePermissions(ctx, role.ID)
		if err != nil {
			return nil, fail("list role permissions", err)
		}
		if err := mergeGrants(entry.Permissions, grants); err != nil {
			return nil, fail(fmt.Sprintf("read grants of role %d", role.ID), err)
		}
		entry.RoleIDs = append(entry.RoleIDs, role.ID)
	}
	return entry, nil
}

func (r *Resolver) loadOrg(ctx context.Context, principalID, organizationID string) (*CacheEntry, error) {
	fail := func(op string, err error) error {
		return &ResolutionError{Op: op, PrincipalID: principalID, OrganizationID: organizationID, Err: err}
	}

	entry := &CacheEntry{Permissions: make(map[string]DataScope)}

	m, err := r.memberships.FindMembership(ctx, principalID, organizationID)
	if err != nil {
		return nil, fail("find membership", err)
	}
	if m == nil {
		return entry, nil
	}

	name := NormalizeRoleName(m.RoleName)
	role, err := r.catalog.FindRoleByName(ctx, RoleScopeOrganization, name)
	if err != nil {
		return nil, fail("find role "+name, err)
	}
	if role == nil {
		r.logger.WithFields(map[string]interface{}{
			"principal_id":    principalID,
			"organization_id": organizationID,
			"role":            name,
		}).Debug("Ignoring unknown organization role")
		return entry, nil
	}

	grants, err := r.catalog.ListRolePermissions(ctx, role.ID)
	if err != nil {
		return nil, fail("list role permissions", err)
	}
	if err := mergeGrants(entry.Permissions, grants); err != nil {
		return nil, fail(fmt.Sprintf("read grants of role %d", role.ID), err)
	}
	entry.RoleIDs = []int64{role.ID}
	return entry, nil
}

// mergeGrants adds grants to perms, keeping the wider data scope when a
// code is granted twice. A malformed grant fails the whole merge.
func mergeGrants(perms map[string]DataScope, grants []Grant) error {
	for _, g := range grants {
		if _, _, err := ParsePermissionCode(g.Code); err != nil {
			return err
		}
		if !g.DataScope.Valid() {
			return fmt.Errorf("%w: data scope %q on %s", ErrInvalid, g.DataScope, g.Code)
		}
		if cur, ok := perms[g.Code]; !ok || g.DataScope.breadth() > cur.breadth() {
			perms[g.Code] = g.DataScope
		}
	}
	return nil
}
