package rbac

import (
	"context"
	"sync"

	"github.com/platinummonkey/gatehouse/pkg/audit"
	"github.com/platinummonkey/gatehouse/pkg/observability"
)

const defaultAuditBuffer = 256

// Guard answers permission checks on top of a Resolver
type Guard struct {
	resolver    *Resolver
	logger      *observability.Logger
	metrics     *observability.Metrics
	otelMetrics *observability.OTelMetrics

	sink   audit.Logger
	buffer int
	events chan *audit.AuditEvent
	done   chan struct{}

	mu     sync.RWMutex
	closed bool
}

// GuardOption configures a Guard
type GuardOption func(*Guard)

// WithAuditLogger emits one audit event per decided permission to sink
func WithAuditLogger(sink audit.Logger) GuardOption {
	return func(g *Guard) {
		g.sink = sink
	}
}

// WithAuditBuffer sets how many audit events may be queued before new ones
// are dropped
func WithAuditBuffer(n int) GuardOption {
	return func(g *Guard) {
		if n > 0 {
			g.buffer = n
		}
	}
}

// WithGuardLogger sets the logger
func WithGuardLogger(logger *observability.Logger) GuardOption {
	return func(g *Guard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithGuardMetrics sets the Prometheus metrics
func WithGuardMetrics(metrics *observability.Metrics) GuardOption {
	return func(g *Guard) {
		g.metrics = metrics
	}
}

// WithGuardOTelMetrics counts decisions through OpenTelemetry
func WithGuardOTelMetrics(m *observability.OTelMetrics) GuardOption {
	return func(g *Guard) {
		g.otelMetrics = m
	}
}

// NewGuard creates a guard. When an audit logger is configured a worker
// goroutine is started; call Close to stop it.
func NewGuard(resolver *Resolver, opts ...GuardOption) *Guard {
	g := &Guard{
		resolver: resolver,
		logger:   observability.NewNopLogger(),
		buffer:   defaultAuditBuffer,
	}
	for _, opt := range opts {
		opt(g)
	}

	if g.sink != nil {
		g.events = make(chan *audit.AuditEvent, g.buffer)
		g.done = make(chan struct{})
		go g.drain()
	}
	return g
}

// CheckOption scopes a check
type CheckOption func(*checkConfig)

type checkConfig struct {
	organizationID string
}

// WithOrganization evaluates the check against the principal's membership
// in an organization instead of its global roles
func WithOrganization(organizationID string) CheckOption {
	return func(c *checkConfig) {
		c.organizationID = organizationID
	}
}

func newCheckConfig(opts []CheckOption) checkConfig {
	var cfg checkConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// lookup resolves once and returns a membership test
func (g *Guard) lookup(ctx context.Context, principalID string, cfg checkConfig) (func(string) bool, error) {
	if cfg.organizationID != "" {
		perms, err := g.resolver.ResolveOrg(ctx, principalID, cfg.organizationID)
		if err != nil {
			return nil, err
		}
		return func(code string) bool {
			_, ok := perms[code]
			return ok
		}, nil
	}

	set, err := g.resolver.ResolveGlobal(ctx, principalID)
	if err != nil {
		return nil, err
	}
	return set.Has, nil
}

// CheckPermission reports whether the principal holds code
func (g *Guard) CheckPermission(ctx context.Context, principalID, code string, opts ...CheckOption) (bool, error) {
	cfg := newCheckConfig(opts)
	has, err := g.lookup(ctx, principalID, cfg)
	if err != nil {
		g.fault(ctx, principalID, cfg, err)
		return false, err
	}

	allowed := has(code)
	g.decided(ctx, principalID, cfg, "single", code, allowed)
	return allowed, nil
}

// RequirePermission returns an AuthorizationError unless the principal holds
// code. Resolution faults are returned unchanged.
func (g *Guard) RequirePermission(ctx context.Context, principalID, code string, opts ...CheckOption) error {
	allowed, err := g.CheckPermission(ctx, principalID, code, opts...)
	if err != nil {
		return err
	}
	if !allowed {
		return &AuthorizationError{Code: code, OrganizationID: newCheckConfig(opts).organizationID}
	}
	return nil
}

// CheckAny reports whether the principal holds at least one of codes. No
// codes means false.
func (g *Guard) CheckAny(ctx context.Context, principalID string, codes []string, opts ...CheckOption) (bool, error) {
	if len(codes) == 0 {
		return false, nil
	}
	cfg := newCheckConfig(opts)
	has, err := g.lookup(ctx, principalID, cfg)
	if err != nil {
		g.fault(ctx, principalID, cfg, err)
		return false, err
	}

	allowed := false
	for _, code := range codes {
		ok := has(code)
		g.decided(ctx, principalID, cfg, "any", code, ok)
		allowed = allowed || ok
	}
	return allowed, nil
}

// CheckAll reports whether the principal holds every one of codes. No codes
// means true.
func (g *Guard) CheckAll(ctx context.Context, principalID string, codes []string, opts ...CheckOption) (bool, error) {
	if len(codes) == 0 {
		return true, nil
	}
	cfg := newCheckConfig(opts)
	has, err := g.lookup(ctx, principalID, cfg)
	if err != nil {
		g.fault(ctx, principalID, cfg, err)
		return false, err
	}

	allowed := true
	for _, code := range codes {
		ok := has(code)
		g.decided(ctx, principalID, cfg, "all", code, ok)
		allowed = allowed && ok
	}
	return allowed, nil
}

// ScopeFor returns the data scope the principal holds code with in an
// organization. ok is false when the permission is not granted there.
func (g *Guard) ScopeFor(ctx context.Context, principalID, organizationID, code string) (DataScope, bool, error) {
	cfg := checkConfig{organizationID: organizationID}
	perms, err := g.resolver.ResolveOrg(ctx, principalID, organizationID)
	if err != nil {
		g.fault(ctx, principalID, cfg, err)
		return "", false, err
	}

	scope, ok := perms[code]
	g.decided(ctx, principalID, cfg, "scope", code, ok)
	return scope, ok, nil
}

func (g *Guard) fault(ctx context.Context, principalID string, cfg checkConfig, err error) {
	g.metrics.ObserveDecision("error")
	g.otelMetrics.RecordDecision(ctx, "error", cfg.organizationID != "")
	g.logger.WithError(err).WithFields(map[string]interface{}{
		"principal_id":    principalID,
		"organization_id": cfg.organizationID,
	}).Error("Permission resolution failed")
}

func (g *Guard) decided(ctx context.Context, principalID string, cfg checkConfig, mode, code string, allowed bool) {
	result := "deny"
	status := audit.EventStatusDenied
	if allowed {
		result = "allow"
		status = audit.EventStatusSuccess
	}
	g.metrics.ObserveDecision(result)
	g.otelMetrics.RecordDecision(ctx, result, cfg.organizationID != "")

	if g.events == nil {
		return
	}

	event := audit.NewEvent(ctx, audit.EventTypeAuthzPermissionCheck, status)
	event.PrincipalID = principalID
	event.OrganizationID = cfg.organizationID
	event.ResourceType = audit.ResourceTypePermission
	event.ResourceID = code
	event.Permission = code
	event.Metadata["mode"] = mode
	g.enqueue(event)
}

// enqueue never blocks the decision path
func (g *Guard) enqueue(event *audit.AuditEvent) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.closed {
		return
	}

	select {
	case g.events <- event:
	default:
		g.metrics.ObserveAuditDrop()
		g.logger.WithField("permission", event.Permission).Warn("Audit buffer full, dropping event")
	}
}

func (g *Guard) drain() {
	defer close(g.done)
	defer observability.RecoverPanic(g.logger, "guard audit worker")

	for event := range g.events {
		if err := g.sink.Log(context.Background(), event); err != nil {
			g.logger.WithError(err).Warn("Failed to write audit event")
		}
	}
}

// Close stops accepting audit events and waits until the queued ones are
// written. It does not close the audit sink.
func (g *Guard) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	if g.events != nil {
		close(g.events)
	}
	g.mu.Unlock()

	if g.done != nil {
		<-g.done
	}
	return nil
}
