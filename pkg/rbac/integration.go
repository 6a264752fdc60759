package rbac

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/gatehouse/pkg/audit"
	"github.com/platinummonkey/gatehouse/pkg/observability"
)

// Config holds RBAC configuration
type Config struct {
	// Dialect the migrations are rendered for
	Dialect Dialect

	// AutoMigrate runs pending migrations in Initialize
	AutoMigrate bool

	// SeedBuiltIns writes BuiltInCatalog in Initialize
	SeedBuiltIns bool

	// AuditBuffer is the number of decision events queued for the audit sink
	AuditBuffer int

	// GuardRoutes protects the HTTP API with rbac:read and rbac:manage
	GuardRoutes bool
}

// DefaultConfig returns default RBAC configuration
func DefaultConfig() Config {
	return Config{
		Dialect:      DialectPostgres,
		AutoMigrate:  true,
		SeedBuiltIns: true,
		AuditBuffer:  defaultAuditBuffer,
		GuardRoutes:  true,
	}
}

// ManagerOption configures a Manager
type ManagerOption func(*managerOptions)

type managerOptions struct {
	logger      *observability.Logger
	metrics     *observability.Metrics
	otelMetrics *observability.OTelMetrics
}

// WithManagerLogger sets the logger of every component
func WithManagerLogger(logger *observability.Logger) ManagerOption {
	return func(o *managerOptions) { o.logger = logger }
}

// WithManagerMetrics sets the Prometheus metrics of every component
func WithManagerMetrics(metrics *observability.Metrics) ManagerOption {
	return func(o *managerOptions) { o.metrics = metrics }
}

// WithManagerOTelMetrics sets the OpenTelemetry instruments
func WithManagerOTelMetrics(m *observability.OTelMetrics) ManagerOption {
	return func(o *managerOptions) { o.otelMetrics = m }
}

// Manager manages all RBAC components
type Manager struct {
	db         *sql.DB
	store      *Store
	cache      Cache
	resolver   *Resolver
	guard      *Guard
	admin      *Admin
	handlers   *Handlers
	middleware *PermissionMiddleware
	config     Config
	logger     *observability.Logger
}

// NewManager wires the store, resolver, guard and admin over db. A nil
// cache disables caching; a nil audit logger disables auditing.
func NewManager(db *sql.DB, cache Cache, auditLogger audit.Logger, config Config, opts ...ManagerOption) *Manager {
	o := managerOptions{logger: observability.NewNopLogger()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = observability.NewNopLogger()
	}
	if cache == nil {
		cache = NopCache{}
	}

	store := NewStore(db)
	resolver := NewResolver(store, store, store,
		WithCache(cache),
		WithResolverLogger(o.logger.WithField("component", "resolver")),
		WithResolverMetrics(o.metrics),
		WithResolverOTelMetrics(o.otelMetrics),
	)

	guardOpts := []GuardOption{
		WithGuardLogger(o.logger.WithField("component", "guard")),
		WithGuardMetrics(o.metrics),
		WithGuardOTelMetrics(o.otelMetrics),
		WithAuditBuffer(config.AuditBuffer),
	}
	if auditLogger != nil {
		guardOpts = append(guardOpts, WithAuditLogger(auditLogger))
	}
	guard := NewGuard(resolver, guardOpts...)

	admin := NewAdmin(store, cache,
		WithAdminAuditLogger(auditLogger),
		WithAdminLogger(o.logger.WithField("component", "admin")),
		WithAdminMetrics(o.metrics),
	)

	mw := NewPermissionMiddleware(guard)
	var routeGuard *PermissionMiddleware
	if config.GuardRoutes {
		routeGuard = mw
	}

	return &Manager{
		db:         db,
		store:      store,
		cache:      cache,
		resolver:   resolver,
		guard:      guard,
		admin:      admin,
		handlers:   NewHandlers(admin, store, guard, resolver, routeGuard),
		middleware: mw,
		config:     config,
		logger:     o.logger,
	}
}

// Initialize sets up RBAC system
func (m *Manager) Initialize(ctx context.Context) error {
	if m.config.AutoMigrate {
		if err := RunMigrationsWith(ctx, m.db, MigrateOptions{Dialect: m.config.Dialect, Logger: m.logger}); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	if m.config.SeedBuiltIns {
		if err := SeedCatalog(ctx, m.store, BuiltInCatalog(), m.logger); err != nil {
			return fmt.Errorf("failed to seed built-in catalog: %w", err)
		}
		if err := m.cache.Flush(ctx); err != nil {
			m.logger.WithError(err).Warn("Failed to flush cache after seeding")
		}
	}

	return nil
}

// RegisterRoutes registers RBAC routes with a router
func (m *Manager) RegisterRoutes(router *mux.Router) {
	m.handlers.RegisterRoutes(router)
}

// Close stops the guard's audit worker
func (m *Manager) Close() error {
	return m.guard.Close()
}

// Store returns the RBAC store
func (m *Manager) Store() *Store { return m.store }

// Cache returns the resolution cache
func (m *Manager) Cache() Cache { return m.cache }

// Resolver returns the permission resolver
func (m *Manager) Resolver() *Resolver { return m.resolver }

// Guard returns the authorization guard
func (m *Manager) Guard() *Guard { return m.guard }

// Admin returns the catalog administration
func (m *Manager) Admin() *Admin { return m.admin }

// Middleware returns the permission middleware
func (m *Manager) Middleware() *PermissionMiddleware { return m.middleware }
