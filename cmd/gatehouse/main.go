package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/gatehouse/pkg/audit"
	"github.com/platinummonkey/gatehouse/pkg/config"
	"github.com/platinummonkey/gatehouse/pkg/httputil"
	"github.com/platinummonkey/gatehouse/pkg/middleware"
	"github.com/platinummonkey/gatehouse/pkg/navigation"
	"github.com/platinummonkey/gatehouse/pkg/observability"
	"github.com/platinummonkey/gatehouse/pkg/rbac"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Observability.Level(), os.Stdout).
		WithField("service", cfg.Observability.OTelServiceName)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Error("gatehouse stopped with error")
		os.Exit(1)
	}
	logger.Info("gatehouse stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *observability.Logger) error {
	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout)
	defer func() {
		if err := shutdown.Shutdown(context.Background()); err != nil {
			logger.WithError(err).Error("Shutdown finished with errors")
		}
	}()

	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
		SampleRatio:    cfg.Observability.OTelSampleRatio,
	}, logger)
	if err != nil {
		return err
	}
	shutdown.Register("otel", func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, providers)
	})

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)
	otelMetrics, err := observability.NewOTelMetrics()
	if err != nil {
		return err
	}

	db, err := openDatabase(ctx, cfg.Database)
	if err != nil {
		return err
	}
	shutdown.Register("database", func(context.Context) error { return db.Close() })
	logger.WithField("driver", cfg.Database.Driver).Info("Connected to database")

	cache, rdb, err := buildCache(ctx, cfg.Cache)
	if err != nil {
		return err
	}
	if rdb != nil {
		shutdown.Register("redis", func(context.Context) error { return rdb.Close() })
	}
	logger.WithField("backend", cfg.Cache.Backend).Info("Resolution cache ready")

	auditLogger, dbAudit, err := buildAudit(cfg.Audit, db)
	if err != nil {
		return err
	}

	manager := rbac.NewManager(db, cache, auditLogger, rbac.Config{
		Dialect:      rbac.DialectForDriver(cfg.Database.Driver),
		AutoMigrate:  cfg.Database.AutoMigrate,
		SeedBuiltIns: cfg.Database.SeedBuiltIns,
		AuditBuffer:  cfg.Audit.Buffer,
		GuardRoutes:  true,
	},
		rbac.WithManagerLogger(logger),
		rbac.WithManagerMetrics(metrics),
		rbac.WithManagerOTelMetrics(otelMetrics),
	)
	// the manager drains queued decision events into the sink before it closes
	shutdown.Register("audit", func(context.Context) error { return auditLogger.Close() })
	shutdown.Register("rbac", func(context.Context) error { return manager.Close() })

	if err := manager.Initialize(ctx); err != nil {
		return err
	}
	if err := bootstrapAdmins(ctx, manager, cfg.Database.BootstrapAdmins, logger); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if dbAudit != nil {
		if err := startRetention(gctx, cfg.Audit, dbAudit, logger, shutdown); err != nil {
			return err
		}
	}

	router := mux.NewRouter()
	manager.RegisterRoutes(router)

	if cfg.Navigation.FilePath != "" {
		source, err := navigation.NewFileSource(cfg.Navigation.FilePath, logger.WithField("component", "navigation"))
		if err != nil {
			return err
		}
		if cfg.Navigation.Watch {
			g.Go(func() error { return source.Watch(gctx) })
		}
		navigation.NewHandler(navigation.NewFilter(source, manager.Resolver()), logger).RegisterRoutes(router)
	}

	routeLabel := func(r *http.Request) string {
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				return tpl
			}
		}
		return "unmatched"
	}
	router.Use(
		observability.RecoveryMiddleware(logger),
		observability.HTTPMetricsMiddleware(metrics, routeLabel),
		middleware.NewPrincipalMiddleware(cfg.Server.PrincipalHeader, true).Handler,
		middleware.OrgContextMiddleware,
	)

	handler := httputil.Chain(
		httputil.RequestID,
		httputil.AccessLog(logger),
	)(otelhttp.NewHandler(router, "gatehouse"))

	apiServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	healthMux := http.NewServeMux()
	observability.RegisterHealthRoutes(healthMux, observability.NewHealthChecker(db, rdb, cfg.Observability.OTelServiceVersion))
	if cfg.Observability.MetricsEnabled {
		observability.RegisterMetricsEndpoint(healthMux, registry)
	}
	healthServer := &http.Server{
		Addr:        net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler:     healthMux,
		ReadTimeout: 5 * time.Second,
	}

	serve(g, logger, "api", apiServer)
	serve(g, logger, "health", healthServer)

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down servers")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return errors.Join(apiServer.Shutdown(shutdownCtx), healthServer.Shutdown(shutdownCtx))
	})

	return g.Wait()
}

// bootstrapAdmins grants admin to listed principals that have no record.
// Existing principals are left alone so a demoted operator stays demoted.
func bootstrapAdmins(ctx context.Context, manager *rbac.Manager, raw string, logger *observability.Logger) error {
	for _, id := range strings.Split(raw, ",") {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		p, err := manager.Store().GetPrincipal(ctx, id)
		if err != nil {
			return err
		}
		if p != nil {
			continue
		}
		if err := manager.Admin().SetPrincipalRoles(ctx, id, "admin"); err != nil {
			return err
		}
		logger.WithField("principal_id", id).Info("Bootstrapped admin principal")
	}
	return nil
}

func serve(g *errgroup.Group, logger *observability.Logger, name string, srv *http.Server) {
	g.Go(func() error {
		logger.WithFields(map[string]interface{}{"server": name, "addr": srv.Addr}).Info("Listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%s server: %w", name, err)
		}
		return nil
	})
}

func openDatabase(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open(cfg.Driver, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if rbac.DialectForDriver(cfg.Driver) == rbac.DialectSQLite {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

func buildCache(ctx context.Context, cfg config.CacheConfig) (rbac.Cache, *redis.Client, error) {
	switch cfg.Backend {
	case "redis":
		rdb, err := rbac.NewRedisClient(cfg)
		if err != nil {
			return nil, nil, err
		}
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, nil, fmt.Errorf("failed to ping redis: %w", err)
		}
		return rbac.NewRedisCache(rdb, cfg.KeyPrefix, cfg.TTL), rdb, nil
	case "none":
		return rbac.NopCache{}, nil, nil
	default:
		return rbac.NewMemoryCache(cfg.Size, cfg.TTL), nil, nil
	}
}

// buildAudit returns the sink and, when events go to the database, the
// DB logger the retention job purges
func buildAudit(cfg config.AuditConfig, db *sql.DB) (audit.Logger, *audit.DBLogger, error) {
	switch cfg.Sink {
	case "db":
		l, err := audit.NewDBLogger(db)
		if err != nil {
			return nil, nil, err
		}
		return l, l, nil
	case "file":
		l, err := newFileLogger(cfg)
		if err != nil {
			return nil, nil, err
		}
		return l, nil, nil
	case "multi":
		dbLogger, err := audit.NewDBLogger(db)
		if err != nil {
			return nil, nil, err
		}
		fileLogger, err := newFileLogger(cfg)
		if err != nil {
			return nil, nil, err
		}
		return audit.NewMultiLogger(dbLogger, fileLogger), dbLogger, nil
	default:
		return audit.NewNoOpLogger(), nil, nil
	}
}

func newFileLogger(cfg config.AuditConfig) (*audit.FileLogger, error) {
	return audit.NewFileLogger(audit.FileLoggerConfig{
		BasePath: filepath.Clean(cfg.FilePath),
		MaxSize:  cfg.MaxFileSize,
	})
}

func startRetention(ctx context.Context, cfg config.AuditConfig, store *audit.DBLogger, logger *observability.Logger, shutdown *observability.ShutdownManager) error {
	policy := audit.RetentionPolicy{
		RetentionDays:  cfg.RetentionDays,
		ArchiveEnabled: cfg.ArchiveEnabled,
	}

	var archiver audit.Archiver
	if cfg.ArchiveEnabled {
		client, err := audit.NewS3Client(ctx, audit.S3Config{
			Bucket:       cfg.S3Bucket,
			Prefix:       cfg.S3Prefix,
			Region:       cfg.S3Region,
			Endpoint:     cfg.S3Endpoint,
			AccessKey:    cfg.S3AccessKey,
			SecretKey:    cfg.S3SecretKey,
			UsePathStyle: cfg.S3UsePathStyle,
		})
		if err != nil {
			return err
		}
		archiver = audit.NewS3Archiver(client, store, cfg.S3Bucket, cfg.S3Prefix)
	}

	job := audit.NewRetentionJob(policy, store, archiver, logger.WithField("component", "audit-retention"))
	if err := job.Start(ctx, cfg.RetentionSchedule); err != nil {
		return err
	}
	shutdown.Register("audit-retention", func(context.Context) error {
		job.Stop()
		return nil
	})
	logger.WithField("schedule", cfg.RetentionSchedule).Info("Audit retention scheduled")
	return nil
}
