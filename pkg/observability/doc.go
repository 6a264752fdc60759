// Package observability provides structured logging, Prometheus metrics,
// OpenTelemetry tracing, health probes and shutdown sequencing for gatehouse.
//
// # Structured Logging
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("principal_id", id).Info("Permissions resolved")
//
// Handlers use FromContext to pick up the request and principal ids set by
// the HTTP middleware.
//
// # Prometheus Metrics
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	metrics.ObserveDecision("allow")
//
// All Observe helpers accept a nil *Metrics.
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(db, redisClient, version)
//	observability.RegisterHealthRoutes(mux, checker)
//
// # OpenTelemetry
//
//	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
//		Enabled:     true,
//		Endpoint:    "otel-collector:4317",
//		ServiceName: "gatehouse",
//	}, logger)
//	defer observability.ShutdownOTel(ctx, providers)
package observability
