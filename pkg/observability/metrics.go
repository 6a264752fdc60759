package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Authorization metrics
	AuthzChecksTotal      *prometheus.CounterVec
	ResolutionsTotal      *prometheus.CounterVec
	ResolutionDuration    *prometheus.HistogramVec
	AuditEventsDropped    prometheus.Counter
	CatalogMutationsTotal *prometheus.CounterVec

	// Cache metrics
	CacheHitsTotal          *prometheus.CounterVec
	CacheMissesTotal        *prometheus.CounterVec
	CacheInvalidationsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatehouse_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gatehouse_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		AuthzChecksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatehouse_authz_checks_total",
				Help: "Total number of permission decisions",
			},
			[]string{"result"},
		),
		ResolutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatehouse_resolutions_total",
				Help: "Total number of permission resolutions",
			},
			[]string{"kind", "status"},
		),
		ResolutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gatehouse_resolution_duration_seconds",
				Help:    "Permission resolution duration in seconds",
				Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"kind"},
		),
		AuditEventsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gatehouse_audit_events_dropped_total",
				Help: "Audit events dropped because the buffer was full",
			},
		),
		CatalogMutationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatehouse_catalog_mutations_total",
				Help: "Total number of catalog mutations",
			},
			[]string{"operation", "status"},
		),

		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatehouse_cache_hits_total",
				Help: "Total number of resolution cache hits",
			},
			[]string{"backend"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatehouse_cache_misses_total",
				Help: "Total number of resolution cache misses",
			},
			[]string{"backend"},
		),
		CacheInvalidationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatehouse_cache_invalidations_total",
				Help: "Total number of resolution cache invalidations",
			},
			[]string{"kind"},
		),
	}

	if registry != nil {
		registry.MustRegister(
			m.HTTPRequestsTotal,
			m.HTTPRequestDuration,
			m.AuthzChecksTotal,
			m.ResolutionsTotal,
			m.ResolutionDuration,
			m.AuditEventsDropped,
			m.CatalogMutationsTotal,
			m.CacheHitsTotal,
			m.CacheMissesTotal,
			m.CacheInvalidationsTotal,
		)
	}

	return m
}

// ObserveResolution records the outcome and latency of one resolution.
// Safe to call on a nil receiver.
func (m *Metrics) ObserveResolution(kind string, start time.Time, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.ResolutionsTotal.WithLabelValues(kind, status).Inc()
	m.ResolutionDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
}

// ObserveDecision records an allow/deny/error decision
func (m *Metrics) ObserveDecision(result string) {
	if m == nil {
		return
	}
	m.AuthzChecksTotal.WithLabelValues(result).Inc()
}

// ObserveCache records a cache lookup
func (m *Metrics) ObserveCache(backend string, hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHitsTotal.WithLabelValues(backend).Inc()
		return
	}
	m.CacheMissesTotal.WithLabelValues(backend).Inc()
}

// ObserveInvalidation records a cache invalidation by kind (principal, role, flush)
func (m *Metrics) ObserveInvalidation(kind string) {
	if m == nil {
		return
	}
	m.CacheInvalidationsTotal.WithLabelValues(kind).Inc()
}

// ObserveAuditDrop records an audit event dropped on a full buffer
func (m *Metrics) ObserveAuditDrop() {
	if m == nil {
		return
	}
	m.AuditEventsDropped.Inc()
}

// ObserveMutation records a catalog mutation
func (m *Metrics) ObserveMutation(operation string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.CatalogMutationsTotal.WithLabelValues(operation, status).Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics.
// pathLabel maps a request to a bounded label, usually the route template.
func HTTPMetricsMiddleware(metrics *Metrics, pathLabel func(*http.Request) string) func(http.Handler) http.Handler {
	if pathLabel == nil {
		pathLabel = func(r *http.Request) string { return r.URL.Path }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			path := pathLabel(r)
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(mux *http.ServeMux, registry *prometheus.Registry) {
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
