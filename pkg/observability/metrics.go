package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Licensing metrics
	LicenseValidationsTotal  *prometheus.CounterVec
	LicenseValidationLatency prometheus.Histogram
	LicenseTransitionsTotal  *prometheus.CounterVec
	LicensesIssuedTotal      *prometheus.CounterVec

	// Hierarchy metrics
	HierarchyOperationsTotal *prometheus.CounterVec

	// Authorization metrics
	AuthorizationDecisionsTotal *prometheus.CounterVec

	// Usage metrics
	UsageQueryDuration *prometheus.HistogramVec

	// Cache metrics
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entitlements_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "entitlements_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		LicenseValidationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entitlements_license_validations_total",
				Help: "License validations by outcome",
			},
			[]string{"result"},
		),
		LicenseValidationLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "entitlements_license_validation_duration_seconds",
				Help:    "License validation latency in seconds",
				Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
			},
		),
		LicenseTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entitlements_license_transitions_total",
				Help: "License status transitions by outcome",
			},
			[]string{"transition", "outcome"},
		),
		LicensesIssuedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entitlements_licenses_issued_total",
				Help: "Licenses issued by tier",
			},
			[]string{"tier"},
		),

		HierarchyOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entitlements_hierarchy_operations_total",
				Help: "Organization hierarchy operations by outcome",
			},
			[]string{"operation", "status"},
		),

		AuthorizationDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entitlements_authorization_decisions_total",
				Help: "Authorization gate decisions",
			},
			[]string{"action", "decision"},
		),

		UsageQueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "entitlements_usage_query_duration_seconds",
				Help:    "Usage counting latency in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"operation"},
		),

		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entitlements_cache_hits_total",
				Help: "Total number of cache hits",
			},
			[]string{"cache_type"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entitlements_cache_misses_total",
				Help: "Total number of cache misses",
			},
			[]string{"cache_type"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.LicenseValidationsTotal,
		m.LicenseValidationLatency,
		m.LicenseTransitionsTotal,
		m.LicensesIssuedTotal,
		m.HierarchyOperationsTotal,
		m.AuthorizationDecisionsTotal,
		m.UsageQueryDuration,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
	)

	return m
}

// ObserveTransition records a boolean-returning state change
func (m *Metrics) ObserveTransition(transition string, changed bool, err error) {
	if m == nil {
		return
	}
	outcome := "changed"
	switch {
	case err != nil:
		outcome = "error"
	case !changed:
		outcome = "noop"
	}
	m.LicenseTransitionsTotal.WithLabelValues(transition, outcome).Inc()
}

// ObserveHierarchy records the outcome of an organization operation
func (m *Metrics) ObserveHierarchy(operation string, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.HierarchyOperationsTotal.WithLabelValues(operation, status).Inc()
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics.
// Requests are labelled by route template so ids do not explode cardinality.
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			route := routeTemplate(r)
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

// MetricsHandler serves the registry in the Prometheus exposition format
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
