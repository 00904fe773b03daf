package telemetry

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTPMetrics holds the Prometheus metrics exposed on /metrics.
type HTTPMetrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	outcomesTotal   *prometheus.CounterVec
	authFailures    *prometheus.CounterVec
	rateLimited     prometheus.Counter
	configReloads   *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewHTTPMetrics creates the metric set on its own registry.
func NewHTTPMetrics() *HTTPMetrics {
	registry := prometheus.NewRegistry()

	m := &HTTPMetrics{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fhir_http_requests_total",
				Help: "Total number of HTTP requests by route and status",
			},
			[]string{"method", "route", "status_code"},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fhir_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		outcomesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fhir_outcomes_total",
				Help: "OperationOutcome classifications written to clients",
			},
			[]string{"class"},
		),

		authFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fhir_auth_failures_total",
				Help: "Requests rejected before reaching a protected handler",
			},
			[]string{"reason"},
		),

		rateLimited: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "fhir_rate_limited_total",
				Help: "Requests rejected by the per-actor rate limiter",
			},
		),

		configReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fhir_config_reloads_total",
				Help: "Configuration reload attempts by status",
			},
			[]string{"status"},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.outcomesTotal,
		m.authFailures,
		m.rateLimited,
		m.configReloads,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// RecordHTTPRequest records a completed request.
func (m *HTTPMetrics) RecordHTTPRequest(method, route, statusCode string, duration time.Duration) {
	m.requestsTotal.WithLabelValues(method, route, statusCode).Inc()
	m.requestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordOutcome counts an outcome class written to a client.
func (m *HTTPMetrics) RecordOutcome(class string) {
	m.outcomesTotal.WithLabelValues(class).Inc()
}

// RecordAuthFailure counts a rejected authentication.
func (m *HTTPMetrics) RecordAuthFailure(reason string) {
	m.authFailures.WithLabelValues(reason).Inc()
}

// RecordRateLimited counts a throttled request.
func (m *HTTPMetrics) RecordRateLimited() {
	m.rateLimited.Inc()
}

// RecordConfigReload records a configuration reload attempt.
func (m *HTTPMetrics) RecordConfigReload(status string) {
	m.configReloads.WithLabelValues(status).Inc()
}

// Handler returns the Prometheus metrics HTTP handler.
func (m *HTTPMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry.
func (m *HTTPMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// UnmatchedRoute labels requests that never reached a named route.
const UnmatchedRoute = "unmatched"

type routeLabelKey struct{}

type routeLabel struct {
	name string
}

// SetRoute names the route serving the request for metric labelling. It is a
// no-op outside Middleware.
func SetRoute(ctx context.Context, name string) {
	if label, ok := ctx.Value(routeLabelKey{}).(*routeLabel); ok {
		label.name = name
	}
}

// Middleware records request count and duration per route.
func (m *HTTPMetrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		label := &routeLabel{name: UnmatchedRoute}
		r = r.WithContext(context.WithValue(r.Context(), routeLabelKey{}, label))

		wrapped := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		m.RecordHTTPRequest(r.Method, label.name, strconv.Itoa(wrapped.statusCode), time.Since(start))
	})
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (rw *statusRecorder) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	return rw.ResponseWriter.Write(b)
}

func (rw *statusRecorder) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
