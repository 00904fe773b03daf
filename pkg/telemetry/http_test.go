package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *HTTPMetrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestHTTPMetricsMiddlewareLabelsRoute(t *testing.T) {
	m := NewHTTPMetrics()

	handler := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		SetRoute(r.Context(), "read")
		w.WriteHeader(http.StatusNotFound)
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/Patient/1", nil))

	assert.Contains(t, scrape(t, m), `fhir_http_requests_total{method="GET",route="read",status_code="404"} 1`)
}

func TestHTTPMetricsUnmatchedRoute(t *testing.T) {
	m := NewHTTPMetrics()

	handler := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nowhere", nil))

	assert.Contains(t, scrape(t, m), `fhir_http_requests_total{method="GET",route="unmatched",status_code="200"} 1`)
}

func TestHTTPMetricsHandlerExposesCounters(t *testing.T) {
	m := NewHTTPMetrics()
	m.RecordOutcome("not-found")
	m.RecordAuthFailure("invalid_token")
	m.RecordRateLimited()
	m.RecordConfigReload("success")

	body := scrape(t, m)
	for _, name := range []string{
		"fhir_outcomes_total",
		"fhir_auth_failures_total",
		"fhir_rate_limited_total",
		"fhir_config_reloads_total",
	} {
		assert.True(t, strings.Contains(body, name), "missing %s", name)
	}
}

func TestSetRouteOutsideMiddlewareIsNoop(t *testing.T) {
	SetRoute(t.Context(), "anything")
}
