package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/R3E-Network/ticket_portal/internal/logging"
	"github.com/R3E-Network/ticket_portal/internal/metrics"
)

func TestTracingMiddleware(t *testing.T) {
	var seen string
	handler := NewTracingMiddleware().Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = logging.GetTraceID(r.Context())
	}))

	t.Run("reuses incoming id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/query", nil)
		req.Header.Set(TraceHeader, "trace-abc")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, "trace-abc", seen)
		assert.Equal(t, "trace-abc", rec.Header().Get(TraceHeader))
	})

	t.Run("generates id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/query", nil)
		req.Header.Set(TraceHeader, strings.Repeat("x", 200))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.NotEmpty(t, seen)
		assert.Len(t, seen, 36)
		assert.Equal(t, seen, rec.Header().Get(TraceHeader))
	})
}

func TestMetricsMiddleware(t *testing.T) {
	m := metrics.New()
	handler := MetricsMiddleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ticket/42", nil))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ticket/43", nil))

	expected := `
# HELP ticket_portal_http_requests_total Total number of HTTP requests handled.
# TYPE ticket_portal_http_requests_total counter
ticket_portal_http_requests_total{method="GET",path="/ticket",status="418"} 2
`
	assert.NoError(t, testutil.GatherAndCompare(m.Registry, strings.NewReader(expected), "ticket_portal_http_requests_total"))
}

func TestLoggingMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewWithOutput("portal", "info", "json", &buf)

	handler := LoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health-check", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, buf.String(), `"path":"/health-check"`)
	assert.Contains(t, buf.String(), `"status":200`)
}
