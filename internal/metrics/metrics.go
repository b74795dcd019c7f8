package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ticket_portal"

// Metrics holds the portal's Prometheus collectors on their own registry.
type Metrics struct {
	Registry *prometheus.Registry

	httpInFlight   prometheus.Gauge
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
	gateDenials    *prometheus.CounterVec
	startupState   *prometheus.GaugeVec
	connectSeconds *prometheus.HistogramVec
}

// New creates and registers every collector.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),

		httpInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "inflight_requests",
				Help:      "Current number of in-flight HTTP requests.",
			},
		),

		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests handled.",
			},
			[]string{"method", "path", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Duration of HTTP requests.",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
			},
			[]string{"method", "path"},
		),

		gateDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "gate",
				Name:      "denials_total",
				Help:      "Requests rejected by the auth gate, by stage.",
			},
			[]string{"stage", "status"},
		),

		startupState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "startup",
				Name:      "state",
				Help:      "1 for the current startup state, 0 otherwise.",
			},
			[]string{"state"},
		),

		connectSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "datastore",
				Name:      "connect_duration_seconds",
				Help:      "Duration of the startup datastore connection attempt.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"backend", "success"},
		),
	}

	m.Registry.MustRegister(
		m.httpInFlight,
		m.httpRequests,
		m.httpDuration,
		m.gateDenials,
		m.startupState,
		m.connectSeconds,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
	return m
}

// Handler exposes the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncrementInFlight() { m.httpInFlight.Inc() }
func (m *Metrics) DecrementInFlight() { m.httpInFlight.Dec() }

// RecordHTTPRequest records one completed request.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	path = CanonicalPath(path)
	method = strings.ToUpper(method)
	m.httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordGateDenial counts a request rejected by the gate stage.
func (m *Metrics) RecordGateDenial(stage string, status int) {
	m.gateDenials.WithLabelValues(stage, strconv.Itoa(status)).Inc()
}

// SetStartupState marks state as current among all known states.
func (m *Metrics) SetStartupState(state string, known []string) {
	for _, s := range known {
		value := 0.0
		if s == state {
			value = 1
		}
		m.startupState.WithLabelValues(s).Set(value)
	}
}

// RecordConnect records the datastore connection attempt.
func (m *Metrics) RecordConnect(backend string, duration time.Duration, success bool) {
	if backend == "" {
		backend = "unknown"
	}
	m.connectSeconds.WithLabelValues(backend, strconv.FormatBool(success)).Observe(duration.Seconds())
}

// CanonicalPath reduces a request path to its route group so label
// cardinality stays bounded: "/ticket/123/comments" becomes "/ticket".
func CanonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	first, _, _ := strings.Cut(trimmed, "/")
	switch first {
	case "auth", "otp", "ticket", "query", "health-check", "metrics":
		return "/" + first
	default:
		return "/*"
	}
}
