// Package metrics provides Prometheus metrics for the server.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors.
type Metrics struct {
	// Request metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Record engine metrics
	RecordOperations *prometheus.CounterVec

	// Auth metrics
	AuthAttempts *prometheus.CounterVec
	AuthFailures *prometheus.CounterVec

	// Realtime metrics
	SSEClients prometheus.Gauge
	Broadcasts *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates a Metrics instance with all collectors registered on a private
// registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bunbase_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	m.RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bunbase_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	m.RequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bunbase_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	m.RecordOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bunbase_record_operations_total",
			Help: "Total number of record engine operations",
		},
		[]string{"collection", "operation", "status"},
	)

	m.AuthAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bunbase_auth_attempts_total",
			Help: "Total number of authentication attempts",
		},
		[]string{"kind"},
	)

	m.AuthFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bunbase_auth_failures_total",
			Help: "Total number of authentication failures",
		},
		[]string{"kind", "reason"},
	)

	m.SSEClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bunbase_sse_clients",
			Help: "Number of connected SSE clients",
		},
	)

	m.Broadcasts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bunbase_broadcasts_total",
			Help: "Total number of realtime broadcasts",
		},
		[]string{"collection", "action"},
	)

	m.registry.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.RecordOperations,
		m.AuthAttempts,
		m.AuthFailures,
		m.SSEClients,
		m.Broadcasts,
	)

	// Also register the default collectors (go runtime, process info)
	m.registry.MustRegister(prometheus.NewGoCollector())
	m.registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	return m
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Middleware returns HTTP middleware that records request metrics.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip metrics endpoint itself
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		m.RequestsInFlight.Inc()

		// Wrap response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		m.RequestsInFlight.Dec()
		duration := time.Since(start).Seconds()

		// Normalize path for metrics (avoid high cardinality)
		path := normalizePath(r.URL.Path)

		m.RequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		m.RequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush forwards flushes so the SSE stream keeps working behind the wrapper.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// normalizePath collapses record and file paths to their route patterns.
func normalizePath(path string) string {
	if strings.HasPrefix(path, "/api/files/") {
		return "/api/files/{collection}/{id}/{filename}"
	}
	if strings.HasPrefix(path, "/api/collections/") {
		rest := strings.Trim(strings.TrimPrefix(path, "/api/collections/"), "/")
		parts := strings.Split(rest, "/")
		switch {
		case len(parts) >= 3 && parts[1] == "records":
			return "/api/collections/{collection}/records/{id}"
		case len(parts) == 2 && parts[1] == "records":
			return "/api/collections/{collection}/records"
		case len(parts) >= 2:
			// Auth sub-routes like auth-with-password keep their last segment.
			return "/api/collections/{collection}/" + strings.Join(parts[1:], "/")
		case len(parts) == 1 && parts[0] != "":
			return "/api/collections/{collection}"
		}
	}
	if strings.HasPrefix(path, "/_/api/collections/") {
		rest := strings.Trim(strings.TrimPrefix(path, "/_/api/collections/"), "/")
		parts := strings.Split(rest, "/")
		switch {
		case len(parts) >= 2 && parts[1] == "fields":
			return "/_/api/collections/{collection}/fields"
		case len(parts) == 1 && parts[0] != "":
			return "/_/api/collections/{collection}"
		}
	}
	return path
}

// RecordOperation records a record engine operation outcome.
func (m *Metrics) RecordOperation(collection, operation string, err error) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.RecordOperations.WithLabelValues(collection, operation, status).Inc()
}

// RecordAuthAttempt records an authentication attempt.
func (m *Metrics) RecordAuthAttempt(kind string, success bool, reason string) {
	m.AuthAttempts.WithLabelValues(kind).Inc()
	if !success {
		m.AuthFailures.WithLabelValues(kind, reason).Inc()
	}
}

// RecordBroadcast records a realtime broadcast.
func (m *Metrics) RecordBroadcast(collection, action string) {
	m.Broadcasts.WithLabelValues(collection, action).Inc()
}

// SetSSEClients updates the connected SSE client gauge.
func (m *Metrics) SetSSEClients(n int) {
	m.SSEClients.Set(float64(n))
}
