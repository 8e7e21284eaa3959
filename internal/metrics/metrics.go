// Package metrics provides Prometheus instrumentation for the profits
// pipeline. Collectors are registered on an injected registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "wallet_profits"

// Metrics holds every collector of the service.
type Metrics struct {
	gatherer prometheus.Gatherer

	// BatchesTotal counts finished batches by final status.
	BatchesTotal *prometheus.CounterVec

	// BatchDuration tracks the wall time of a batch including retries.
	BatchDuration prometheus.Histogram

	// BatchAttempts tracks executor calls per batch.
	BatchAttempts prometheus.Histogram

	// RunsTotal counts runs by final state.
	RunsTotal *prometheus.CounterVec

	// RowsPublished is the row count of the last published table.
	RowsPublished prometheus.Gauge

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration *prometheus.HistogramVec
}

// New registers the collectors on reg. gatherer serves /metrics and is
// usually the same registry.
func New(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		gatherer: gatherer,

		BatchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Finished batches by status",
		}, []string{"status"}),

		BatchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Batch computation time in seconds including retries",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}),

		BatchAttempts: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_attempts",
			Help:      "Executor calls made per batch",
			Buckets:   []float64{1, 2, 3, 5, 8},
		}),

		RunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Rebuild runs by final state",
		}, []string{"state"}),

		RowsPublished: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rows_published",
			Help:      "Rows in the last published profits table",
		}),

		HTTPRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests",
		}, []string{"method", "path", "status"}),

		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120, 600},
		}, []string{"method", "path"}),
	}
}

// NewRegistry returns Metrics backed by a fresh registry that also exports
// the Go runtime and process collectors.
func NewRegistry() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return New(reg, reg)
}

// ObserveBatch records a finished batch.
func (m *Metrics) ObserveBatch(status string, attempts int, d time.Duration) {
	m.BatchesTotal.WithLabelValues(status).Inc()
	m.BatchAttempts.Observe(float64(attempts))
	m.BatchDuration.Observe(d.Seconds())
}

// Handler returns the Prometheus metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Middleware returns an HTTP middleware that records request metrics.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		m.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
