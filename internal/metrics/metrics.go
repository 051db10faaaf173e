package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all the application metrics
type Metrics struct {
	// HTTP request metrics
	HTTPRequestTotal    *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Provider fetch metrics, one series per metric kind or "session"
	MetricFetchTotal    *prometheus.CounterVec
	MetricFetchDuration *prometheus.HistogramVec

	// Sync cycle outcomes (ok, partial, empty, error)
	SyncTotal *prometheus.CounterVec

	// Proof construction and publication
	ProofBuildTotal   *prometheus.CounterVec
	ProofPublishTotal *prometheus.CounterVec

	// Event publishing metrics
	EventPublishTotal *prometheus.CounterVec
}

// Global metrics instance with mutex for thread safety
var (
	globalMetrics *Metrics
	metricsMutex  sync.Mutex
)

// NewMetrics creates a new Metrics instance with all required metrics
func NewMetrics() *Metrics {
	metricsMutex.Lock()
	defer metricsMutex.Unlock()

	// Return existing instance if already created
	if globalMetrics != nil {
		return globalMetrics
	}

	m := &Metrics{
		HTTPRequestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),

		MetricFetchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fitproof",
			Name:      "metric_fetch_total",
			Help:      "Total number of provider metric requests",
		}, []string{"kind", "status"}),

		MetricFetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fitproof",
			Name:      "metric_fetch_duration_seconds",
			Help:      "Provider metric request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind", "status"}),

		SyncTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fitproof",
			Name:      "sync_total",
			Help:      "Total number of sync cycles by outcome",
		}, []string{"status"}),

		ProofBuildTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fitproof",
			Name:      "proof_build_total",
			Help:      "Total number of proof construction attempts",
		}, []string{"status"}),

		ProofPublishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fitproof",
			Name:      "proof_publish_total",
			Help:      "Total number of proof publish attempts",
		}, []string{"target", "status"}),

		EventPublishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "event_publish_total",
			Help: "Total number of event publish operations",
		}, []string{"sink", "event_type", "status"}),
	}

	// Register metrics with the default registry
	registerMetrics(m)

	// Store as global instance
	globalMetrics = m

	return m
}

// registerMetrics registers all metrics with the default registry
func registerMetrics(m *Metrics) {
	registerOrGet(m.HTTPRequestTotal)
	registerOrGet(m.HTTPRequestDuration)
	registerOrGet(m.MetricFetchTotal)
	registerOrGet(m.MetricFetchDuration)
	registerOrGet(m.SyncTotal)
	registerOrGet(m.ProofBuildTotal)
	registerOrGet(m.ProofPublishTotal)
	registerOrGet(m.EventPublishTotal)
}

// registerOrGet tries to register a metric, returns the existing one if already registered
func registerOrGet(c prometheus.Collector) prometheus.Collector {
	if err := prometheus.Register(c); err != nil {
		// If already registered, return the existing collector
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
	}
	return c
}

// Status collapses an error into the "ok"/"error" label used across counters.
func Status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
