package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for driftdb.
type Metrics struct {
	config MetricsConfig

	// Merge metrics
	mergesStarted   *prometheus.CounterVec
	mergesCompleted *prometheus.CounterVec
	mergeDuration   *prometheus.HistogramVec

	// Conflict metrics
	conflictsDetected prometheus.Counter
	decisionsApplied  *prometheus.CounterVec

	// Storage metrics
	storageOps        *prometheus.CounterVec
	storageOpDuration *prometheus.HistogramVec

	// Resolver session metrics
	resolverRequests *prometheus.CounterVec
	sessionsActive   prometheus.Gauge

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	// Runtime metrics
	handlersActive prometheus.Gauge
	workersIdle    prometheus.Gauge
	heads          prometheus.Gauge

	// Event metrics
	eventsPublished *prometheus.CounterVec

	registry *prometheus.Registry
	server   *http.Server
}

// NewMetrics creates a new metrics collector with the given configuration.
// A disabled configuration yields a no-op instance whose record methods
// are safe to call.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		mergesStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "merges_started_total",
				Help:      "Total number of pairwise merges started",
			},
			[]string{"strategy"},
		),
		mergesCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "merges_completed_total",
				Help:      "Total number of pairwise merges finished, by status",
			},
			[]string{"status"},
		),
		mergeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "merge_duration_seconds",
				Help:      "Duration of pairwise merges in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),

		conflictsDetected: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "merge_conflicts_total",
				Help:      "Total number of conflicted keys detected",
			},
		),
		decisionsApplied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "merge_decisions_total",
				Help:      "Total number of conflict decisions applied, by source",
			},
			[]string{"source"},
		),

		storageOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "storage_ops_total",
				Help:      "Total number of storage operations",
			},
			[]string{"operation", "status"},
		),
		storageOpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "storage_op_duration_seconds",
				Help:      "Duration of storage operations in seconds",
				Buckets:   buckets,
			},
			[]string{"operation"},
		),

		resolverRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resolver_requests_total",
				Help:      "Total number of resolver protocol requests",
			},
			[]string{"kind"},
		),
		sessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "resolver_sessions_active",
				Help:      "Current number of open resolver sessions",
			},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),

		handlersActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "coroutine_handlers_active",
				Help:      "Current number of live coroutine handlers",
			},
		),
		workersIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "coroutine_workers_idle",
				Help:      "Current number of pooled idle workers",
			},
		),
		heads: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "heads",
				Help:      "Current number of store heads",
			},
		),

		eventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_published_total",
				Help:      "Total number of merge events published",
			},
			[]string{"type"},
		),
	}

	registry.MustRegister(
		m.mergesStarted,
		m.mergesCompleted,
		m.mergeDuration,
		m.conflictsDetected,
		m.decisionsApplied,
		m.storageOps,
		m.storageOpDuration,
		m.resolverRequests,
		m.sessionsActive,
		m.errorsByClass,
		m.errorsByCode,
		m.handlersActive,
		m.workersIdle,
		m.heads,
		m.eventsPublished,
	)

	return m, nil
}

// Merge Metrics

// RecordMergeStarted increments the counter for started merges.
func (m *Metrics) RecordMergeStarted(strategy string) {
	if m.mergesStarted == nil {
		return
	}
	m.mergesStarted.WithLabelValues(strategy).Inc()
}

// RecordMergeCompleted records a finished merge with its status and duration.
func (m *Metrics) RecordMergeCompleted(status string, duration time.Duration) {
	if m.mergesCompleted == nil {
		return
	}
	m.mergesCompleted.WithLabelValues(status).Inc()
	m.mergeDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// Conflict Metrics

// RecordConflicts adds to the counter of conflicted keys.
func (m *Metrics) RecordConflicts(count int) {
	if m.conflictsDetected == nil {
		return
	}
	m.conflictsDetected.Add(float64(count))
}

// RecordDecision records one applied conflict decision by source
// (left, right, new).
func (m *Metrics) RecordDecision(source string) {
	if m.decisionsApplied == nil {
		return
	}
	m.decisionsApplied.WithLabelValues(source).Inc()
}

// Storage Metrics

// RecordStorageOp records a storage operation with its duration.
func (m *Metrics) RecordStorageOp(operation, status string, duration time.Duration) {
	if m.storageOps == nil {
		return
	}
	m.storageOps.WithLabelValues(operation, status).Inc()
	m.storageOpDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// Resolver Metrics

// RecordResolverRequest records one resolver protocol request by kind.
func (m *Metrics) RecordResolverRequest(kind string) {
	if m.resolverRequests == nil {
		return
	}
	m.resolverRequests.WithLabelValues(kind).Inc()
}

// SessionOpened increments the active session gauge.
func (m *Metrics) SessionOpened() {
	if m.sessionsActive == nil {
		return
	}
	m.sessionsActive.Inc()
}

// SessionClosed decrements the active session gauge.
func (m *Metrics) SessionClosed() {
	if m.sessionsActive == nil {
		return
	}
	m.sessionsActive.Dec()
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" && m.errorsByCode != nil {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Runtime Metrics

// SetHandlersActive sets the current number of live coroutine handlers.
func (m *Metrics) SetHandlersActive(count float64) {
	if m.handlersActive == nil {
		return
	}
	m.handlersActive.Set(count)
}

// SetWorkersIdle sets the current number of pooled idle workers.
func (m *Metrics) SetWorkersIdle(count float64) {
	if m.workersIdle == nil {
		return
	}
	m.workersIdle.Set(count)
}

// SetHeads sets the current number of store heads.
func (m *Metrics) SetHeads(count float64) {
	if m.heads == nil {
		return
	}
	m.heads.Set(count)
}

// Event Metrics

// RecordEvent counts one published merge event by type.
func (m *Metrics) RecordEvent(eventType string) {
	if m.eventsPublished == nil {
		return
	}
	m.eventsPublished.WithLabelValues(eventType).Inc()
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration is a helper to time an operation and record it.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server exposing the metrics endpoint.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	m.server = &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "metrics server error: %v\n", err)
		}
	}()

	return nil
}

// StopMetricsServer shuts the metrics HTTP server down.
func (m *Metrics) StopMetricsServer(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
