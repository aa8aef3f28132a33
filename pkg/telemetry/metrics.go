package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the action engine.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	pollsTotal    *prometheus.CounterVec

	// Resource metrics
	resourcesDeleted *prometheus.CounterVec
	artifactsCreated *prometheus.CounterVec
	accessGrants     *prometheus.CounterVec

	// Coordination metrics
	markerClaims *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
// When metrics are disabled every recording method is a no-op.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DurationBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of action runs started",
			},
			[]string{"action"},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of action runs reaching a terminal outcome",
			},
			[]string{"action", "outcome"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration from execute to terminal outcome in seconds",
				Buckets:   buckets,
			},
			[]string{"action", "outcome"},
		),
		pollsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "completion_polls_total",
				Help:      "Total number of completion polls issued",
			},
			[]string{"action"},
		),
		resourcesDeleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resources_deleted_total",
				Help:      "Total number of resources deleted",
			},
			[]string{"service"},
		),
		artifactsCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "artifacts_created_total",
				Help:      "Total number of artifacts created (images, snapshots, backups)",
			},
			[]string{"service"},
		),
		accessGrants: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "access_grants_total",
				Help:      "Total number of cross-account access grants issued",
			},
			[]string{"service"},
		),
		markerClaims: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "marker_claims_total",
				Help:      "Total number of idempotency marker claim attempts",
			},
			[]string{"outcome"},
		),
		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of classified action errors",
			},
			[]string{"class"},
		),
	}

	collectors := []prometheus.Collector{
		m.runsStarted, m.runsCompleted, m.runDuration, m.pollsTotal,
		m.resourcesDeleted, m.artifactsCreated, m.accessGrants,
		m.markerClaims, m.errorsByClass,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}

	return m, nil
}

// RecordRunStarted records the start of an action run.
func (m *Metrics) RecordRunStarted(action string) {
	if m.registry == nil {
		return
	}
	m.runsStarted.WithLabelValues(action).Inc()
}

// RecordRunCompleted records a terminal outcome and the run duration.
func (m *Metrics) RecordRunCompleted(action, outcome string, duration time.Duration) {
	if m.registry == nil {
		return
	}
	m.runsCompleted.WithLabelValues(action, outcome).Inc()
	m.runDuration.WithLabelValues(action, outcome).Observe(duration.Seconds())
}

// RecordPoll records one completion poll.
func (m *Metrics) RecordPoll(action string) {
	if m.registry == nil {
		return
	}
	m.pollsTotal.WithLabelValues(action).Inc()
}

// RecordDeleted records deleted resources.
func (m *Metrics) RecordDeleted(service string, count int) {
	if m.registry == nil || count <= 0 {
		return
	}
	m.resourcesDeleted.WithLabelValues(service).Add(float64(count))
}

// RecordCreated records created artifacts.
func (m *Metrics) RecordCreated(service string, count int) {
	if m.registry == nil || count <= 0 {
		return
	}
	m.artifactsCreated.WithLabelValues(service).Add(float64(count))
}

// RecordAccessGrant records cross-account access grants.
func (m *Metrics) RecordAccessGrant(service string, count int) {
	if m.registry == nil || count <= 0 {
		return
	}
	m.accessGrants.WithLabelValues(service).Add(float64(count))
}

// RecordMarkerClaim records the outcome of a marker claim attempt.
func (m *Metrics) RecordMarkerClaim(outcome string) {
	if m.registry == nil {
		return
	}
	m.markerClaims.WithLabelValues(outcome).Inc()
}

// RecordError records a classified error.
func (m *Metrics) RecordError(class string) {
	if m.registry == nil {
		return
	}
	m.errorsByClass.WithLabelValues(class).Inc()
}

// Handler returns the HTTP handler that serves the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve starts an HTTP server exposing the metrics endpoint. It blocks
// until the server stops.
func (m *Metrics) Serve() error {
	if m.registry == nil {
		return nil
	}
	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())
	return http.ListenAndServe(m.config.ListenAddress, mux)
}
