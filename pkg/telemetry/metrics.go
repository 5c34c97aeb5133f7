package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for a quanta node. Every recording
// method is safe to call on a nil *Metrics and on a disabled instance.
type Metrics struct {
	config MetricsConfig

	// Transaction metrics
	txConflicts *prometheus.CounterVec
	txExhausted *prometheus.CounterVec

	// Frame pipeline metrics
	frameGroups   *prometheus.CounterVec
	framesSkipped *prometheus.CounterVec
	fuseDuration  prometheus.Histogram
	mainFrames    prometheus.Counter

	// Job center metrics
	assignments *prometheus.CounterVec

	// Execution queue metrics
	queueDepth prometheus.Gauge
	queueShed  prometheus.Counter

	// Registrar metrics
	registrarLive     prometheus.Gauge
	registrarRequests *prometheus.CounterVec

	// Misc
	aggregate prometheus.Gauge
	ingested  *prometheus.CounterVec
	notFound  *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
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

		txConflicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tx_conflicts_total",
				Help:      "Commits rejected by optimistic conflict detection",
			},
			[]string{"operation"},
		),
		txExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tx_retries_exhausted_total",
				Help:      "Strict transactions that ran out of retries",
			},
			[]string{"operation"},
		),

		frameGroups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "frame_groups_total",
				Help:      "Frame groups created per source type",
			},
			[]string{"source_type"},
		),
		framesSkipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "frame_skipped_total",
				Help:      "Quanta skipped by a per-type tick because it fell behind",
			},
			[]string{"source_type"},
		),
		fuseDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "fuse_duration_seconds",
				Help:      "Duration of a fuse pass including lineage linking",
				Buckets:   buckets,
			},
		),
		mainFrames: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "main_frames_total",
				Help:      "Main frames appended to the lineage",
			},
		),

		assignments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_assigned_total",
				Help:      "Task items assigned to worker partitions",
			},
			[]string{"category"},
		),

		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "execqueue_depth",
				Help:      "Items waiting in the execution queue",
			},
		),
		queueShed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "execqueue_shed_total",
				Help:      "Items dropped by execution queue load shedding",
			},
		),

		registrarLive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "registrar_live_partitions",
				Help:      "Partition ids currently leased",
			},
		),
		registrarRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "registrar_requests_total",
				Help:      "Registrar requests by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),

		aggregate: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "global_aggregate",
				Help:      "Current global aggregate in [0,100]",
			},
		),
		ingested: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_ingested_total",
				Help:      "Source records written by the ingestion role",
			},
			[]string{"source_type"},
		),
		notFound: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "not_found_total",
				Help:      "Referenced records that vanished before use",
			},
			[]string{"component"},
		),
	}

	registry.MustRegister(
		m.txConflicts,
		m.txExhausted,
		m.frameGroups,
		m.framesSkipped,
		m.fuseDuration,
		m.mainFrames,
		m.assignments,
		m.queueDepth,
		m.queueShed,
		m.registrarLive,
		m.registrarRequests,
		m.aggregate,
		m.ingested,
		m.notFound,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// RecordTxConflict counts a conflicting commit.
func (m *Metrics) RecordTxConflict(operation string) {
	if !m.enabled() {
		return
	}
	m.txConflicts.WithLabelValues(operation).Inc()
}

// RecordTxExhausted counts a strict transaction that gave up.
func (m *Metrics) RecordTxExhausted(operation string) {
	if !m.enabled() {
		return
	}
	m.txExhausted.WithLabelValues(operation).Inc()
}

// RecordFrameGroup counts a frame group created for sourceType.
func (m *Metrics) RecordFrameGroup(sourceType string) {
	if !m.enabled() {
		return
	}
	m.frameGroups.WithLabelValues(sourceType).Inc()
}

// RecordFrameSkipped counts n quanta skipped by the sourceType tick.
func (m *Metrics) RecordFrameSkipped(sourceType string, n int64) {
	if !m.enabled() || n <= 0 {
		return
	}
	m.framesSkipped.WithLabelValues(sourceType).Add(float64(n))
}

// RecordFuse records a completed fuse pass.
func (m *Metrics) RecordFuse(duration time.Duration, produced bool) {
	if !m.enabled() {
		return
	}
	m.fuseDuration.Observe(duration.Seconds())
	if produced {
		m.mainFrames.Inc()
	}
}

// RecordAssignment counts n task items assigned in category.
func (m *Metrics) RecordAssignment(category string, n int) {
	if !m.enabled() || n <= 0 {
		return
	}
	m.assignments.WithLabelValues(category).Add(float64(n))
}

// SetQueueDepth sets the execution queue depth.
func (m *Metrics) SetQueueDepth(n int) {
	if !m.enabled() {
		return
	}
	m.queueDepth.Set(float64(n))
}

// RecordShed counts n items dropped by load shedding.
func (m *Metrics) RecordShed(n int) {
	if !m.enabled() || n <= 0 {
		return
	}
	m.queueShed.Add(float64(n))
}

// SetRegistrarLive sets the number of leased partition ids.
func (m *Metrics) SetRegistrarLive(n int) {
	if !m.enabled() {
		return
	}
	m.registrarLive.Set(float64(n))
}

// RecordRegistrarRequest counts a registrar request.
func (m *Metrics) RecordRegistrarRequest(kind, outcome string) {
	if !m.enabled() {
		return
	}
	m.registrarRequests.WithLabelValues(kind, outcome).Inc()
}

// SetAggregate sets the global aggregate gauge.
func (m *Metrics) SetAggregate(v float64) {
	if !m.enabled() {
		return
	}
	m.aggregate.Set(v)
}

// RecordIngested counts a source record written by ingestion.
func (m *Metrics) RecordIngested(sourceType string) {
	if !m.enabled() {
		return
	}
	m.ingested.WithLabelValues(sourceType).Inc()
}

// RecordNotFound counts a vanished record seen by component.
func (m *Metrics) RecordNotFound(component string) {
	if !m.enabled() {
		return
	}
	m.notFound.WithLabelValues(component).Inc()
}

// Registry returns the private registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
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

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
