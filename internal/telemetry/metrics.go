// Package telemetry holds the Prometheus instrumentation of the pipeline
// and an optional HTTP exposition server for the daemon binary.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the pipeline collectors. A nil *Metrics is a valid no-op
// receiver, so instrumentation stays optional at every call site.
type Metrics struct {
	rowsProcessed *prometheus.CounterVec
	rowFailures   *prometheus.CounterVec
	rowDuration   prometheus.Histogram
	batchDuration *prometheus.HistogramVec
	activeBatches prometheus.Gauge
	busDrops      *prometheus.GaugeVec
	cacheHits     *prometheus.CounterVec
	cacheMisses   *prometheus.CounterVec
}

// NewMetrics creates and registers the pipeline collectors. A nil registerer
// falls back to the process-wide default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		rowsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qcnorm_rows_processed_total",
				Help: "Rows processed successfully, by overall verdict",
			},
			[]string{"verdict"},
		),
		rowFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qcnorm_row_failures_total",
				Help: "Rows rejected by validation or processing, by error kind",
			},
			[]string{"kind"},
		),
		rowDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "qcnorm_row_duration_seconds",
				Help:    "Per-row pipeline latency in seconds",
				Buckets: []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
			},
		),
		batchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "qcnorm_batch_duration_seconds",
				Help:    "Wall-clock batch duration in seconds, by terminal status",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"status"},
		),
		activeBatches: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "qcnorm_active_batches",
				Help: "Batches currently pending or processing",
			},
		),
		busDrops: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "qcnorm_bus_dropped_events",
				Help: "Cumulative events dropped on a slow subscriber, by topic",
			},
			[]string{"topic"},
		),
		cacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qcnorm_cache_hits_total",
				Help: "Cache hits by cache type",
			},
			[]string{"cache"},
		),
		cacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qcnorm_cache_misses_total",
				Help: "Cache misses by cache type",
			},
			[]string{"cache"},
		),
	}

	reg.MustRegister(
		m.rowsProcessed,
		m.rowFailures,
		m.rowDuration,
		m.batchDuration,
		m.activeBatches,
		m.busDrops,
		m.cacheHits,
		m.cacheMisses,
	)

	return m
}

// RowProcessed records one successful row and its pipeline latency. Rows
// processed without assessment carry the verdict label "none".
func (m *Metrics) RowProcessed(verdict string, d time.Duration) {
	if m == nil {
		return
	}
	if verdict == "" {
		verdict = "none"
	}
	m.rowsProcessed.WithLabelValues(verdict).Inc()
	m.rowDuration.Observe(d.Seconds())
}

// RowFailed records one rejected row by error kind.
func (m *Metrics) RowFailed(kind string) {
	if m == nil {
		return
	}
	m.rowFailures.WithLabelValues(kind).Inc()
}

// BatchStarted bumps the active batch gauge.
func (m *Metrics) BatchStarted() {
	if m == nil {
		return
	}
	m.activeBatches.Inc()
}

// BatchFinished records a terminal batch and releases the gauge slot.
func (m *Metrics) BatchFinished(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.activeBatches.Dec()
	m.batchDuration.WithLabelValues(status).Observe(d.Seconds())
}

// BusDropped sets the cumulative drop count reported for a topic.
func (m *Metrics) BusDropped(topic string, total int64) {
	if m == nil {
		return
	}
	m.busDrops.WithLabelValues(topic).Set(float64(total))
}

// CacheHit records a hit on the named cache.
func (m *Metrics) CacheHit(cache string) {
	if m == nil {
		return
	}
	m.cacheHits.WithLabelValues(cache).Inc()
}

// CacheMiss records a miss on the named cache.
func (m *Metrics) CacheMiss(cache string) {
	if m == nil {
		return
	}
	m.cacheMisses.WithLabelValues(cache).Inc()
}
