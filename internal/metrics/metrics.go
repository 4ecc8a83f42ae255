// Package metrics exposes Prometheus collectors for the conversation
// memory subsystem. All methods are nil-safe so components can record
// unconditionally.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "convmem"

// Flush results.
const (
	FlushOK      = "ok"
	FlushFailed  = "failed"
	FlushStale   = "stale"
	FlushDropped = "dropped"
)

// Metrics holds the registered collectors.
type Metrics struct {
	registry *prometheus.Registry

	turns          *prometheus.CounterVec
	tiered         *prometheus.CounterVec
	reduction      prometheus.Histogram
	reinforcements *prometheus.CounterVec
	flushes        *prometheus.CounterVec
	sweeps         *prometheus.CounterVec
	queueDepth     prometheus.Gauge
	activeSessions prometheus.Gauge
	storageErrors  *prometheus.CounterVec
}

// New creates collectors on a fresh registry that also carries the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_recorded_total",
			Help:      "Tool turns recorded, by tool.",
		}, []string{"tool"}),
		tiered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_tiered_total",
			Help:      "Tool responses stored as expandable content, by tool.",
		}, []string{"tool"}),
		reduction: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tier_reduction_ratio",
			Help:      "1 - summary size / payload size for tiered responses.",
			Buckets:   []float64{0.5, 0.75, 0.9, 0.95, 0.98, 0.99},
		}),
		reinforcements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reinforcements_total",
			Help:      "Snapshots spliced into responses, by trigger.",
		}, []string{"trigger"}),
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_flushes_total",
			Help:      "Session flush attempts, by result.",
		}, []string{"result"}),
		sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "maintenance_removed_total",
			Help:      "Items archived or removed by maintenance, by sweep.",
		}, []string{"sweep"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "flush_queue_depth",
			Help:      "Flush jobs waiting for the writer.",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Sessions currently held in memory.",
		}),
		storageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_errors_total",
			Help:      "Storage failures absorbed by the memory manager, by operation.",
		}, []string{"op"}),
	}

	reg.MustRegister(m.turns, m.tiered, m.reduction, m.reinforcements,
		m.flushes, m.sweeps, m.queueDepth, m.activeSessions, m.storageErrors)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// TurnRecorded counts a recorded turn and, when tiered, its reduction.
func (m *Metrics) TurnRecorded(tool string, tiered bool, reduction float64) {
	if m == nil {
		return
	}
	m.turns.WithLabelValues(tool).Inc()
	if tiered {
		m.tiered.WithLabelValues(tool).Inc()
		m.reduction.Observe(reduction)
	}
}

// Reinforced counts a reinforcement by trigger ("cadence" or "decision").
func (m *Metrics) Reinforced(trigger string) {
	if m == nil {
		return
	}
	m.reinforcements.WithLabelValues(trigger).Inc()
}

// Flushed counts a flush attempt by result.
func (m *Metrics) Flushed(result string) {
	if m == nil {
		return
	}
	m.flushes.WithLabelValues(result).Inc()
}

// Swept adds n items handled by a maintenance sweep.
func (m *Metrics) Swept(sweep string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sweeps.WithLabelValues(sweep).Add(float64(n))
}

// StorageError counts an absorbed storage failure.
func (m *Metrics) StorageError(op string) {
	if m == nil {
		return
	}
	m.storageErrors.WithLabelValues(op).Inc()
}

// SetQueueDepth records the flush queue length.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// SetActiveSessions records the number of in-memory sessions.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}
