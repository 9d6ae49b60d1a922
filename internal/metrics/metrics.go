// Package metrics provides Prometheus metrics for Larder sessions.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "larder"

// Metrics holds the session collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	// MergesTotal counts merge calls by result (ok, not_found, stale, error).
	MergesTotal *prometheus.CounterVec

	// ActionsScheduled counts queued storage actions by type.
	ActionsScheduled *prometheus.CounterVec

	// OrphansRemoved counts children deleted by orphan removal.
	OrphansRemoved prometheus.Counter

	// FlushesTotal counts flushes by result.
	FlushesTotal *prometheus.CounterVec

	// FlushDuration tracks flush duration in seconds.
	FlushDuration prometheus.Histogram

	// SessionsOpen tracks sessions currently open.
	SessionsOpen prometheus.Gauge
}

// New registers the collectors on reg. Pass prometheus.DefaultRegisterer to
// expose them on the default registry.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		MergesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "merges_total",
				Help:      "Total number of detached graph merges by result",
			},
			[]string{"result"},
		),
		ActionsScheduled: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "actions_scheduled_total",
				Help:      "Total number of storage actions queued for flush by type",
			},
			[]string{"action"},
		),
		OrphansRemoved: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "orphans_removed_total",
				Help:      "Total number of children deleted by orphan removal",
			},
		),
		FlushesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "flushes_total",
				Help:      "Total number of flushes by result",
			},
			[]string{"result"},
		),
		FlushDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "flush_duration_seconds",
				Help:      "Duration of flushes in seconds",
				Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
		),
		SessionsOpen: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "open",
				Help:      "Number of sessions currently open",
			},
		),
	}
}

// Merge records the result of one merge call.
func (m *Metrics) Merge(result string) {
	if m == nil {
		return
	}
	m.MergesTotal.WithLabelValues(result).Inc()
}

// Scheduled records n queued actions of one type.
func (m *Metrics) Scheduled(action string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.ActionsScheduled.WithLabelValues(action).Add(float64(n))
}

// OrphanRemoved records one orphan scheduled for delete.
func (m *Metrics) OrphanRemoved() {
	if m == nil {
		return
	}
	m.OrphansRemoved.Inc()
}

// Flush records a flush outcome and its duration.
func (m *Metrics) Flush(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.FlushesTotal.WithLabelValues(result).Inc()
	m.FlushDuration.Observe(d.Seconds())
}

// SessionOpened increments the open session gauge.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.SessionsOpen.Inc()
}

// SessionClosed decrements the open session gauge.
func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.SessionsOpen.Dec()
}
