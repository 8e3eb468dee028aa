// Package metrics holds the Prometheus collectors for dispatch, channel
// locks and the interaction ledger. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "switchboard"

type Metrics struct {
	dispatches      *prometheus.CounterVec
	pluginResults   *prometheus.CounterVec
	fanoutSeconds   prometheus.Histogram
	lockTransitions *prometheus.CounterVec
	orphans         prometheus.Counter
	posted          prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Top-level dispatches by outcome (responded, none, failed).",
		}, []string{"outcome"}),
		pluginResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plugin_results_total",
			Help:      "Per-candidate fan-out results (ok, declined, timeout, crash).",
		}, []string{"plugin", "result"}),
		fanoutSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fanout_duration_seconds",
			Help:      "Wall time spent waiting on plugin fan-out.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		}),
		lockTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_transitions_total",
			Help:      "Channel lock transitions (acquired, renewed, released, noop, conflict).",
		}, []string{"transition"}),
		orphans: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orphaned_interactions_total",
			Help:      "Interactions never confirmed as posted within the orphan delay.",
		}),
		posted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "posted_interactions_total",
			Help:      "Interactions confirmed as posted by a delivery adapter.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.dispatches, m.pluginResults, m.fanoutSeconds, m.lockTransitions, m.orphans, m.posted)
	}
	return m
}

func (m *Metrics) Dispatch(outcome string) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(outcome).Inc()
}

func (m *Metrics) PluginResult(plugin, result string) {
	if m == nil {
		return
	}
	m.pluginResults.WithLabelValues(plugin, result).Inc()
}

func (m *Metrics) Fanout(d time.Duration) {
	if m == nil {
		return
	}
	m.fanoutSeconds.Observe(d.Seconds())
}

func (m *Metrics) LockTransition(transition string) {
	if m == nil {
		return
	}
	m.lockTransitions.WithLabelValues(transition).Inc()
}

func (m *Metrics) Orphaned() {
	if m == nil {
		return
	}
	m.orphans.Inc()
}

func (m *Metrics) Posted() {
	if m == nil {
		return
	}
	m.posted.Inc()
}
