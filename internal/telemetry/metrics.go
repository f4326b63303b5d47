// Package telemetry exposes prometheus counters for the replication and
// automation paths. Every method is nil-safe so components can treat
// telemetry as strictly optional.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the subsystem's counters.
type Metrics struct {
	eventsApplied  prometheus.Counter
	duplicates     prometheus.Counter
	syncRetries    prometheus.Counter
	syncDropped    prometheus.Counter
	relayPublishes prometheus.Counter
	ruleExecutions *prometheus.CounterVec
}

// New registers the subsystem counters on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		eventsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "boardsync_events_applied_total",
			Help: "Mutation events applied to replica state.",
		}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "boardsync_duplicate_events_total",
			Help: "Events suppressed by the deduplication cache.",
		}),
		syncRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "boardsync_sync_retries_total",
			Help: "Background sync attempts that were retried.",
		}),
		syncDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "boardsync_sync_dropped_total",
			Help: "Background sync operations dropped after exhausting retries.",
		}),
		relayPublishes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "boardsync_relay_publishes_total",
			Help: "Envelopes handed to the relay publisher.",
		}),
		ruleExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "boardsync_rule_executions_total",
			Help: "Rule execution attempts by outcome.",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.eventsApplied,
			m.duplicates,
			m.syncRetries,
			m.syncDropped,
			m.relayPublishes,
			m.ruleExecutions,
		)
	}
	return m
}

// EventApplied counts one applied mutation event.
func (m *Metrics) EventApplied() {
	if m != nil {
		m.eventsApplied.Inc()
	}
}

// DuplicateSuppressed counts one dedup-cache hit.
func (m *Metrics) DuplicateSuppressed() {
	if m != nil {
		m.duplicates.Inc()
	}
}

// SyncRetried counts one retried sync attempt.
func (m *Metrics) SyncRetried() {
	if m != nil {
		m.syncRetries.Inc()
	}
}

// SyncDropped counts one sync operation dropped after retries.
func (m *Metrics) SyncDropped() {
	if m != nil {
		m.syncDropped.Inc()
	}
}

// RelayPublished counts one envelope handed to the relay.
func (m *Metrics) RelayPublished() {
	if m != nil {
		m.relayPublishes.Inc()
	}
}

// RuleExecution counts one execution attempt by outcome label.
func (m *Metrics) RuleExecution(outcome string) {
	if m != nil {
		m.ruleExecutions.WithLabelValues(outcome).Inc()
	}
}
