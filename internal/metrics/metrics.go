// Package metrics provides Prometheus instrumentation for the engine.
//
// Metrics are registered on a private registry so tests and multiple
// engines in one process do not collide. All methods are safe on a nil
// *Metrics, which records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "transformflow"

// Metrics holds the engine's collectors.
type Metrics struct {
	registry *prometheus.Registry

	// ActivityCalls counts executed activities.
	// Labels: activity, outcome (ok, error, transient)
	ActivityCalls *prometheus.CounterVec

	// ActivityDuration tracks activity latency in seconds.
	ActivityDuration *prometheus.HistogramVec

	// Transitions counts phase changes. Labels: from, to
	Transitions *prometheus.CounterVec

	// Reviews counts recorded review decisions. Labels: phase, decision
	Reviews *prometheus.CounterVec

	// RepairAttempts counts attempts started after a repair.
	RepairAttempts prometheus.Counter

	// Terminal counts instances reaching a final status. Labels: status
	Terminal *prometheus.CounterVec

	// ReplayedEntries counts history entries folded from the store.
	ReplayedEntries prometheus.Counter

	// AppendLogFailures counts audit messages the sink rejected.
	AppendLogFailures prometheus.Counter
}

// New creates the collectors on a fresh registry that also carries the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ActivityCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "activity_calls_total",
			Help:      "Activities executed, by activity and outcome",
		}, []string{"activity", "outcome"}),
		ActivityDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "activity_duration_seconds",
			Help:      "Activity latency in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"activity"}),
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "phase_transitions_total",
			Help:      "Phase transitions, by source and target phase",
		}, []string{"from", "to"}),
		Reviews: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "review",
			Name:      "decisions_total",
			Help:      "Review decisions recorded, by phase and decision",
		}, []string{"phase", "decision"}),
		RepairAttempts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retry",
			Name:      "repair_attempts_total",
			Help:      "Execution attempts started after a repair",
		}),
		Terminal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "instances_finished_total",
			Help:      "Instances that reached a terminal status",
		}, []string{"status"}),
		ReplayedEntries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "replayed_entries_total",
			Help:      "History entries folded while rebuilding instance state",
		}),
		AppendLogFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "append_failures_total",
			Help:      "Audit messages the append-log sink failed to accept",
		}),
	}
}

// Registry exposes the underlying registry, e.g. for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveActivity records one activity execution.
func (m *Metrics) ObserveActivity(activity, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ActivityCalls.WithLabelValues(activity, outcome).Inc()
	m.ActivityDuration.WithLabelValues(activity).Observe(d.Seconds())
}

// ObserveTransition records a phase change. Self-loops are counted too.
func (m *Metrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(from, to).Inc()
}

// ObserveReview records a review decision.
func (m *Metrics) ObserveReview(phase string, approved bool) {
	if m == nil {
		return
	}
	decision := "rejected"
	if approved {
		decision = "approved"
	}
	m.Reviews.WithLabelValues(phase, decision).Inc()
}

// ObserveRepair records an attempt started after a repair.
func (m *Metrics) ObserveRepair() {
	if m == nil {
		return
	}
	m.RepairAttempts.Inc()
}

// ObserveTerminal records an instance finishing.
func (m *Metrics) ObserveTerminal(status string) {
	if m == nil {
		return
	}
	m.Terminal.WithLabelValues(status).Inc()
}

// ObserveReplay records entries folded from history.
func (m *Metrics) ObserveReplay(entries int) {
	if m == nil || entries <= 0 {
		return
	}
	m.ReplayedEntries.Add(float64(entries))
}

// ObserveAppendLogFailure records a rejected audit message.
func (m *Metrics) ObserveAppendLogFailure() {
	if m == nil {
		return
	}
	m.AppendLogFailures.Inc()
}
