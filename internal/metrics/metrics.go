// ABOUTME: Prometheus collectors for transitions, liveness sweeps, counter drift and notifications
// ABOUTME: All recording methods are nil-safe so components work without metrics wired

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "handoff"

// Metrics holds the gateway's collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	transitions     *prometheus.CounterVec
	sweeps          prometheus.Counter
	sessionsExpired prometheus.Counter
	sweepFailures   prometheus.Counter
	staleHeartbeats prometheus.Counter
	counterDrift    prometheus.Counter
	liveAgents      prometheus.Gauge
	notifyFailures  *prometheus.CounterVec
}

// New creates and registers all collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Ownership transitions attempted, by kind and outcome code.",
		}, []string{"kind", "outcome"}),
		sweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "liveness_sweeps_total",
			Help:      "Liveness sweeps completed.",
		}),
		sessionsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_expired_total",
			Help:      "Agent sessions closed by the liveness sweep.",
		}),
		sweepFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_record_failures_total",
			Help:      "Session records the liveness sweep failed to process.",
		}),
		staleHeartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_heartbeats_total",
			Help:      "Heartbeats received for unknown or ended sessions.",
		}),
		counterDrift: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "counter_drift_total",
			Help:      "Agents whose active counter disagreed with the transfer log.",
		}),
		liveAgents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_agents",
			Help:      "Agents with a heartbeat inside the liveness window at the last sweep.",
		}),
		notifyFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notify_failures_total",
			Help:      "Notification dispatches that failed, by sink.",
		}, []string{"sink"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.transitions,
		m.sweeps,
		m.sessionsExpired,
		m.sweepFailures,
		m.staleHeartbeats,
		m.counterDrift,
		m.liveAgents,
		m.notifyFailures,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Transition counts one transition attempt. outcome is "ok" or an error code.
func (m *Metrics) Transition(kind, outcome string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(kind, outcome).Inc()
}

// Sweep records one completed liveness sweep.
func (m *Metrics) Sweep(expired, failed, live int) {
	if m == nil {
		return
	}
	m.sweeps.Inc()
	m.sessionsExpired.Add(float64(expired))
	m.sweepFailures.Add(float64(failed))
	m.liveAgents.Set(float64(live))
}

// StaleHeartbeat counts a rejected heartbeat.
func (m *Metrics) StaleHeartbeat() {
	if m == nil {
		return
	}
	m.staleHeartbeats.Inc()
}

// CounterDrift counts agents found drifting during reconciliation.
func (m *Metrics) CounterDrift(n int) {
	if m == nil {
		return
	}
	m.counterDrift.Add(float64(n))
}

// NotifyFailed counts a failed dispatch to sink.
func (m *Metrics) NotifyFailed(sink string) {
	if m == nil {
		return
	}
	m.notifyFailures.WithLabelValues(sink).Inc()
}

// NotifyFailures exposes the failure counter, mainly for tests.
func (m *Metrics) NotifyFailures() *prometheus.CounterVec {
	return m.notifyFailures
}

// Transitions exposes the transition counter, mainly for tests.
func (m *Metrics) Transitions() *prometheus.CounterVec {
	return m.transitions
}
