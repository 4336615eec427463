// Package metrics provides Prometheus metrics for sentinel.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	EventsClassified  *prometheus.CounterVec
	SnapshotsTotal    *prometheus.CounterVec
	BroadcastsTotal   *prometheus.CounterVec
	ReplayedEnvelopes prometheus.Counter
	ReplayDuration    prometheus.Histogram
	ClientsConnected  *prometheus.GaugeVec
	StateTransitions  *prometheus.CounterVec
	BridgeDropped     prometheus.Counter
	WatcherErrors     prometheus.Counter
	RequestDuration   *prometheus.HistogramVec
	ErrorsTotal       *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers all metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		EventsClassified: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_events_classified_total",
				Help: "File events classified by action, protection level and outcome.",
			},
			[]string{"action", "level", "blocked"},
		),
		SnapshotsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_snapshots_total",
				Help: "Snapshots created, by criticality and commit id quality.",
			},
			[]string{"critical", "degraded"},
		),
		BroadcastsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_broadcasts_total",
				Help: "Sequenced envelopes broadcast by target client type.",
			},
			[]string{"client_type"},
		),
		ReplayedEnvelopes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sentinel_replayed_envelopes_total",
				Help: "Envelopes re-sent to re-registering clients.",
			},
		),
		ReplayDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "sentinel_replay_duration_seconds",
				Help:    "Duration of a client replay.",
				Buckets: prometheus.DefBuckets,
			},
		),
		ClientsConnected: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sentinel_clients_connected",
				Help: "Registered transport clients by type.",
			},
			[]string{"client_type"},
		),
		StateTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_state_transitions_total",
				Help: "Execution state transitions by target state and trigger.",
			},
			[]string{"to", "trigger"},
		),
		BridgeDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sentinel_bridge_dropped_total",
				Help: "Outbound envelopes dropped because the bridge queue was full.",
			},
		),
		WatcherErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sentinel_watcher_errors_total",
				Help: "Filesystem watch errors.",
			},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sentinel_http_request_duration_seconds",
				Help:    "Management API request duration by route and status.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "status"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_errors_total",
				Help: "Total errors by module and type.",
			},
			[]string{"module", "type"},
		),
		registry: reg,
	}

	reg.MustRegister(m.EventsClassified)
	reg.MustRegister(m.SnapshotsTotal)
	reg.MustRegister(m.BroadcastsTotal)
	reg.MustRegister(m.ReplayedEnvelopes)
	reg.MustRegister(m.ReplayDuration)
	reg.MustRegister(m.ClientsConnected)
	reg.MustRegister(m.StateTransitions)
	reg.MustRegister(m.BridgeDropped)
	reg.MustRegister(m.WatcherErrors)
	reg.MustRegister(m.RequestDuration)
	reg.MustRegister(m.ErrorsTotal)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the private registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// RecordClassified counts one classified file event.
func (m *Metrics) RecordClassified(action, level string, blocked bool) {
	if m == nil {
		return
	}
	m.EventsClassified.WithLabelValues(action, level, strconv.FormatBool(blocked)).Inc()
}

// RecordSnapshot counts one snapshot.
func (m *Metrics) RecordSnapshot(critical, degraded bool) {
	if m == nil {
		return
	}
	m.SnapshotsTotal.WithLabelValues(strconv.FormatBool(critical), strconv.FormatBool(degraded)).Inc()
}

// RecordBroadcast counts one sequenced broadcast.
func (m *Metrics) RecordBroadcast(clientType string) {
	if m == nil {
		return
	}
	m.BroadcastsTotal.WithLabelValues(clientType).Inc()
}

// RecordReplay counts replayed envelopes and observes the replay duration.
func (m *Metrics) RecordReplay(count int, seconds float64) {
	if m == nil {
		return
	}
	m.ReplayedEnvelopes.Add(float64(count))
	m.ReplayDuration.Observe(seconds)
}

// ClientConnected adjusts the connected-client gauge by delta.
func (m *Metrics) ClientConnected(clientType string, delta float64) {
	if m == nil {
		return
	}
	m.ClientsConnected.WithLabelValues(clientType).Add(delta)
}

// RecordTransition counts one execution state transition.
func (m *Metrics) RecordTransition(to, trigger string) {
	if m == nil {
		return
	}
	m.StateTransitions.WithLabelValues(to, trigger).Inc()
}

// RecordBridgeDrop counts one dropped outbound envelope.
func (m *Metrics) RecordBridgeDrop() {
	if m == nil {
		return
	}
	m.BridgeDropped.Inc()
}

// RecordWatcherError counts one watch error.
func (m *Metrics) RecordWatcherError() {
	if m == nil {
		return
	}
	m.WatcherErrors.Inc()
}

// ObserveRequest records a management API request.
func (m *Metrics) ObserveRequest(route string, status int, seconds float64) {
	if m == nil {
		return
	}
	m.RequestDuration.WithLabelValues(route, strconv.Itoa(status)).Observe(seconds)
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(module, errType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(module, errType).Inc()
}
