// Package metrics exposes the coordinator's Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the coordinator and its proxy.
type Metrics struct {
	// Proxy metrics
	ProxyConnections *prometheus.GaugeVec
	PublishTotal     *prometheus.CounterVec
	PublishDuration  *prometheus.HistogramVec

	// Fan-out metrics
	FanoutDelivered *prometheus.CounterVec
	FanoutFailed    *prometheus.CounterVec

	// Dispatch metrics
	DispatchTotal    *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec

	// Scheduling metrics
	AssignmentsTotal *prometheus.CounterVec
	VolunteerTrust   *prometheus.GaugeVec
}

// NewMetrics creates and registers all coordinator metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		ProxyConnections: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "proxy_connections",
				Help: "Currently open client connections on the authorisation proxy",
			},
			[]string{"state"}, // state: active
		),

		PublishTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_publish_total",
				Help: "PUBLISH commands seen by the proxy",
			},
			[]string{"channel", "decision"}, // decision: allowed, denied, malformed
		),

		PublishDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "proxy_publish_duration_seconds",
				Help:    "Time spent authorising and transforming one publish",
				Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
			},
			[]string{"channel"},
		),

		FanoutDelivered: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_fanout_delivered_total",
				Help: "Messages delivered to subscriber sessions",
			},
			[]string{"channel"},
		),

		FanoutFailed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_fanout_failed_total",
				Help: "Deliveries dropped because the session write failed",
			},
			[]string{"channel"},
		),

		DispatchTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordinator_dispatch_total",
				Help: "Messages dispatched to coordinator handlers",
			},
			[]string{"channel", "outcome"}, // outcome: ok, error, dropped
		),

		DispatchDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "coordinator_dispatch_duration_seconds",
				Help:    "Handler execution time per channel",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"channel"},
		),

		AssignmentsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordinator_assignments_total",
				Help: "Task assignment attempts",
			},
			[]string{"outcome"}, // outcome: assigned, no_volunteer, reassigned
		),

		VolunteerTrust: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "coordinator_volunteer_trust_score",
				Help: "Current trust score per volunteer",
			},
			[]string{"volunteer_id"},
		),
	}
}

// RecordPublish records one publish decision.
func (m *Metrics) RecordPublish(channel, decision string, seconds float64) {
	m.PublishTotal.WithLabelValues(channel, decision).Inc()
	m.PublishDuration.WithLabelValues(channel).Observe(seconds)
}

// RecordFanout records one delivery attempt to a subscriber session.
func (m *Metrics) RecordFanout(channel string, delivered bool) {
	if delivered {
		m.FanoutDelivered.WithLabelValues(channel).Inc()
	} else {
		m.FanoutFailed.WithLabelValues(channel).Inc()
	}
}

// RecordDispatch records one handler invocation.
func (m *Metrics) RecordDispatch(channel, outcome string, seconds float64) {
	m.DispatchTotal.WithLabelValues(channel, outcome).Inc()
	m.DispatchDuration.WithLabelValues(channel).Observe(seconds)
}

// RecordAssignment records one scheduling outcome.
func (m *Metrics) RecordAssignment(outcome string) {
	m.AssignmentsTotal.WithLabelValues(outcome).Inc()
}

// UpdateTrust publishes a volunteer's current trust score.
func (m *Metrics) UpdateTrust(volunteerID string, score float64) {
	m.VolunteerTrust.WithLabelValues(volunteerID).Set(score)
}
