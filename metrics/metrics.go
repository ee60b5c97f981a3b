// Package metrics exposes the relay subsystem's prometheus collectors: a
// relayed-payment duration histogram and a relay-failure counter.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// namespace prefixes every metric this package registers.
	namespace = "trampolinerelay"

	// relayTypeTrampoline tags every observation from this subsystem;
	// the label mirrors the relay-type dimension used for channel
	// relays elsewhere in the node.
	relayTypeTrampoline = "trampoline"
)

// RelayMetrics implements relay.MetricsSink on prometheus collectors.
type RelayMetrics struct {
	duration *prometheus.HistogramVec
	failures *prometheus.CounterVec
}

// New creates the collectors and registers them on the given registerer.
func New(registerer prometheus.Registerer) (*RelayMetrics, error) {
	m := &RelayMetrics{
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "relay_duration_seconds",
				Help: "Duration of a relayed payment " +
					"from dispatch to settlement.",
				Buckets: prometheus.ExponentialBuckets(
					0.25, 2, 12,
				),
			},
			[]string{"outcome", "relay_type"},
		),
		failures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "relay_failures_total",
				Help: "Number of rejected relays by " +
					"failure class.",
			},
			[]string{"reason"},
		),
	}

	if err := registerer.Register(m.duration); err != nil {
		return nil, err
	}
	if err := registerer.Register(m.failures); err != nil {
		return nil, err
	}

	return m, nil
}

// ObserveRelayDuration records one relayed payment's duration.
func (m *RelayMetrics) ObserveRelayDuration(d time.Duration, success bool) {
	outcome := "failure"
	if success {
		outcome = "success"
	}

	m.duration.WithLabelValues(outcome, relayTypeTrampoline).Observe(
		d.Seconds(),
	)
}

// IncRelayFailure counts one rejected relay.
func (m *RelayMetrics) IncRelayFailure(reason string) {
	m.failures.WithLabelValues(reason).Inc()
}
