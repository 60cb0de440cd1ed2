package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/personium/personium-core-sub028/metric"
)

// engineMetrics holds Prometheus metrics for the consumers
type engineMetrics struct {
	consumed     *prometheus.CounterVec // By consumer kind
	resubscribes *prometheus.CounterVec // By consumer kind and result
	rejected     prometheus.Counter     // Mutations ApplyMutation refused
	subscribed   *prometheus.GaugeVec   // Live subscriptions by consumer kind
}

// newEngineMetrics creates and registers the consumer metrics
func newEngineMetrics(registry *metric.MetricsRegistry) (*engineMetrics, error) {
	if registry == nil {
		return nil, nil
	}

	m := &engineMetrics{
		consumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ruleengine",
			Subsystem: "consumer",
			Name:      "events_total",
			Help:      "Events taken off a subscription",
		}, []string{"consumer"}),

		resubscribes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ruleengine",
			Subsystem: "consumer",
			Name:      "resubscribes_total",
			Help:      "Subscriptions re-established after end of stream",
		}, []string{"consumer", "status"}), // status: success, failure

		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ruleengine",
			Subsystem: "consumer",
			Name:      "mutations_rejected_total",
			Help:      "Rule topic events the index could not apply",
		}),

		subscribed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ruleengine",
			Subsystem: "consumer",
			Name:      "subscriptions",
			Help:      "Open subscriptions",
		}, []string{"consumer"}),
	}

	if err := registry.RegisterCounterVec("engine", "consumed", m.consumed); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("engine", "resubscribes", m.resubscribes); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("engine", "mutations_rejected", m.rejected); err != nil {
		return nil, err
	}
	if err := registry.RegisterGaugeVec("engine", "subscriptions", m.subscribed); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *engineMetrics) recordConsumed(kind string) {
	if m == nil {
		return
	}
	m.consumed.WithLabelValues(kind).Inc()
}

func (m *engineMetrics) recordResubscribe(kind string, success bool) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "failure"
	}
	m.resubscribes.WithLabelValues(kind, status).Inc()
}

func (m *engineMetrics) recordRejected() {
	if m == nil {
		return
	}
	m.rejected.Inc()
}

func (m *engineMetrics) subscriptionOpened(kind string) {
	if m == nil {
		return
	}
	m.subscribed.WithLabelValues(kind).Inc()
}

func (m *engineMetrics) subscriptionClosed(kind string) {
	if m == nil {
		return
	}
	m.subscribed.WithLabelValues(kind).Dec()
}
