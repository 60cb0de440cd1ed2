package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ruleengine"

// Judge outcomes
const (
	OutcomeMatched   = "matched"
	OutcomeUnmatched = "unmatched"
	OutcomeSkipped   = "skipped"
)

// Metrics holds the engine-wide metrics. All Record methods are nil-safe so components
// constructed without a registry (tests, tools) need no guards.
type Metrics struct {
	EventsReceived    *prometheus.CounterVec
	EventsPublished   *prometheus.CounterVec
	EventsJudged      *prometheus.CounterVec
	RulesMatched      prometheus.Counter
	ActionsDispatched *prometheus.CounterVec
	ActionDuration    *prometheus.HistogramVec
	MutationsApplied  *prometheus.CounterVec
	TimerFires        *prometheus.CounterVec
	ActiveRules       prometheus.Gauge
	ActiveBoxes       prometheus.Gauge
	TimerBuckets      prometheus.Gauge
	ErrorsTotal       *prometheus.CounterVec

	NATSConnected  prometheus.Gauge
	NATSReconnects prometheus.Counter
}

// NewMetrics creates the engine metrics
func NewMetrics() *Metrics {
	return &Metrics{
		EventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bus", Name: "received_total",
			Help: "Events consumed from the bus",
		}, []string{"topic"}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bus", Name: "published_total",
			Help: "Events published to the bus",
		}, []string{"topic"}),
		EventsJudged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "index", Name: "judged_total",
			Help: "Events evaluated against the rule index",
		}, []string{"outcome"}),
		RulesMatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "index", Name: "rules_matched_total",
			Help: "Rule matches produced by judging",
		}),
		ActionsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "action", Name: "dispatched_total",
			Help: "Actions dispatched by action name and result",
		}, []string{"action", "result"}),
		ActionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "action", Name: "duration_seconds",
			Help:    "Action execution time",
			Buckets: prometheus.DefBuckets,
		}, []string{"action"}),
		MutationsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "index", Name: "mutations_total",
			Help: "Administrative events applied to the index",
		}, []string{"type", "result"}),
		TimerFires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "timer", Name: "fires_total",
			Help: "Timer bucket firings",
		}, []string{"kind"}),
		ActiveRules: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "index", Name: "rules",
			Help: "Rules currently in the index",
		}),
		ActiveBoxes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "index", Name: "boxes",
			Help: "Boxes referenced by at least one rule",
		}),
		TimerBuckets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "timer", Name: "buckets",
			Help: "Scheduled timer buckets",
		}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "errors", Name: "total",
			Help: "Errors by component and class",
		}, []string{"component", "class"}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "nats", Name: "connected",
			Help: "NATS connection status (0=disconnected, 1=connected)",
		}),
		NATSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "nats", Name: "reconnects_total",
			Help: "Total number of NATS reconnections",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.EventsReceived, m.EventsPublished, m.EventsJudged, m.RulesMatched,
		m.ActionsDispatched, m.ActionDuration, m.MutationsApplied, m.TimerFires,
		m.ActiveRules, m.ActiveBoxes, m.TimerBuckets, m.ErrorsTotal,
		m.NATSConnected, m.NATSReconnects,
	}
}

// RecordReceived counts an event consumed from topic
func (m *Metrics) RecordReceived(topic string) {
	if m == nil {
		return
	}
	m.EventsReceived.WithLabelValues(topic).Inc()
}

// RecordPublished counts an event published to topic
func (m *Metrics) RecordPublished(topic string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(topic).Inc()
}

// RecordJudged counts a judged event and the rules it matched
func (m *Metrics) RecordJudged(outcome string, matches int) {
	if m == nil {
		return
	}
	m.EventsJudged.WithLabelValues(outcome).Inc()
	if matches > 0 {
		m.RulesMatched.Add(float64(matches))
	}
}

// RecordAction counts a dispatched action
func (m *Metrics) RecordAction(action, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.ActionsDispatched.WithLabelValues(action, result).Inc()
	if d > 0 {
		m.ActionDuration.WithLabelValues(action).Observe(d.Seconds())
	}
}

// RecordMutation counts an applied administrative event
func (m *Metrics) RecordMutation(eventType, result string) {
	if m == nil {
		return
	}
	m.MutationsApplied.WithLabelValues(eventType, result).Inc()
}

// RecordTimerFire counts a bucket firing
func (m *Metrics) RecordTimerFire(kind string) {
	if m == nil {
		return
	}
	m.TimerFires.WithLabelValues(kind).Inc()
}

// SetIndexSize sets the rule and box gauges
func (m *Metrics) SetIndexSize(rules, boxes int) {
	if m == nil {
		return
	}
	m.ActiveRules.Set(float64(rules))
	m.ActiveBoxes.Set(float64(boxes))
}

// SetTimerBuckets sets the scheduled bucket gauge
func (m *Metrics) SetTimerBuckets(n int) {
	if m == nil {
		return
	}
	m.TimerBuckets.Set(float64(n))
}

// RecordError increments error counter
func (m *Metrics) RecordError(component, class string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(component, class).Inc()
}

// RecordNATSStatus updates NATS connection status
func (m *Metrics) RecordNATSStatus(connected bool) {
	if m == nil {
		return
	}
	value := 0.0
	if connected {
		value = 1.0
	}
	m.NATSConnected.Set(value)
}

// RecordNATSReconnect increments reconnection counter
func (m *Metrics) RecordNATSReconnect() {
	if m == nil {
		return
	}
	m.NATSReconnects.Inc()
}
