// Package metric provides the Prometheus registry, the rule engine's core metrics and the
// HTTP server that exposes them.
//
// MetricsRegistry wraps a private prometheus.Registry. It registers the engine metrics
// (events judged, rules matched, actions dispatched, mutations applied, timer fires and the
// index and bucket gauges) together with the Go runtime collectors. Components that own
// extra metrics, such as worker pools, register them through the MetricsRegistrar methods.
//
// Every Record method on *Metrics tolerates a nil receiver:
//
//	var m *metric.Metrics // nil when running without a registry
//	m.RecordJudged(metric.OutcomeMatched, 2) // no-op
//
// Server serves /metrics in OpenMetrics format and /health through any http.Handler; a
// HealthFunc adapts a plain error check.
package metric
