// Package health aggregates the health of the rule engine's long-lived parts.
//
// A Monitor holds named checks. Each check returns an error, and the error's class picks
// the state it reports:
//
//	nil                 healthy
//	transient error     degraded (the part is recovering on its own, e.g. re-subscribing)
//	any other error     unhealthy
//
// A non-critical check never reports worse than degraded. AggregateHealth runs every
// check and folds the results: any unhealthy part makes the whole unhealthy, otherwise
// any degraded part makes it degraded.
//
// Messages are sanitized before they leave the process: URLs, file paths, IP addresses,
// ports and credential-looking pairs are replaced by placeholders.
//
// The Monitor is also an http.Handler. It answers with the aggregate as JSON, with
// status 200 for healthy or degraded and 503 for unhealthy:
//
//	monitor := health.NewMonitor("ruleengine")
//	monitor.Register("nats", client.Health, true)
//	monitor.Register("engine", service.Health, true)
//	server := metric.NewServer(addr, path, registry, monitor)
package health
