// Package engine runs the rule engine: it loads the rule index, consumes the inbound and
// rule topics, and owns the dispatch pool and the timer scheduler.
//
// # Topics
//
// General consumers read the inbound topic and hand every event to the index's Judge.
// Administrative consumers read the rule topic and apply rule and box mutations to the
// index. Each consumer holds its own subscription; the bus load balances a topic over
// the subscriptions opened on it.
//
//	inbound ──► general consumers ──► Judge ──► dispatch pool ──► actions
//	                                     │
//	                                     ├──► events topic
//	                                     └──► rule topic ──► admin consumers ──► ApplyMutation
//
// Timer buckets publish synthetic events to the inbound topic, so they pass through Judge
// like any other event.
//
// # Lifecycle
//
// Start loads the index, starts the dispatch pool, subscribes every consumer and finally
// starts the timer scheduler. When a subscription ends, the consumer subscribes again
// with exponential backoff and a shared rate limit. Stop cancels the consumers, then
// stops the scheduler and drains the dispatch pool, each bounded by the given timeout.
package engine
