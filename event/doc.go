// Package event holds the Event type, the event type constants the engine reacts to and
// the helpers for the personium-local URL schemes.
//
// Events travel between processes as JSON with camelCase keys. The external flag is
// mandatory on the wire; Unmarshal rejects payloads without it.
//
// RuleChain carries the hop counter as a decimal string and Via the comma separated list of
// cell URLs an event has been relayed through:
//
//	next := ev.Derive(func(e *event.Event) {
//	    e.RuleChain = event.FormatHop(ev.Hop() + 1)
//	    e.Via = event.AppendVia(ev.Via, cellURL)
//	})
package event
