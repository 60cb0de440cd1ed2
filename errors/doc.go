// Package errors classifies failures for the rule engine's must-not-fail entry points.
//
// Judge, ApplyMutation, Dispatch and Fire never return errors to their worker pools.
// Internally every step still produces wrapped, classified errors so that the single
// place that logs them can decide how loud to be:
//
//   - Invalid: configuration gaps such as a malformed entity key, a rule without an
//     action or an unknown action name. Logged and skipped.
//   - Transient: entity store or bus outages, outbound HTTP failures. Logged; bus
//     consumers re-subscribe with backoff.
//   - Fatal: startup configuration problems. The binary exits.
//
// Wrapping follows one format:
//
//	errors.WrapInvalid(err, "RuleIndex", "ApplyMutation", "parse rule key")
//	// => "RuleIndex.ApplyMutation: parse rule key failed: <cause>"
//
// Not-found is distinct from unavailable; use IsNotFound to tell them apart.
package errors
