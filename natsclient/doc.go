// Package natsclient wraps a nats.go connection for the rule engine.
//
// Client owns one connection and its JetStream context. It tracks connection status, logs
// disconnects and reconnects through slog, and records them on the engine metrics. Plain
// and queue-group subscriptions back the bus; PublishMsg carries the event headers.
//
// KVStore wraps a JetStream key-value bucket with per-operation timeouts, sentinel errors
// (ErrKVKeyNotFound, ErrKVKeyExists, ErrKVRevisionMismatch) and compare-and-swap updates
// retried through pkg/retry. The entity store and the cell status watcher are built on it.
//
// TestClient starts a NATS server with testcontainers-go for integration tests:
//
//	tc := natsclient.NewTestClient(t, natsclient.WithKVBuckets("cells"))
//	kv, _ := tc.KVStore(ctx, "cells")
package natsclient
