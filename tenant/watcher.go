package tenant

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/personium/personium-core-sub028/errors"
	"github.com/personium/personium-core-sub028/natsclient"
)

// StatusRecord is the value stored per cell in the status bucket
type StatusRecord struct {
	Status string `json:"status"`
}

// StatusWatcher mirrors a KV bucket of cell statuses into a Registry. The bucket is written
// by the process that tears cells down; a deleted key means the cell is normal again.
type StatusWatcher struct {
	kv       *natsclient.KVStore
	registry *Registry
	logger   *slog.Logger

	mu      sync.Mutex
	watcher jetstream.KeyWatcher
	done    chan struct{}
}

// NewStatusWatcher creates a watcher over kv feeding registry
func NewStatusWatcher(kv *natsclient.KVStore, registry *Registry, logger *slog.Logger) *StatusWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &StatusWatcher{
		kv:       kv,
		registry: registry,
		logger:   logger.With("component", "cell-status-watcher"),
	}
}

// Start opens the watch and applies updates until ctx ends or Stop is called
func (w *StatusWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher != nil {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "StatusWatcher", "Start", "start watcher")
	}

	watcher, err := w.kv.Watch(ctx, ">")
	if err != nil {
		return errors.WrapTransient(err, "StatusWatcher", "Start", "watch status bucket")
	}
	w.watcher = watcher
	w.done = make(chan struct{})

	go w.run(ctx, watcher, w.done)
	w.logger.Info("Watching cell status bucket")
	return nil
}

func (w *StatusWatcher) run(ctx context.Context, watcher jetstream.KeyWatcher, done chan struct{}) {
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Panic in status watcher", "error", r)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-watcher.Updates():
			if !ok {
				return
			}
			if entry == nil {
				// initial values delivered
				continue
			}
			w.apply(entry.Key(), entry.Operation(), entry.Value())
		}
	}
}

func (w *StatusWatcher) apply(cellID string, op jetstream.KeyValueOp, value []byte) {
	if op == jetstream.KeyValueDelete || op == jetstream.KeyValuePurge {
		w.registry.SetStatus(cellID, StatusNormal)
		w.logger.Debug("Cell status cleared", "cell", cellID)
		return
	}

	var rec StatusRecord
	if err := json.Unmarshal(value, &rec); err != nil {
		w.logger.Warn("Ignoring malformed cell status", "cell", cellID, "error", err)
		return
	}
	status := ParseStatus(rec.Status)
	w.registry.SetStatus(cellID, status)
	w.logger.Info("Cell status changed", "cell", cellID, "status", status.String())
}

// Health returns an error unless the watch loop is running
func (w *StatusWatcher) Health() error {
	w.mu.Lock()
	watcher, done := w.watcher, w.done
	w.mu.Unlock()

	if watcher == nil {
		return errors.ErrNotStarted
	}
	select {
	case <-done:
		return errors.WrapTransient(errors.ErrSubscriptionClosed, "StatusWatcher", "Health", "status watch ended")
	default:
		return nil
	}
}

// Stop ends the watch and waits for the loop to exit
func (w *StatusWatcher) Stop() error {
	w.mu.Lock()
	watcher, done := w.watcher, w.done
	w.watcher = nil
	w.mu.Unlock()

	if watcher == nil {
		return nil
	}
	err := watcher.Stop()
	<-done
	if err != nil {
		return errors.WrapTransient(err, "StatusWatcher", "Stop", "stop watcher")
	}
	return nil
}

// MarkStatus writes a cell status into the bucket. Normal deletes the key.
func MarkStatus(ctx context.Context, kv *natsclient.KVStore, cellID string, s Status) error {
	if s == StatusNormal {
		if err := kv.Delete(ctx, cellID); err != nil && !natsclient.IsKVNotFoundError(err) {
			return errors.WrapTransient(err, "tenant", "MarkStatus", "clear cell status")
		}
		return nil
	}
	err := kv.UpdateWithRetry(ctx, cellID, func([]byte) ([]byte, error) {
		return json.Marshal(StatusRecord{Status: s.String()})
	})
	if err != nil {
		return errors.WrapTransient(err, "tenant", "MarkStatus", "write cell status")
	}
	return nil
}
