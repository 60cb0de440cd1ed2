package action

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/personium/personium-core-sub028/errors"
	"github.com/personium/personium-core-sub028/event"
	"github.com/personium/personium-core-sub028/metric"
	"github.com/personium/personium-core-sub028/pkg/worker"
	"github.com/personium/personium-core-sub028/tenant"
)

// Dispatch results recorded in metrics besides status codes
const (
	resultNone    = "none"
	resultUnknown = "unknown"
	resultSkipped = "skipped"
	resultPanic   = "panic"
)

// Task is one pending action execution
type Task struct {
	Cell  tenant.Cell
	Info  Info
	Event *event.Event
}

// DispatcherConfig sizes the dispatch pool
type DispatcherConfig struct {
	Workers   int           `json:"workers" yaml:"workers"`
	QueueSize int           `json:"queue_size" yaml:"queue_size"`
	Policy    worker.Policy `json:"-" yaml:"-"`
}

// DefaultDispatcherConfig returns the pool defaults
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{Workers: 16, QueueSize: 1024, Policy: worker.PolicyBlock}
}

// DispatcherOption configures a Dispatcher
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the logger
func WithDispatcherLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithDispatcherMetrics records dispatch outcomes and registers pool metrics
func WithDispatcherMetrics(registry *metric.MetricsRegistry) DispatcherOption {
	return func(d *Dispatcher) {
		d.registry = registry
		d.metrics = registry.CoreMetrics()
	}
}

// Dispatcher runs actions on a bounded worker pool
type Dispatcher struct {
	actions   *Registry
	lifecycle tenant.Lifecycle
	cfg       DispatcherConfig
	pool      *worker.Pool[Task]
	registry  *metric.MetricsRegistry
	metrics   *metric.Metrics
	logger    *slog.Logger
}

// NewDispatcher creates a dispatcher; Start must be called before Submit
func NewDispatcher(actions *Registry, lifecycle tenant.Lifecycle, cfg DispatcherConfig,
	opts ...DispatcherOption) *Dispatcher {
	def := DefaultDispatcherConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}

	d := &Dispatcher{
		actions:   actions,
		lifecycle: lifecycle,
		cfg:       cfg,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "dispatcher")

	poolOpts := []worker.Option[Task]{
		worker.WithPolicy[Task](cfg.Policy),
		worker.WithPanicHandler[Task](func(r any) {
			d.logger.Error("Dispatch worker panic", "panic", r)
		}),
	}
	if d.registry != nil {
		poolOpts = append(poolOpts, worker.WithMetricsRegistry[Task](d.registry, "dispatch"))
	}
	d.pool = worker.NewPool(cfg.Workers, cfg.QueueSize, d.process, poolOpts...)
	return d
}

// Start starts the workers
func (d *Dispatcher) Start(ctx context.Context) error {
	return d.pool.Start(ctx)
}

// Stop waits up to timeout for queued actions, then cancels the rest
func (d *Dispatcher) Stop(timeout time.Duration) error {
	return d.pool.Stop(timeout)
}

// Stats returns pool counters
func (d *Dispatcher) Stats() worker.PoolStats {
	return d.pool.Stats()
}

// Submit queues an action. With the drop policy a full queue discards it with a log line.
func (d *Dispatcher) Submit(ctx context.Context, cell tenant.Cell, info Info, e *event.Event) {
	err := d.pool.Submit(ctx, Task{Cell: cell, Info: info, Event: e})
	if err == nil {
		return
	}
	d.metrics.RecordAction(info.Action, "dropped", 0)
	if errors.Is(err, worker.ErrQueueFull) {
		d.logger.Warn("Dispatch queue full, action dropped",
			"cell", cell.ID, "action", info.Action, "event_id", info.EventID)
		return
	}
	d.logger.Error("Failed to submit action",
		"cell", cell.ID, "action", info.Action, "event_id", info.EventID, "error", err)
}

func (d *Dispatcher) process(ctx context.Context, t Task) error {
	d.Dispatch(ctx, t.Cell, t.Info, t.Event)
	return nil
}

// Dispatch runs one action synchronously. The cell stays pinned until it returns, also
// when the action panics. Unknown action names are dropped silently.
func (d *Dispatcher) Dispatch(ctx context.Context, cell tenant.Cell, info Info, e *event.Event) {
	d.lifecycle.Pin(cell.ID)
	start := time.Now()
	outcome := resultNone
	defer func() {
		if r := recover(); r != nil {
			outcome = resultPanic
			d.logger.Error("Action panicked",
				"cell", cell.ID, "action", info.Action, "event_id", info.EventID, "panic", fmt.Sprint(r))
			d.metrics.RecordError("dispatcher", "panic")
		}
		d.metrics.RecordAction(info.Action, outcome, time.Since(start))
		d.lifecycle.Unpin(cell.ID)
	}()

	if d.lifecycle.Status(cell.ID) == tenant.StatusBulkDeletion {
		outcome = resultSkipped
		d.logger.Debug("Cell is being deleted, action skipped", "cell", cell.ID, "action", info.Action)
		return
	}

	a, ok := d.actions.Lookup(info.Action)
	if !ok {
		outcome = resultUnknown
		return
	}

	res := a.Execute(ctx, cell, info, e)
	if res == nil {
		return
	}
	outcome = res.Info
	d.actions.ResultLog().WriteResult(cell, res, e)
}
