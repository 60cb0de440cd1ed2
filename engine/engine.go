package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/personium/personium-core-sub028/bus"
	"github.com/personium/personium-core-sub028/errors"
	"github.com/personium/personium-core-sub028/event"
	"github.com/personium/personium-core-sub028/metric"
	"github.com/personium/personium-core-sub028/pkg/retry"
)

// Consumer kinds
const (
	KindGeneral = "general"
	KindAdmin   = "admin"
)

// Index is the part of the rule index the consumers drive
type Index interface {
	Load(ctx context.Context) error
	Judge(ctx context.Context, e *event.Event)
	ApplyMutation(ctx context.Context, e *event.Event) bool
}

// Runner is a background component with a bounded stop, like the dispatch pool and the
// timer scheduler
type Runner interface {
	Start(ctx context.Context) error
	Stop(timeout time.Duration) error
}

// Config configures the service
type Config struct {
	InboundTopic     string
	RuleTopic        string
	GeneralConsumers int
	AdminConsumers   int

	// Resubscribe is the backoff between attempts to re-open an ended subscription
	Resubscribe retry.Config
	// ResubscribeRate bounds re-subscriptions per second across all consumers
	ResubscribeRate  float64
	ResubscribeBurst int
}

// DefaultConfig returns the service defaults
func DefaultConfig() Config {
	return Config{
		InboundTopic:     "personium.event",
		RuleTopic:        "personium.rule",
		GeneralConsumers: 2,
		AdminConsumers:   1,
		Resubscribe:      retry.Persistent(),
		ResubscribeRate:  5,
		ResubscribeBurst: 5,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.InboundTopic == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "engine", "Validate", "inbound topic")
	}
	if c.RuleTopic == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "engine", "Validate", "rule topic")
	}
	if c.InboundTopic == c.RuleTopic {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "engine", "Validate",
			"inbound and rule topics must differ")
	}
	if c.GeneralConsumers < 1 || c.AdminConsumers < 1 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "engine", "Validate",
			fmt.Sprintf("need at least one consumer of each kind, got general=%d admin=%d",
				c.GeneralConsumers, c.AdminConsumers))
	}
	if c.ResubscribeRate <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "engine", "Validate", "resubscribe rate must be positive")
	}
	return nil
}

// Service is the rule engine service. Construct it with New.
type Service struct {
	bus        bus.Bus
	adminBus   bus.Bus
	index      Index
	dispatcher Runner
	timers     Runner
	cfg        Config
	logger     *slog.Logger
	metrics    *engineMetrics
	limiter    *rate.Limiter

	mu       sync.Mutex
	started  bool
	cancel   context.CancelFunc
	done     chan struct{}
	err      error
	open     map[string]int
	handlers map[string]func(context.Context, *event.Event)
}

// Option configures a Service
type Option func(*Service)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithAdminBus subscribes the admin consumers on b instead of the service bus. Every
// engine process has to see every rule mutation, so b should not load balance.
func WithAdminBus(b bus.Bus) Option {
	return func(s *Service) {
		if b != nil {
			s.adminBus = b
		}
	}
}

// WithMetricsRegistry registers the consumer metrics
func WithMetricsRegistry(registry *metric.MetricsRegistry) Option {
	return func(s *Service) {
		m, err := newEngineMetrics(registry)
		if err != nil {
			s.logger.Error("Failed to initialize engine metrics", "error", err)
			return
		}
		s.metrics = m
	}
}

// New creates the service. timers may be nil when no scheduler runs.
func New(b bus.Bus, index Index, dispatcher Runner, timers Runner, cfg Config, opts ...Option) (*Service, error) {
	def := DefaultConfig()
	if cfg.GeneralConsumers == 0 {
		cfg.GeneralConsumers = def.GeneralConsumers
	}
	if cfg.AdminConsumers == 0 {
		cfg.AdminConsumers = def.AdminConsumers
	}
	if cfg.ResubscribeRate == 0 {
		cfg.ResubscribeRate = def.ResubscribeRate
	}
	if cfg.ResubscribeBurst <= 0 {
		cfg.ResubscribeBurst = def.ResubscribeBurst
	}
	if cfg.Resubscribe.MaxAttempts == 0 {
		cfg.Resubscribe = def.Resubscribe
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Service{
		bus:        b,
		adminBus:   b,
		index:      index,
		dispatcher: dispatcher,
		timers:     timers,
		cfg:        cfg,
		logger:     slog.Default(),
		limiter:    rate.NewLimiter(rate.Limit(cfg.ResubscribeRate), cfg.ResubscribeBurst),
		open:       make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "engine")
	s.handlers = map[string]func(context.Context, *event.Event){
		KindGeneral: s.judge,
		KindAdmin:   s.mutate,
	}
	return s, nil
}

type consumer struct {
	kind  string
	id    int
	topic string
	bus   bus.Bus
	sub   bus.Subscription
}

// Start loads the index, starts the dispatch pool, subscribes the consumers and then starts
// the timer scheduler. The consumers run until ctx is cancelled or Stop is called.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.ErrAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	fail := func(err error) error {
		s.mu.Lock()
		s.started = false
		s.mu.Unlock()
		return err
	}

	if err := s.index.Load(ctx); err != nil {
		return fail(errors.WrapTransient(err, "Service", "Start", "load rule index"))
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := s.dispatcher.Start(runCtx); err != nil {
		cancel()
		return fail(errors.Wrap(err, "Service", "Start", "start dispatcher"))
	}

	var consumers []*consumer
	add := func(kind, topic string, b bus.Bus, n int) error {
		for i := 0; i < n; i++ {
			sub, err := b.Subscribe(runCtx, topic)
			if err != nil {
				return errors.WrapTransient(err, "Service", "Start", fmt.Sprintf("subscribe %s consumer to %s", kind, topic))
			}
			s.opened(kind)
			consumers = append(consumers, &consumer{kind: kind, id: i, topic: topic, bus: b, sub: sub})
		}
		return nil
	}
	err := add(KindGeneral, s.cfg.InboundTopic, s.bus, s.cfg.GeneralConsumers)
	if err == nil {
		err = add(KindAdmin, s.cfg.RuleTopic, s.adminBus, s.cfg.AdminConsumers)
	}
	if err != nil {
		for _, c := range consumers {
			_ = c.sub.Unsubscribe()
			s.closed(c.kind)
		}
		cancel()
		_ = s.dispatcher.Stop(time.Second)
		return fail(err)
	}

	g, gctx := errgroup.WithContext(runCtx)
	for _, c := range consumers {
		c := c
		g.Go(func() error {
			return s.consume(gctx, c)
		})
	}

	if s.timers != nil {
		if err := s.timers.Start(runCtx); err != nil {
			s.logger.Error("Timer scheduler failed to start; timer rules will not fire", "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		err := g.Wait()
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(done)
	}()

	s.mu.Lock()
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	s.logger.Info("Rule engine started",
		"inbound", s.cfg.InboundTopic, "rules", s.cfg.RuleTopic,
		"general_consumers", s.cfg.GeneralConsumers, "admin_consumers", s.cfg.AdminConsumers)
	return nil
}

// Stop cancels the consumers and stops the scheduler and the dispatch pool, waiting up to
// timeout for each.
func (s *Service) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if !s.started || s.cancel == nil {
		s.mu.Unlock()
		return errors.ErrNotStarted
	}
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()

	cancel()

	var stopErr error
	select {
	case <-done:
	case <-time.After(timeout):
		stopErr = errors.WrapTransient(errors.ErrShuttingDown, "Service", "Stop", "consumers did not exit in time")
	}
	if s.timers != nil {
		if err := s.timers.Stop(timeout); err != nil && stopErr == nil {
			stopErr = err
		}
	}
	if err := s.dispatcher.Stop(timeout); err != nil && stopErr == nil {
		stopErr = err
	}

	s.mu.Lock()
	s.started = false
	s.mu.Unlock()

	s.logger.Info("Rule engine stopped")
	return stopErr
}

// Done is closed once every consumer has exited. It is nil before Start.
func (s *Service) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Err returns the error that ended the consumers, if any
func (s *Service) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Subscriptions returns the number of open subscriptions of a consumer kind
func (s *Service) Subscriptions(kind string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open[kind]
}

// Health reports an error while any consumer is without a subscription
func (s *Service) Health() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return errors.ErrNotStarted
	}
	if s.open[KindGeneral] < s.cfg.GeneralConsumers || s.open[KindAdmin] < s.cfg.AdminConsumers {
		return errors.WrapTransient(errors.ErrSubscriptionClosed, "Service", "Health",
			fmt.Sprintf("subscribed general %d of %d, admin %d of %d",
				s.open[KindGeneral], s.cfg.GeneralConsumers, s.open[KindAdmin], s.cfg.AdminConsumers))
	}
	return nil
}

func (s *Service) opened(kind string) {
	s.mu.Lock()
	s.open[kind]++
	s.mu.Unlock()
	s.metrics.subscriptionOpened(kind)
}

func (s *Service) closed(kind string) {
	s.mu.Lock()
	s.open[kind]--
	s.mu.Unlock()
	s.metrics.subscriptionClosed(kind)
}

// consume reads c's subscription until ctx ends, subscribing again whenever the stream ends
func (s *Service) consume(ctx context.Context, c *consumer) error {
	logger := s.logger.With("consumer", c.kind, "id", c.id, "topic", c.topic)
	handle := s.handlers[c.kind]

	for {
		s.drain(ctx, c.kind, c.sub, handle)
		if err := c.sub.Unsubscribe(); err != nil {
			logger.Debug("Unsubscribe failed", "error", err)
		}
		s.closed(c.kind)

		if ctx.Err() != nil {
			return nil
		}

		logger.Warn("Subscription ended, subscribing again")
		sub, err := s.resubscribe(ctx, c.bus, c.topic)
		if err != nil {
			s.metrics.recordResubscribe(c.kind, false)
			if ctx.Err() != nil {
				return nil
			}
			return errors.WrapTransient(err, "Service", "consume", "resubscribe to "+c.topic)
		}
		s.metrics.recordResubscribe(c.kind, true)
		s.opened(c.kind)
		c.sub = sub
		logger.Info("Subscription re-established")
	}
}

// drain hands every event of sub to handle until the stream ends or ctx is done
func (s *Service) drain(ctx context.Context, kind string, sub bus.Subscription,
	handle func(context.Context, *event.Event)) {
	events := sub.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			s.metrics.recordConsumed(kind)
			handle(ctx, e)
		}
	}
}

func (s *Service) resubscribe(ctx context.Context, b bus.Bus, topic string) (bus.Subscription, error) {
	cfg := s.cfg.Resubscribe
	cfg.OnRetry = func(attempt int, err error, next time.Duration) {
		s.logger.Warn("Resubscribe failed", "topic", topic, "attempt", attempt, "next", next, "error", err)
	}
	return retry.DoWithResult(ctx, cfg, func() (bus.Subscription, error) {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, retry.NonRetryable(err)
		}
		return b.Subscribe(ctx, topic)
	})
}

func (s *Service) judge(ctx context.Context, e *event.Event) {
	s.index.Judge(ctx, e)
}

func (s *Service) mutate(ctx context.Context, e *event.Event) {
	if !s.index.ApplyMutation(ctx, e) {
		s.metrics.recordRejected()
		s.logger.Warn("Mutation not applied", "cell", e.CellID, "type", e.Type, "object", e.Object)
	}
}
