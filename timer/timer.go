// Package timer turns timer rules into synthetic events.
//
// Timer rules are grouped into buckets by schedule: "p<intervalMillis>" for periodic rules
// and "o<epochMillis>" for one-shot rules. Each bucket owns at most one scheduled task.
// When it fires, one event per registered rule is posted to the bus, so timer events take
// the same path through rule matching as any other event.
package timer

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/personium/personium-core-sub028/bus"
	"github.com/personium/personium-core-sub028/errors"
	"github.com/personium/personium-core-sub028/event"
	"github.com/personium/personium-core-sub028/metric"
	"github.com/personium/personium-core-sub028/pkg/worker"
)

// Bucket kinds
const (
	KindPeriodic = "periodic"
	KindOneshot  = "oneshot"
)

// Rule identifies a timer rule. Identical rules registered more than once share one entry.
type Rule struct {
	CellID  string
	BoxID   string
	Subject string
	Type    string
	Object  string
	Info    string
}

// SchemaResolver gives the schema of a box, or "" when unknown
type SchemaResolver interface {
	BoxSchema(cellID, boxID string) string
}

// Config configures the scheduler
type Config struct {
	// Workers is the number of goroutines publishing fired buckets
	Workers   int `json:"workers" yaml:"workers"`
	QueueSize int `json:"queue_size" yaml:"queue_size"`
}

// DefaultConfig returns scheduler defaults
func DefaultConfig() Config {
	return Config{Workers: 2, QueueSize: 64}
}

type entry struct {
	rule  Rule
	count int
}

type bucket struct {
	key      string
	kind     string
	interval time.Duration
	at       time.Time
	cells    map[string]map[Rule]*entry
	cancel   context.CancelFunc
}

func (b *bucket) empty() bool {
	return len(b.cells) == 0
}

func (b *bucket) size() int {
	n := 0
	for _, rules := range b.cells {
		n += len(rules)
	}
	return n
}

// Scheduler owns the timer buckets. Its lock is independent of the rule index; firing
// publishes through the bus and never calls back into matching.
type Scheduler struct {
	bus     bus.Bus
	topic   string
	schemas SchemaResolver
	pool    *worker.Pool[string]
	now     func() time.Time
	logger  *slog.Logger
	metrics *metric.Metrics

	mu      sync.Mutex
	buckets map[string]*bucket
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics records fires and bucket counts
func WithMetrics(m *metric.Metrics) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// WithClock replaces the time source used for scheduling
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// NewScheduler creates a scheduler posting fired events to topic
func NewScheduler(b bus.Bus, topic string, schemas SchemaResolver, cfg Config, opts ...Option) *Scheduler {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	s := &Scheduler{
		bus:     b,
		topic:   topic,
		schemas: schemas,
		now:     time.Now,
		logger:  slog.Default(),
		buckets: make(map[string]*bucket),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "timer")
	s.pool = worker.NewPool(cfg.Workers, cfg.QueueSize, func(ctx context.Context, key string) error {
		s.Fire(ctx, key)
		return nil
	}, worker.WithPolicy[string](worker.PolicyDrop))
	return s
}

// Largest schedules that still fit a time.Duration
const (
	maxPeriodicMinutes = math.MaxInt64 / int64(time.Minute)
	maxMillis          = math.MaxInt64 / int64(time.Millisecond)
)

// BucketKey computes the bucket of a timer rule. The boolean is false for a one-shot
// rule whose time has passed.
func BucketKey(r Rule, now time.Time) (string, bool, error) {
	switch r.Type {
	case event.TypeTimerPeriodic:
		minutes, err := strconv.ParseInt(strings.TrimSpace(r.Object), 10, 64)
		if err != nil || minutes <= 0 || minutes > maxPeriodicMinutes {
			return "", false, errors.WrapInvalid(errors.ErrInvalidData, "Scheduler", "BucketKey",
				fmt.Sprintf("periodic interval %q", r.Object))
		}
		return "p" + strconv.FormatInt(minutes*time.Minute.Milliseconds(), 10), true, nil
	case event.TypeTimerOneshot:
		at, err := strconv.ParseInt(strings.TrimSpace(r.Object), 10, 64)
		if err != nil || at < 0 || at > maxMillis {
			return "", false, errors.WrapInvalid(errors.ErrInvalidData, "Scheduler", "BucketKey",
				fmt.Sprintf("oneshot time %q", r.Object))
		}
		at -= at % time.Minute.Milliseconds()
		return "o" + strconv.FormatInt(at, 10), at > now.UnixMilli(), nil
	default:
		return "", false, errors.WrapInvalid(errors.ErrUnsupportedType, "Scheduler", "BucketKey", r.Type)
	}
}

func parseBucket(key string) (*bucket, error) {
	if len(key) < 2 {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "Scheduler", "parseBucket", key)
	}
	ms, err := strconv.ParseInt(key[1:], 10, 64)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Scheduler", "parseBucket", key)
	}
	if ms < 0 || ms > maxMillis || (key[0] == 'p' && ms == 0) {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "Scheduler", "parseBucket", key)
	}
	b := &bucket{key: key, cells: make(map[string]map[Rule]*entry)}
	switch key[0] {
	case 'p':
		b.kind = KindPeriodic
		b.interval = time.Duration(ms) * time.Millisecond
	case 'o':
		b.kind = KindOneshot
		b.at = time.UnixMilli(ms)
	default:
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "Scheduler", "parseBucket", key)
	}
	return b, nil
}

// Register adds a timer rule. A one-shot rule in the past is accepted without scheduling.
func (s *Scheduler) Register(r Rule) error {
	key, schedule, err := BucketKey(r, s.now())
	if err != nil {
		return err
	}
	if !schedule {
		s.logger.Debug("One-shot timer already passed", "cell", r.CellID, "object", r.Object)
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[key]
	if !ok {
		b, err = parseBucket(key)
		if err != nil {
			return err
		}
		s.buckets[key] = b
	}
	rules, ok := b.cells[r.CellID]
	if !ok {
		rules = make(map[Rule]*entry)
		b.cells[r.CellID] = rules
	}
	if e, ok := rules[r]; ok {
		e.count++
	} else {
		rules[r] = &entry{rule: r, count: 1}
	}

	if s.started && b.cancel == nil {
		s.startTaskLocked(b)
	}
	s.metrics.SetTimerBuckets(len(s.buckets))
	return nil
}

// Unregister releases one registration of r. A bucket left without rules loses its task.
func (s *Scheduler) Unregister(r Rule) {
	key, _, err := BucketKey(r, s.now())
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[key]
	if !ok {
		return
	}
	rules := b.cells[r.CellID]
	e, ok := rules[r]
	if !ok {
		return
	}
	e.count--
	if e.count > 0 {
		return
	}
	delete(rules, r)
	if len(rules) == 0 {
		delete(b.cells, r.CellID)
	}
	if b.empty() {
		s.removeBucketLocked(b)
	}
}

// UnregisterCell drops every timer rule of a cell
func (s *Scheduler) UnregisterCell(cellID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.buckets {
		delete(b.cells, cellID)
		if b.empty() {
			s.removeBucketLocked(b)
		}
	}
}

func (s *Scheduler) removeBucketLocked(b *bucket) {
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
	delete(s.buckets, b.key)
	s.metrics.SetTimerBuckets(len(s.buckets))
}

// Fire posts one event per live rule in the bucket, removing consumed state
func (s *Scheduler) Fire(ctx context.Context, key string) {
	s.mu.Lock()
	b, ok := s.buckets[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	var fired []Rule
	for cellID, rules := range b.cells {
		for r, e := range rules {
			if e.count <= 0 {
				delete(rules, r)
				continue
			}
			fired = append(fired, e.rule)
		}
		if len(rules) == 0 {
			delete(b.cells, cellID)
		}
	}
	kind := b.kind
	if b.empty() || b.kind == KindOneshot {
		s.removeBucketLocked(b)
	}
	s.mu.Unlock()

	// schema lookups take the rule index lock, so they happen after ours is released
	now := s.now()
	for _, r := range fired {
		e := &event.Event{
			External: false,
			Subject:  r.Subject,
			Type:     r.Type,
			Object:   r.Object,
			Info:     r.Info,
			CellID:   r.CellID,
			EventID:  event.NewID(),
		}
		e.Stamp(now)
		if r.BoxID != "" && s.schemas != nil {
			e.Schema = s.schemas.BoxSchema(r.CellID, r.BoxID)
		}
		if err := s.bus.Publish(ctx, s.topic, e); err != nil {
			s.logger.Warn("Failed to post timer event", "bucket", key, "cell", r.CellID, "error", err)
			s.metrics.RecordError("timer", errors.Classify(err).String())
			continue
		}
		s.metrics.RecordTimerFire(kind)
	}
}

// Start schedules a task for every bucket
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Scheduler", "Start", "check running state")
	}
	if err := s.pool.Start(ctx); err != nil {
		return errors.WrapFatal(err, "Scheduler", "Start", "start fire pool")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = true
	for _, b := range s.buckets {
		s.startTaskLocked(b)
	}
	s.logger.Info("Timer scheduler started", "buckets", len(s.buckets))
	return nil
}

// Stop cancels all tasks and waits up to timeout for running fires
func (s *Scheduler) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.cancel()
	for _, b := range s.buckets {
		b.cancel = nil
	}
	s.mu.Unlock()

	s.wg.Wait()
	return s.pool.Stop(timeout)
}

// Tasks returns the number of scheduled tasks
func (s *Scheduler) Tasks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.buckets {
		if b.cancel != nil {
			n++
		}
	}
	return n
}

// Buckets returns bucket keys and their rule counts
func (s *Scheduler) Buckets() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.buckets))
	for key, b := range s.buckets {
		out[key] = b.size()
	}
	return out
}

// Keys returns the bucket keys in order
func (s *Scheduler) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.buckets))
	for key := range s.buckets {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// startTaskLocked requires s.mu and s.started
func (s *Scheduler) startTaskLocked(b *bucket) {
	if b.kind == KindPeriodic && b.interval <= 0 {
		s.logger.Error("Periodic bucket without interval not scheduled", "bucket", b.key)
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	b.cancel = cancel
	now := s.now()

	var first time.Duration
	switch b.kind {
	case KindPeriodic:
		// fire on wall clock multiples of the interval
		first = b.interval - time.Duration(now.UnixMilli()%b.interval.Milliseconds())*time.Millisecond
	default:
		first = max(b.at.Sub(now), 0)
	}

	s.wg.Add(1)
	go s.run(ctx, b.key, first, b.interval)
}

func (s *Scheduler) run(ctx context.Context, key string, first, every time.Duration) {
	defer s.wg.Done()
	t := time.NewTimer(first)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if err := s.pool.Submit(ctx, key); err != nil {
			s.logger.Warn("Timer fire skipped", "bucket", key, "error", err)
		}
		if every <= 0 {
			return
		}
		t.Reset(every)
	}
}
