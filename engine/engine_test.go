package engine

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/personium/personium-core-sub028/action"
	"github.com/personium/personium-core-sub028/bus"
	"github.com/personium/personium-core-sub028/entitystore"
	"github.com/personium/personium-core-sub028/errors"
	"github.com/personium/personium-core-sub028/event"
	"github.com/personium/personium-core-sub028/logsink"
	"github.com/personium/personium-core-sub028/metric"
	"github.com/personium/personium-core-sub028/pkg/retry"
	"github.com/personium/personium-core-sub028/ruleindex"
	"github.com/personium/personium-core-sub028/tenant"
)

const (
	inbound = "in"
	ruleSub = "rules"
)

type journal struct {
	mu    sync.Mutex
	steps []string
}

func (j *journal) add(step string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.steps = append(j.steps, step)
}

func (j *journal) Steps() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.steps...)
}

type fakeIndex struct {
	journal *journal
	loadErr error
	reject  bool

	mu      sync.Mutex
	judged  []*event.Event
	mutated []*event.Event
}

func (f *fakeIndex) Load(context.Context) error {
	f.journal.add("load")
	return f.loadErr
}

func (f *fakeIndex) Judge(_ context.Context, e *event.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.judged = append(f.judged, e)
}

func (f *fakeIndex) ApplyMutation(_ context.Context, e *event.Event) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mutated = append(f.mutated, e)
	return !f.reject
}

func (f *fakeIndex) counts() (judged, mutated int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.judged), len(f.mutated)
}

type fakeRunner struct {
	name    string
	journal *journal
	onStart func()
}

func (r *fakeRunner) Start(context.Context) error {
	if r.onStart != nil {
		r.onStart()
	}
	r.journal.add(r.name + ".start")
	return nil
}

func (r *fakeRunner) Stop(time.Duration) error {
	r.journal.add(r.name + ".stop")
	return nil
}

func testConfig() Config {
	return Config{
		InboundTopic:     inbound,
		RuleTopic:        ruleSub,
		GeneralConsumers: 2,
		AdminConsumers:   1,
		Resubscribe: retry.Config{
			MaxAttempts:  -1,
			InitialDelay: 5 * time.Millisecond,
			MaxDelay:     20 * time.Millisecond,
			Multiplier:   2,
		},
		ResubscribeRate:  1000,
		ResubscribeBurst: 10,
	}
}

type harness struct {
	bus        *bus.Memory
	index      *fakeIndex
	dispatcher *fakeRunner
	timers     *fakeRunner
	journal    *journal
	svc        *Service
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	j := &journal{}
	h := &harness{
		bus:        bus.NewMemory(16),
		index:      &fakeIndex{journal: j},
		dispatcher: &fakeRunner{name: "dispatcher", journal: j},
		timers:     &fakeRunner{name: "timers", journal: j},
		journal:    j,
	}
	svc, err := New(h.bus, h.index, h.dispatcher, h.timers, testConfig(), opts...)
	require.NoError(t, err)
	h.svc = svc
	return h
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		valid  bool
	}{
		{"defaults", func(*Config) {}, true},
		{"no inbound", func(c *Config) { c.InboundTopic = "" }, false},
		{"no rule topic", func(c *Config) { c.RuleTopic = "" }, false},
		{"same topics", func(c *Config) { c.RuleTopic = c.InboundTopic }, false},
		{"no general consumers", func(c *Config) { c.GeneralConsumers = 0 }, false},
		{"no admin consumers", func(c *Config) { c.AdminConsumers = -1 }, false},
		{"zero rate", func(c *Config) { c.ResubscribeRate = 0 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestNew_FillsZeroDefaults(t *testing.T) {
	svc, err := New(bus.NewMemory(1), &fakeIndex{journal: &journal{}}, &fakeRunner{journal: &journal{}}, nil,
		Config{InboundTopic: "a", RuleTopic: "b"})
	require.NoError(t, err)
	assert.Equal(t, 2, svc.cfg.GeneralConsumers)
	assert.Equal(t, 1, svc.cfg.AdminConsumers)
	assert.Equal(t, -1, svc.cfg.Resubscribe.MaxAttempts)

	_, err = New(bus.NewMemory(1), &fakeIndex{}, &fakeRunner{}, nil, Config{InboundTopic: "a", RuleTopic: "a"})
	assert.Error(t, err)
}

func TestStart_Order(t *testing.T) {
	h := newHarness(t)
	h.timers.onStart = func() {
		assert.Equal(t, 2, h.bus.Subscribers(inbound), "general consumers subscribed before timers start")
		assert.Equal(t, 1, h.bus.Subscribers(ruleSub), "admin consumer subscribed before timers start")
	}

	require.NoError(t, h.svc.Start(context.Background()))
	defer h.svc.Stop(time.Second)

	assert.Equal(t, []string{"load", "dispatcher.start", "timers.start"}, h.journal.Steps())
	assert.NoError(t, h.svc.Health())
	assert.Equal(t, 2, h.svc.Subscriptions(KindGeneral))
	assert.Equal(t, 1, h.svc.Subscriptions(KindAdmin))

	assert.ErrorIs(t, h.svc.Start(context.Background()), errors.ErrAlreadyStarted)
}

func TestStart_LoadFailure(t *testing.T) {
	h := newHarness(t)
	h.index.loadErr = errors.ErrStorageUnavailable

	err := h.svc.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.Equal(t, []string{"load"}, h.journal.Steps())
	assert.Zero(t, h.bus.Subscribers(inbound))

	assert.ErrorIs(t, h.svc.Stop(time.Second), errors.ErrNotStarted)
}

func TestStart_SubscribeFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	h.bus.Close()

	require.Error(t, h.svc.Start(context.Background()))
	assert.Equal(t, []string{"load", "dispatcher.start", "dispatcher.stop"}, h.journal.Steps())
	assert.Zero(t, h.svc.Subscriptions(KindGeneral))
}

func TestConsumers_RouteByTopic(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.svc.Start(context.Background()))
	defer h.svc.Stop(time.Second)

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		require.NoError(t, h.bus.Publish(ctx, inbound, &event.Event{CellID: "c", Type: "odata.create"}))
	}
	require.NoError(t, h.bus.Publish(ctx, ruleSub, &event.Event{CellID: "c", Type: event.TypeRuleCreate}))

	require.Eventually(t, func() bool {
		judged, mutated := h.index.counts()
		return judged == 4 && mutated == 1
	}, time.Second, 5*time.Millisecond)
}

func TestConsumers_AdminBusCarriesRuleTopic(t *testing.T) {
	admin := bus.NewMemory(16)
	h := newHarness(t, WithAdminBus(admin))
	require.NoError(t, h.svc.Start(context.Background()))
	defer h.svc.Stop(time.Second)

	assert.Equal(t, 2, h.bus.Subscribers(inbound))
	assert.Zero(t, h.bus.Subscribers(ruleSub), "rule topic stays off the load balanced bus")
	assert.Equal(t, 1, admin.Subscribers(ruleSub))
	assert.Zero(t, admin.Subscribers(inbound))

	require.NoError(t, admin.Publish(context.Background(), ruleSub, &event.Event{CellID: "c", Type: event.TypeRuleCreate}))
	require.Eventually(t, func() bool {
		_, mutated := h.index.counts()
		return mutated == 1
	}, time.Second, 5*time.Millisecond)

	admin.Disconnect(ruleSub)
	require.Eventually(t, func() bool {
		return admin.Subscribers(ruleSub) == 1 && h.svc.Subscriptions(KindAdmin) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, h.bus.Subscribers(ruleSub), "resubscribes on the admin bus")
}

func TestConsumers_ResubscribeAfterEndOfStream(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.svc.Start(context.Background()))
	defer h.svc.Stop(time.Second)

	h.bus.Disconnect(inbound)
	require.Eventually(t, func() bool {
		return h.bus.Subscribers(inbound) == 2 && h.svc.Subscriptions(KindGeneral) == 2
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, h.bus.Publish(context.Background(), inbound, &event.Event{CellID: "c"}))
	require.Eventually(t, func() bool {
		judged, _ := h.index.counts()
		return judged == 1
	}, time.Second, 5*time.Millisecond)
	assert.NoError(t, h.svc.Health())
}

func TestStop(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.svc.Start(context.Background()))

	require.NoError(t, h.svc.Stop(time.Second))
	select {
	case <-h.svc.Done():
	default:
		t.Fatal("consumers still running after Stop")
	}
	assert.NoError(t, h.svc.Err())
	assert.Equal(t, []string{"load", "dispatcher.start", "timers.start", "timers.stop", "dispatcher.stop"},
		h.journal.Steps())
	assert.Zero(t, h.bus.Subscribers(inbound))
	assert.Zero(t, h.bus.Subscribers(ruleSub))
	assert.Error(t, h.svc.Health())

	assert.ErrorIs(t, h.svc.Stop(time.Second), errors.ErrNotStarted)
}

func TestConsumers_ExitOnContextCancel(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, h.svc.Start(ctx))

	cancel()
	select {
	case <-h.svc.Done():
	case <-time.After(time.Second):
		t.Fatal("consumers did not exit on cancel")
	}
	require.NoError(t, h.svc.Stop(time.Second))
}

func TestRejectedMutationsCounted(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	h := newHarness(t, WithMetricsRegistry(registry))
	h.index.reject = true
	require.NoError(t, h.svc.Start(context.Background()))
	defer h.svc.Stop(time.Second)

	require.NoError(t, h.bus.Publish(context.Background(), ruleSub, &event.Event{CellID: "c", Type: event.TypeRuleDelete}))
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(h.svc.metrics.rejected) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.svc.metrics.consumed.WithLabelValues(KindAdmin)))
	assert.Equal(t, float64(2), testutil.ToFloat64(h.svc.metrics.subscribed.WithLabelValues(KindGeneral)))
}

// TestEndToEnd runs a box update through a real index and dispatcher into the tenant log
func TestEndToEnd(t *testing.T) {
	const unit = "https://unit.example/"
	cell := tenant.Cell{ID: "t1", Name: "c1", URL: unit + "c1/"}

	store := entitystore.NewMemory()
	store.PutCell(cell)
	store.PutRule(cell.ID, entitystore.Rule{
		Name: "audit", External: entitystore.BoolPtr(false), Type: event.TypeBoxUpdate, Action: action.NameLogInfo,
	})

	lifecycle := tenant.NewRegistry()
	sink := logsink.NewMemory()
	actions, err := action.NewRegistry(action.Deps{Sink: sink, UnitURL: unit})
	require.NoError(t, err)
	dispatcher := action.NewDispatcher(actions, lifecycle, action.DispatcherConfig{Workers: 2, QueueSize: 8})

	b := bus.NewMemory(16)
	index := ruleindex.New(store, lifecycle, dispatcher, b, ruleindex.Config{
		UnitURL: unit,
		Topics:  ruleindex.Topics{Events: "out", Rules: ruleSub},
	})

	svc, err := New(b, index, dispatcher, nil, testConfig())
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop(time.Second)

	require.NoError(t, b.Publish(context.Background(), inbound, &event.Event{
		CellID: cell.ID, Type: event.TypeBoxUpdate, Object: "Box('bx')", RequestKey: "rk-1",
	}))

	require.Eventually(t, func() bool {
		return len(sink.Records()) == 1
	}, time.Second, 5*time.Millisecond)
	rec := sink.Records()[0]
	assert.Equal(t, cell.ID, rec.CellID)
	assert.Equal(t, logsink.LevelInfo, rec.Level)
	assert.True(t, strings.Contains(rec.Line, "rk-1"), rec.Line)

	require.Len(t, b.Published("out"), 1)
	// the administrative re-publication reaches the admin consumer, which re-applies the box update
	require.Len(t, b.Published(ruleSub), 1)
	require.Eventually(t, lifecycle.Idle, time.Second, 5*time.Millisecond)
}
