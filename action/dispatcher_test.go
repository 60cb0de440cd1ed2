package action

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/personium/personium-core-sub028/event"
	"github.com/personium/personium-core-sub028/logsink"
	"github.com/personium/personium-core-sub028/metric"
	"github.com/personium/personium-core-sub028/tenant"
)

type panicAction struct{}

func (panicAction) Execute(context.Context, tenant.Cell, Info, *event.Event) *event.Event {
	panic("boom")
}

type countingAction struct {
	calls atomic.Int32
	res   *event.Event
}

func (a *countingAction) Execute(_ context.Context, _ tenant.Cell, _ Info, e *event.Event) *event.Event {
	a.calls.Add(1)
	if a.res == nil {
		return nil
	}
	return a.res
}

func newTestDispatcher(t *testing.T, extra map[string]Action) (*Dispatcher, *logsink.Memory, *tenant.Registry) {
	t.Helper()
	sink := logsink.NewMemory()
	reg, err := NewRegistry(Deps{Sink: sink})
	require.NoError(t, err)
	for name, a := range extra {
		reg.actions[name] = a
	}
	lifecycle := tenant.NewRegistry()
	d := NewDispatcher(reg, lifecycle, DispatcherConfig{Workers: 2, QueueSize: 8},
		WithDispatcherMetrics(metric.NewMetricsRegistry()))
	return d, sink, lifecycle
}

var testCell = tenant.Cell{ID: "cid", Name: "c", URL: "https://u/c/"}

func TestDispatch_UnknownActionIsDroppedSilently(t *testing.T) {
	d, sink, lifecycle := newTestDispatcher(t, nil)

	d.Dispatch(context.Background(), testCell, Info{Action: "mail"}, &event.Event{})

	assert.Empty(t, sink.Records())
	assert.Equal(t, 0, lifecycle.Pins("cid"))
}

func TestDispatch_ResultIsLoggedAtInfo(t *testing.T) {
	res := &event.Event{Type: NameExec, Info: "200", EventID: "eid"}
	a := &countingAction{res: res}
	d, sink, lifecycle := newTestDispatcher(t, map[string]Action{"test": a})

	orig := &event.Event{EventID: "eid", Type: "odata.create", Object: "personium-localcell:/box/odata/Ent('1')"}
	d.Dispatch(context.Background(), testCell, Info{Action: "test"}, orig)

	assert.Equal(t, int32(1), a.calls.Load())
	recs := sink.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, logsink.LevelInfo, recs[0].Level)
	assert.True(t, strings.HasSuffix(recs[0].Line, ",exec,,200,odata.create,personium-localcell:/box/odata/Ent('1')"),
		recs[0].Line)
	assert.Equal(t, 0, lifecycle.Pins("cid"))
}

func TestDispatch_LogActionWritesOnce(t *testing.T) {
	d, sink, _ := newTestDispatcher(t, nil)

	d.Dispatch(context.Background(), testCell, Info{Action: NameLogError}, &event.Event{Type: "x"})

	recs := sink.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, logsink.LevelError, recs[0].Level)
}

func TestDispatch_PanicStillUnpins(t *testing.T) {
	d, sink, lifecycle := newTestDispatcher(t, map[string]Action{"bad": panicAction{}})

	assert.NotPanics(t, func() {
		d.Dispatch(context.Background(), testCell, Info{Action: "bad"}, &event.Event{})
	})
	assert.Equal(t, 0, lifecycle.Pins("cid"))
	assert.Empty(t, sink.Records())
}

func TestDispatch_SkipsCellBeingDeleted(t *testing.T) {
	a := &countingAction{}
	d, _, lifecycle := newTestDispatcher(t, map[string]Action{"test": a})
	lifecycle.SetStatus("cid", tenant.StatusBulkDeletion)

	d.Dispatch(context.Background(), testCell, Info{Action: "test"}, &event.Event{})

	assert.Zero(t, a.calls.Load())
	assert.Equal(t, 0, lifecycle.Pins("cid"))
}

func TestDispatcher_SubmitRunsOnPool(t *testing.T) {
	a := &countingAction{}
	d, _, lifecycle := newTestDispatcher(t, map[string]Action{"test": a})
	require.NoError(t, d.Start(context.Background()))

	for i := 0; i < 5; i++ {
		d.Submit(context.Background(), testCell, Info{Action: "test"}, &event.Event{})
	}

	assert.Eventually(t, func() bool { return a.calls.Load() == 5 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, d.Stop(time.Second))
	assert.True(t, lifecycle.Idle())
	assert.Equal(t, int64(5), d.Stats().Processed)
}

func TestDispatcher_SubmitBeforeStartDoesNotPanic(t *testing.T) {
	d, _, _ := newTestDispatcher(t, nil)
	assert.NotPanics(t, func() {
		d.Submit(context.Background(), testCell, Info{Action: NameLog}, &event.Event{})
	})
}
