package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/personium/personium-core-sub028/event"
)

func receive(t *testing.T, s Subscription) *event.Event {
	t.Helper()
	select {
	case e, ok := <-s.Events():
		require.True(t, ok, "subscription closed")
		return e
	case <-time.After(time.Second):
		t.Fatal("no event received")
		return nil
	}
}

func TestMemory_PublishSubscribe(t *testing.T) {
	b := NewMemory(4)
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "inbound")
	require.NoError(t, err)

	orig := &event.Event{External: true, Type: "t1", CellID: "c1"}
	require.NoError(t, b.Publish(ctx, "inbound", orig))

	got := receive(t, sub)
	assert.Equal(t, "t1", got.Type)
	assert.NotSame(t, orig, got)
	assert.Len(t, b.Published("inbound"), 1)
}

func TestMemory_LoadBalances(t *testing.T) {
	b := NewMemory(8)
	ctx := context.Background()

	s1, _ := b.Subscribe(ctx, "inbound")
	s2, _ := b.Subscribe(ctx, "inbound")
	for i := 0; i < 4; i++ {
		require.NoError(t, b.Publish(ctx, "inbound", &event.Event{Info: event.FormatHop(i)}))
	}
	assert.Len(t, s1.Events(), 2)
	assert.Len(t, s2.Events(), 2)
}

func TestMemory_NoSubscriberOnlyRecords(t *testing.T) {
	b := NewMemory(1)
	require.NoError(t, b.Publish(context.Background(), "events", &event.Event{Type: "x"}))
	assert.Len(t, b.Published("events"), 1)
	assert.Empty(t, b.Published("rules"))
}

func TestMemory_DisconnectEndsStream(t *testing.T) {
	b := NewMemory(1)
	sub, err := b.Subscribe(context.Background(), "inbound")
	require.NoError(t, err)
	assert.Equal(t, 1, b.Subscribers("inbound"))

	b.Disconnect("inbound")
	_, ok := <-sub.Events()
	assert.False(t, ok)
	assert.Zero(t, b.Subscribers("inbound"))
	// unsubscribing an ended stream is harmless
	assert.NoError(t, sub.Unsubscribe())
}

func TestMemory_PublishHonorsContextWhenFull(t *testing.T) {
	b := NewMemory(1)
	_, err := b.Subscribe(context.Background(), "inbound")
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), "inbound", &event.Event{}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, b.Publish(ctx, "inbound", &event.Event{}), context.DeadlineExceeded)
}

func TestMemory_UnsubscribeUnblocksPublisher(t *testing.T) {
	b := NewMemory(1)
	sub, _ := b.Subscribe(context.Background(), "inbound")
	require.NoError(t, b.Publish(context.Background(), "inbound", &event.Event{}))

	done := make(chan error, 1)
	go func() { done <- b.Publish(context.Background(), "inbound", &event.Event{}) }()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, sub.Unsubscribe())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("publisher stayed blocked")
	}
}

func TestMemory_Close(t *testing.T) {
	b := NewMemory(1)
	sub, _ := b.Subscribe(context.Background(), "rules")
	b.Close()

	_, ok := <-sub.Events()
	assert.False(t, ok)
	assert.Error(t, b.Publish(context.Background(), "rules", &event.Event{}))
	_, err := b.Subscribe(context.Background(), "rules")
	assert.Error(t, err)
}
