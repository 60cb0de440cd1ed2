package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/personium/personium-core-sub028/metric"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_ProcessesAllWork(t *testing.T) {
	var count int64
	pool := NewPool(4, 100, func(_ context.Context, n int) error {
		atomic.AddInt64(&count, int64(n))
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))

	for i := 1; i <= 50; i++ {
		require.NoError(t, pool.Submit(context.Background(), i))
	}
	require.NoError(t, pool.Stop(5*time.Second))

	assert.Equal(t, int64(1275), atomic.LoadInt64(&count))
	stats := pool.Stats()
	assert.Equal(t, int64(50), stats.Submitted)
	assert.Equal(t, int64(50), stats.Processed)
	assert.Zero(t, stats.Failed)
}

func TestPool_SubmitBeforeStart(t *testing.T) {
	pool := NewPool(1, 1, func(context.Context, int) error { return nil })
	assert.ErrorIs(t, pool.Submit(context.Background(), 1), ErrPoolNotStarted)
}

func TestPool_StartTwice(t *testing.T) {
	pool := NewPool(1, 1, func(context.Context, int) error { return nil })
	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop(time.Second)
	assert.ErrorIs(t, pool.Start(context.Background()), ErrPoolAlreadyStarted)
}

func TestPool_SubmitAfterStop(t *testing.T) {
	pool := NewPool(1, 1, func(context.Context, int) error { return nil })
	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.Stop(time.Second))
	assert.ErrorIs(t, pool.Submit(context.Background(), 1), ErrPoolStopped)
	// second stop is a no-op
	assert.NoError(t, pool.Stop(time.Second))
}

func TestPool_DropPolicy(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	pool := NewPool(1, 1, func(_ context.Context, _ int) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))

	require.NoError(t, pool.Submit(context.Background(), 1))
	<-started
	require.NoError(t, pool.Submit(context.Background(), 2))
	assert.ErrorIs(t, pool.Submit(context.Background(), 3), ErrQueueFull)
	assert.Equal(t, int64(1), pool.Stats().Dropped)

	close(release)
	require.NoError(t, pool.Stop(time.Second))
}

func TestPool_BlockPolicyHonorsContext(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	pool := NewPool(1, 1, func(_ context.Context, _ int) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	}, WithPolicy[int](PolicyBlock))
	require.NoError(t, pool.Start(context.Background()))

	require.NoError(t, pool.Submit(context.Background(), 1))
	<-started
	require.NoError(t, pool.Submit(context.Background(), 2))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, pool.Submit(ctx, 3), context.DeadlineExceeded)
	assert.Zero(t, pool.Stats().Dropped)

	close(release)
	require.NoError(t, pool.Stop(time.Second))
}

func TestPool_BlockPolicyWaitsForSpace(t *testing.T) {
	var mu sync.Mutex
	var seen []int
	pool := NewPool(1, 1, func(_ context.Context, n int) error {
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		seen = append(seen, n)
		mu.Unlock()
		return nil
	}, WithPolicy[int](PolicyBlock))
	require.NoError(t, pool.Start(context.Background()))

	for i := 0; i < 10; i++ {
		require.NoError(t, pool.Submit(context.Background(), i))
	}
	require.NoError(t, pool.Stop(5*time.Second))

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, 10)
}

func TestPool_PanicRecovered(t *testing.T) {
	var recovered atomic.Value
	pool := NewPool(1, 10, func(_ context.Context, n int) error {
		if n == 0 {
			panic("boom")
		}
		return nil
	}, WithPanicHandler[int](func(r any) { recovered.Store(r) }))
	require.NoError(t, pool.Start(context.Background()))

	require.NoError(t, pool.Submit(context.Background(), 0))
	require.NoError(t, pool.Submit(context.Background(), 1))
	require.NoError(t, pool.Stop(time.Second))

	stats := pool.Stats()
	assert.Equal(t, int64(2), stats.Processed)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, "boom", recovered.Load())
}

func TestPool_ErrorsCounted(t *testing.T) {
	pool := NewPool(2, 10, func(_ context.Context, n int) error {
		if n%2 == 0 {
			return errors.New("even")
		}
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))
	for i := 0; i < 6; i++ {
		require.NoError(t, pool.Submit(context.Background(), i))
	}
	require.NoError(t, pool.Stop(time.Second))
	assert.Equal(t, int64(3), pool.Stats().Failed)
}

func TestPool_StopTimeoutCancelsProcessors(t *testing.T) {
	cancelled := make(chan struct{})
	pool := NewPool(1, 1, func(ctx context.Context, _ int) error {
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	})
	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.Submit(context.Background(), 1))
	time.Sleep(10 * time.Millisecond)

	assert.ErrorIs(t, pool.Stop(20*time.Millisecond), ErrStopTimeout)
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("processor context was not cancelled")
	}
}

func TestPool_Metrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	pool := NewPool(1, 10, func(context.Context, int) error { return nil },
		WithMetricsRegistry[int](registry, "test_pool"))
	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.Submit(context.Background(), 1))
	require.NoError(t, pool.Stop(time.Second))

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["test_pool_submitted_total"])
	assert.True(t, names["test_pool_processed_total"])
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("block")
	require.NoError(t, err)
	assert.Equal(t, PolicyBlock, p)
	assert.Equal(t, "block", p.String())

	p, err = ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyDrop, p)

	_, err = ParsePolicy("queue")
	assert.Error(t, err)
}
