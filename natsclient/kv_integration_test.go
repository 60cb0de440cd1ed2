//go:build integration

package natsclient

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKVStore_Integration(t *testing.T) {
	tc := NewTestClient(t, WithKVBuckets("kv_test"))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	kv, err := tc.KVStore(ctx, "kv_test")
	require.NoError(t, err)

	_, err = kv.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrKVKeyNotFound)

	rev, err := kv.Put(ctx, "a", []byte("1"))
	require.NoError(t, err)

	_, err = kv.Create(ctx, "a", []byte("2"))
	assert.ErrorIs(t, err, ErrKVKeyExists)

	_, err = kv.Update(ctx, "a", []byte("3"), rev+100)
	assert.ErrorIs(t, err, ErrKVRevisionMismatch)

	keys, err := kv.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, keys)

	require.NoError(t, kv.Delete(ctx, "a"))
	_, err = kv.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrKVKeyNotFound)
}

func TestKVStore_UpdateWithRetryConcurrent(t *testing.T) {
	tc := NewTestClient(t, WithKVBuckets("kv_counter"))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	kv, err := tc.KVStore(ctx, "kv_counter")
	require.NoError(t, err)

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, kv.UpdateWithRetry(ctx, "n", func(cur []byte) ([]byte, error) {
				var n int
				if cur != nil {
					if err := json.Unmarshal(cur, &n); err != nil {
						return nil, err
					}
				}
				return json.Marshal(n + 1)
			}))
		}()
	}
	wg.Wait()

	entry, err := kv.Get(ctx, "n")
	require.NoError(t, err)
	var n int
	require.NoError(t, json.Unmarshal(entry.Value, &n))
	assert.Equal(t, writers, n)
}

func TestClient_PublishSubscribe_Integration(t *testing.T) {
	tc := NewTestClient(t)

	got := make(chan string, 1)
	_, err := tc.Client.QueueSubscribe("events.test", "workers", func(msg *nats.Msg) {
		got <- msg.Header.Get("X-Test") + ":" + string(msg.Data)
	})
	require.NoError(t, err)

	msg := nats.NewMsg("events.test")
	msg.Header.Set("X-Test", "h")
	msg.Data = []byte("body")
	require.NoError(t, tc.Client.PublishMsg(context.Background(), msg))

	select {
	case v := <-got:
		assert.Equal(t, "h:body", v)
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}
}
