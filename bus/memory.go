package bus

import (
	"context"
	"sync"

	"github.com/personium/personium-core-sub028/errors"
	"github.com/personium/personium-core-sub028/event"
)

// Memory is an in-process Bus. Each topic load balances round robin over its
// subscriptions; events published to a topic without subscribers are only recorded.
type Memory struct {
	mu      sync.Mutex
	subs    map[string][]*memorySubscription
	next    map[string]int
	history map[string][]*event.Event
	buffer  int
	closed  bool
}

// NewMemory creates an in-process bus with the given per-subscription buffer
func NewMemory(buffer int) *Memory {
	if buffer <= 0 {
		buffer = 64
	}
	return &Memory{
		subs:    make(map[string][]*memorySubscription),
		next:    make(map[string]int),
		history: make(map[string][]*event.Event),
		buffer:  buffer,
	}
}

// Publish implements Bus
func (m *Memory) Publish(ctx context.Context, topic string, e *event.Event) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.ErrConnectionLost
	}
	m.history[topic] = append(m.history[topic], e.Copy())
	subs := m.subs[topic]
	var target *memorySubscription
	if len(subs) > 0 {
		i := m.next[topic] % len(subs)
		m.next[topic] = i + 1
		target = subs[i]
	}
	m.mu.Unlock()

	if target == nil {
		return nil
	}
	return target.deliver(ctx, e.Copy())
}

// Subscribe implements Bus
func (m *Memory) Subscribe(_ context.Context, topic string) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.ErrConnectionLost
	}
	s := &memorySubscription{
		bus:   m,
		topic: topic,
		ch:    make(chan *event.Event, m.buffer),
		done:  make(chan struct{}),
	}
	m.subs[topic] = append(m.subs[topic], s)
	return s, nil
}

// Published returns the events published to topic so far
func (m *Memory) Published(topic string) []*event.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*event.Event, len(m.history[topic]))
	copy(out, m.history[topic])
	return out
}

// Subscribers returns the number of open subscriptions on topic
func (m *Memory) Subscribers(topic string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs[topic])
}

// Disconnect ends every subscription on topic, as a transport drop would
func (m *Memory) Disconnect(topic string) {
	m.mu.Lock()
	subs := m.subs[topic]
	delete(m.subs, topic)
	m.mu.Unlock()

	for _, s := range subs {
		s.end()
	}
}

// Close ends all subscriptions and rejects further use
func (m *Memory) Close() {
	m.mu.Lock()
	m.closed = true
	all := m.subs
	m.subs = make(map[string][]*memorySubscription)
	m.mu.Unlock()

	for _, subs := range all {
		for _, s := range subs {
			s.end()
		}
	}
}

func (m *Memory) remove(s *memorySubscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subs[s.topic]
	for i, x := range subs {
		if x == s {
			m.subs[s.topic] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

type memorySubscription struct {
	bus   *Memory
	topic string
	ch    chan *event.Event
	done  chan struct{}

	mu     sync.RWMutex
	once   sync.Once
	closed bool
}

func (s *memorySubscription) deliver(ctx context.Context, e *event.Event) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil
	}
	select {
	case s.ch <- e:
		return nil
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *memorySubscription) end() {
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
}

func (s *memorySubscription) Events() <-chan *event.Event {
	return s.ch
}

func (s *memorySubscription) Unsubscribe() error {
	s.bus.remove(s)
	s.end()
	return nil
}
