package bus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/personium/personium-core-sub028/errors"
	"github.com/personium/personium-core-sub028/event"
	"github.com/personium/personium-core-sub028/metric"
	"github.com/personium/personium-core-sub028/natsclient"
)

// NATS is a Bus over core NATS subjects. Subscriptions join a queue group so that the
// engine's consumers and other engine processes share the inbound stream.
type NATS struct {
	client  *natsclient.Client
	queue   string
	buffer  int
	logger  *slog.Logger
	metrics *metric.Metrics
}

// NATSOption configures the NATS bus
type NATSOption func(*NATS)

// WithQueueGroup sets the queue group; empty means plain fan-out subscriptions
func WithQueueGroup(queue string) NATSOption {
	return func(b *NATS) { b.queue = queue }
}

// InstanceQueueGroup derives a queue group private to this process from base. Consumers
// of one process share its messages while every process still receives each one.
func InstanceQueueGroup(base string) string {
	if base == "" {
		return ""
	}
	return base + "." + uuid.NewString()
}

// WithBuffer sets the per-subscription channel capacity
func WithBuffer(n int) NATSOption {
	return func(b *NATS) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) NATSOption {
	return func(b *NATS) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithMetrics records published and received counts
func WithMetrics(m *metric.Metrics) NATSOption {
	return func(b *NATS) { b.metrics = m }
}

// NewNATS creates a bus on client
func NewNATS(client *natsclient.Client, opts ...NATSOption) *NATS {
	b := &NATS{
		client: client,
		queue:  "ruleengine",
		buffer: 256,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "bus")
	return b
}

// Publish implements Bus
func (b *NATS) Publish(ctx context.Context, topic string, e *event.Event) error {
	data, err := e.Marshal()
	if err != nil {
		return errors.WrapInvalid(err, "NATS", "Publish", "encode event")
	}

	msg := nats.NewMsg(topic)
	msg.Data = data
	setHeader(msg, HeaderRequestKey, e.RequestKey)
	setHeader(msg, HeaderEventID, e.EventID)
	setHeader(msg, HeaderRuleChain, e.RuleChain)
	setHeader(msg, HeaderVia, e.Via)
	setHeader(msg, HeaderCellID, e.CellID)

	if err := b.client.PublishMsg(ctx, msg); err != nil {
		return errors.WrapTransient(err, "NATS", "Publish", "publish to "+topic)
	}
	b.metrics.RecordPublished(topic)
	return nil
}

func setHeader(msg *nats.Msg, key, value string) {
	if value != "" {
		msg.Header.Set(key, value)
	}
}

// Subscribe implements Bus
func (b *NATS) Subscribe(_ context.Context, topic string) (Subscription, error) {
	s := &natsSubscription{
		ch:   make(chan *event.Event, b.buffer),
		done: make(chan struct{}),
	}

	handler := func(msg *nats.Msg) {
		e, err := event.Unmarshal(msg.Data)
		if err != nil {
			b.logger.Warn("Dropping undecodable event", "topic", topic, "error", err)
			return
		}
		b.metrics.RecordReceived(topic)
		select {
		case s.ch <- e:
		case <-s.done:
		}
	}

	sub, err := b.client.QueueSubscribe(topic, b.queue, handler)
	if err != nil {
		return nil, errors.WrapTransient(err, "NATS", "Subscribe", "subscribe to "+topic)
	}
	// The closed handler runs on the delivery goroutine after its last callback returns,
	// so no send can race the close.
	sub.SetClosedHandler(func(string) {
		s.closeOnce.Do(func() { close(s.ch) })
	})
	s.sub = sub
	return s, nil
}

type natsSubscription struct {
	sub       *nats.Subscription
	ch        chan *event.Event
	done      chan struct{}
	doneOnce  sync.Once
	closeOnce sync.Once
}

func (s *natsSubscription) Events() <-chan *event.Event {
	return s.ch
}

func (s *natsSubscription) Unsubscribe() error {
	s.doneOnce.Do(func() { close(s.done) })
	if err := s.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) &&
		!errors.Is(err, nats.ErrBadSubscription) {
		return errors.WrapTransient(err, "natsSubscription", "Unsubscribe", "unsubscribe")
	}
	return nil
}
