// Package bus carries events between the engine and the rest of the platform.
package bus

import (
	"context"

	"github.com/personium/personium-core-sub028/event"
)

// Bus publishes events to topics and opens consuming subscriptions.
//
// Delivery on a topic is load balanced: when several subscriptions exist for the same
// topic each event reaches exactly one of them.
type Bus interface {
	Publish(ctx context.Context, topic string, e *event.Event) error
	Subscribe(ctx context.Context, topic string) (Subscription, error)
}

// Subscription is a consuming stream. Events is closed at end of stream, after which the
// owner is expected to subscribe again.
type Subscription interface {
	Events() <-chan *event.Event
	Unsubscribe() error
}

// Event header names carried alongside the JSON payload
const (
	HeaderRequestKey = "X-Personium-RequestKey"
	HeaderEventID    = "X-Personium-EventId"
	HeaderRuleChain  = "X-Personium-RuleChain"
	HeaderVia        = "X-Personium-Via"
	HeaderCellID     = "X-Personium-CellId"
)
