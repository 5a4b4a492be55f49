package interfaces

import (
	"context"

	"parley/pkg/types"
)

// Subscriber receives events for the topics it joined.
type Subscriber interface {
	ID() string

	// Deliver hands ev to the subscriber without blocking and reports
	// whether it was accepted.
	Deliver(ev types.Event) bool
}

// Broker is the group publish/subscribe substrate.
type Broker interface {
	Join(ctx context.Context, topic string, sub Subscriber) error
	Leave(ctx context.Context, topic string, sub Subscriber) error
	LeaveAll(ctx context.Context, sub Subscriber) error
	Publish(ctx context.Context, topic string, ev types.Event) error
}
