package hub

import (
	"parley/pkg/interfaces"
	"parley/pkg/types"
)

var _ interfaces.Subscriber = (*Subscriber)(nil)

// Subscriber is a buffered event mailbox for one connection. The channel
// is never closed; the owner stops reading once it leaves the broker.
type Subscriber struct {
	id     string
	events chan types.Event
}

// NewSubscriber creates a mailbox holding up to buffer undelivered events.
func NewSubscriber(id string, buffer int) *Subscriber {
	if buffer <= 0 {
		buffer = 64
	}
	return &Subscriber{id: id, events: make(chan types.Event, buffer)}
}

func (s *Subscriber) ID() string { return s.id }

// Deliver never blocks; a full mailbox rejects the event.
func (s *Subscriber) Deliver(ev types.Event) bool {
	select {
	case s.events <- ev:
		return true
	default:
		return false
	}
}

// Events is drained by the connection's event loop.
func (s *Subscriber) Events() <-chan types.Event {
	return s.events
}
