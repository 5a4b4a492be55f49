package session

import (
	"fmt"
	"log/slog"

	"parley/internal/audit"
	"parley/internal/inbox"
	"parley/internal/presence"
	"parley/internal/ratelimit"
	"parley/internal/rooms"
	"parley/pkg/interfaces"
)

// Deps are the collaborators shared by every session.
type Deps struct {
	Rooms          *rooms.Service
	Store          interfaces.RoomStore
	Messages       interfaces.MessageStore
	Tracker        *inbox.Tracker
	Notifier       *inbox.Notifier
	Presence       *presence.Aggregator
	Broker         interfaces.Broker
	MessageLimiter ratelimit.Limiter
	Audit          *audit.Logger
	Logger         *slog.Logger
}

// Validate reports the first missing collaborator and fills in the
// optional ones.
func (d *Deps) Validate() error {
	required := []struct {
		name string
		ok   bool
	}{
		{"rooms", d.Rooms != nil},
		{"store", d.Store != nil},
		{"messages", d.Messages != nil},
		{"tracker", d.Tracker != nil},
		{"notifier", d.Notifier != nil},
		{"presence", d.Presence != nil},
		{"broker", d.Broker != nil},
		{"message limiter", d.MessageLimiter != nil},
	}
	for _, r := range required {
		if !r.ok {
			return fmt.Errorf("%w: %s", ErrMissingDeps, r.name)
		}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Audit == nil {
		d.Audit = audit.New(d.Logger)
	}
	return nil
}
