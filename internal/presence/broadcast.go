package presence

import (
	"context"
	"errors"
	"fmt"

	"parley/pkg/interfaces"
	"parley/pkg/types"
)

// GuestUpdate is what guest connections see.
type GuestUpdate struct {
	Guests int `json:"guests"`
}

// AuthUpdate is what authenticated connections see.
type AuthUpdate struct {
	Online []types.OnlineUser `json:"online"`
	Guests int                `json:"guests"`
}

// Broadcast publishes a fresh snapshot to both presence topics. Snapshot
// read failures degrade to empty values so clients still get an update.
func (a *Aggregator) Broadcast(ctx context.Context, broker interfaces.Broker) error {
	online, err := a.Online(ctx)
	if err != nil {
		a.logger.Warn("online snapshot failed", "error", err)
	}
	guests, err := a.GuestCount(ctx)
	if err != nil {
		a.logger.Warn("guest snapshot failed", "error", err)
	}

	guestEv, err := types.NewEvent(types.EventPresenceUpdate, GuestUpdate{Guests: guests})
	if err != nil {
		return fmt.Errorf("encode guest update: %w", err)
	}
	authEv, err := types.NewEvent(types.EventPresenceUpdate, AuthUpdate{Online: online, Guests: guests})
	if err != nil {
		return fmt.Errorf("encode auth update: %w", err)
	}

	return errors.Join(
		broker.Publish(ctx, TopicGuest, guestEv),
		broker.Publish(ctx, TopicAuth, authEv),
	)
}
