package inbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/samber/lo"

	"parley/pkg/interfaces"
	"parley/pkg/types"
)

// Peer is the other side of a direct conversation as shown in an inbox.
type Peer struct {
	Username     string  `json:"username"`
	ProfileImage *string `json:"profileImage"`
}

// Item summarizes the latest message of a direct room.
type Item struct {
	Slug          string `json:"slug"`
	Peer          Peer   `json:"peer"`
	LastMessage   string `json:"lastMessage"`
	LastMessageAt string `json:"lastMessageAt"`
}

// UnreadSummary is an UnreadState annotated with one room's status.
type UnreadSummary struct {
	RoomSlug string `json:"roomSlug"`
	IsUnread bool   `json:"isUnread"`
	types.UnreadState
}

// ItemPayload is pushed verbatim to inbox connections.
type ItemPayload struct {
	Type   string        `json:"type"`
	Item   Item          `json:"item"`
	Unread UnreadSummary `json:"unread"`
}

// ImageURL turns a stored profile image reference into a client URL.
type ImageURL func(ref string) *string

// BuildItem assembles the inbox payload a participant receives.
func BuildItem(room *types.Room, peer *types.User, msg *types.Message, state types.UnreadState, imageURL ImageURL) ItemPayload {
	item := Item{
		Slug:          room.Slug,
		LastMessage:   msg.Content,
		LastMessageAt: msg.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if peer != nil {
		item.Peer.Username = peer.Username
		if ref := peer.ProfileImage(); ref != "" && imageURL != nil {
			item.Peer.ProfileImage = imageURL(ref)
		}
	}
	return ItemPayload{
		Type: types.EventInboxItem,
		Item: item,
		Unread: UnreadSummary{
			RoomSlug:    room.Slug,
			IsUnread:    state.Counts[room.Slug] > 0,
			UnreadState: state,
		},
	}
}

// Notifier updates participants' unread state after a direct message and
// pushes the resulting inbox item to each of them.
type Notifier struct {
	roles   interfaces.RoleStore
	users   interfaces.UserLookup
	tracker *Tracker
	broker  interfaces.Broker
	logger  *slog.Logger
}

// NewNotifier wires a Notifier.
func NewNotifier(roles interfaces.RoleStore, users interfaces.UserLookup, tracker *Tracker, broker interfaces.Broker, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		roles:   roles,
		users:   users,
		tracker: tracker,
		broker:  broker,
		logger:  logger.With("component", "inbox_notifier"),
	}
}

// Participants returns the users who should see a direct room in their
// inbox: readers with a role row, restricted to the pair key, plus any pair
// member whose role row is missing. With a malformed pair key every reader
// is returned.
func (n *Notifier) Participants(ctx context.Context, room *types.Room) ([]*types.User, error) {
	if !room.IsDirect() {
		return nil, nil
	}

	assignments, err := n.roles.RolesFor(ctx, room.ID, types.ReadRoles)
	if err != nil {
		return nil, fmt.Errorf("list readers of room %d: %w", room.ID, err)
	}

	var pair []int64
	if low, high, err := types.ParsePairKey(room.DirectPairKey); err == nil {
		pair = lo.Uniq([]int64{low, high})
	}

	ids := lo.Uniq(lo.FilterMap(assignments, func(a *types.RoleAssignment, _ int) (int64, bool) {
		return a.UserID, len(pair) == 0 || lo.Contains(pair, a.UserID)
	}))
	ids = append(ids, lo.Without(pair, ids...)...)

	participants := make([]*types.User, 0, len(ids))
	for _, id := range ids {
		user, err := n.users.Resolve(ctx, id)
		if errors.Is(err, types.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("resolve participant %d: %w", id, err)
		}
		participants = append(participants, user)
	}
	return participants, nil
}

// Notify runs after msg was stored in a direct room. The sender and anyone
// with the room active have it marked read; everyone else gets one more
// unread message.
func (n *Notifier) Notify(ctx context.Context, room *types.Room, sender *types.User, msg *types.Message, imageURL ImageURL) error {
	participants, err := n.Participants(ctx, room)
	if err != nil {
		return err
	}

	for _, participant := range participants {
		peer, _ := lo.Find(participants, func(candidate *types.User) bool {
			return candidate.ID != participant.ID
		})

		var state types.UnreadState
		if participant.ID == sender.ID || n.tracker.IsRoomActive(ctx, participant.ID, room.Slug) {
			state, err = n.tracker.MarkRead(ctx, participant.ID, room.Slug)
		} else {
			state, err = n.tracker.MarkUnread(ctx, participant.ID, room.Slug)
		}
		if err != nil {
			n.logger.Warn("unread update failed", "user_id", participant.ID, "room", room.Slug, "error", err)
		}

		ev, err := types.NewEvent(types.EventInboxItem, BuildItem(room, peer, msg, state, imageURL))
		if err != nil {
			return fmt.Errorf("encode inbox item: %w", err)
		}
		if err := n.broker.Publish(ctx, Topic(participant.ID), ev); err != nil {
			n.logger.Warn("inbox publish failed", "user_id", participant.ID, "room", room.Slug, "error", err)
		}
	}
	return nil
}
