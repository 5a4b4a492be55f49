// Package inbox tracks unread direct messages and the room each inbox
// connection has focused. All state lives in the shared cache.
package inbox

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"parley/internal/cache"
	"parley/pkg/interfaces"
	"parley/pkg/types"
)

const (
	unreadKeyPrefix = "direct:unread:"
	activeKeyPrefix = "direct:active:"
	topicPrefix     = "direct_inbox_user_"
)

// DefaultUnreadTTL keeps unread counters for thirty days.
const DefaultUnreadTTL = 30 * 24 * time.Hour

// UnreadKey is the cache key of a user's unread counters.
func UnreadKey(userID int64) string {
	return unreadKeyPrefix + strconv.FormatInt(userID, 10)
}

// ActiveKey is the cache key of a user's active-room marker.
func ActiveKey(userID int64) string {
	return activeKeyPrefix + strconv.FormatInt(userID, 10)
}

// Topic is the broker topic of a user's inbox connections.
func Topic(userID int64) string {
	return topicPrefix + strconv.FormatInt(userID, 10)
}

// Tracker reads and mutates unread counters and active-room markers.
type Tracker struct {
	cache     interfaces.Cache
	unreadTTL time.Duration
	logger    *slog.Logger
}

// NewTracker creates a Tracker. A non-positive unreadTTL selects
// DefaultUnreadTTL.
func NewTracker(c interfaces.Cache, unreadTTL time.Duration, logger *slog.Logger) *Tracker {
	if unreadTTL <= 0 {
		unreadTTL = DefaultUnreadTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		cache:     c,
		unreadTTL: unreadTTL,
		logger:    logger.With("component", "inbox"),
	}
}

// UnreadState returns the normalized unread summary. Read failures degrade
// to an empty state.
func (t *Tracker) UnreadState(ctx context.Context, userID int64) types.UnreadState {
	if userID <= 0 {
		return types.EmptyUnreadState()
	}
	var counts map[string]int
	if _, err := cache.GetJSON(ctx, t.cache, UnreadKey(userID), &counts); err != nil {
		t.logger.Warn("unread state read failed", "user_id", userID, "error", err)
		return types.EmptyUnreadState()
	}
	return normalize(counts)
}

// MarkUnread adds one unread message for slug and returns the new state.
func (t *Tracker) MarkUnread(ctx context.Context, userID int64, slug string) (types.UnreadState, error) {
	if userID <= 0 || slug == "" {
		return t.UnreadState(ctx, userID), nil
	}

	var state types.UnreadState
	err := cache.UpdateJSON(ctx, t.cache, UnreadKey(userID), t.unreadTTL, func(counts *map[string]int, _ bool) cache.Action {
		next := prune(*counts)
		next[slug]++
		*counts = next
		state = normalize(next)
		return cache.Write
	})
	if err != nil {
		return t.UnreadState(ctx, userID), err
	}
	return state, nil
}

// MarkRead clears slug. When it was the last unread room the key is
// deleted rather than left as an empty map.
func (t *Tracker) MarkRead(ctx context.Context, userID int64, slug string) (types.UnreadState, error) {
	if userID <= 0 || slug == "" {
		return t.UnreadState(ctx, userID), nil
	}

	state := types.EmptyUnreadState()
	err := cache.UpdateJSON(ctx, t.cache, UnreadKey(userID), t.unreadTTL, func(counts *map[string]int, found bool) cache.Action {
		if !found {
			return cache.Keep
		}
		next := prune(*counts)
		delete(next, slug)
		state = normalize(next)
		if len(next) == 0 {
			return cache.Remove
		}
		*counts = next
		return cache.Write
	})
	if err != nil {
		return t.UnreadState(ctx, userID), err
	}
	return state, nil
}

// SetActiveRoom makes connID the owner of the user's active-room marker,
// replacing whichever connection held it before.
func (t *Tracker) SetActiveRoom(ctx context.Context, userID int64, slug, connID string, ttl time.Duration) error {
	if userID <= 0 || slug == "" || connID == "" {
		return nil
	}
	return cache.SetJSON(ctx, t.cache, ActiveKey(userID), types.ActiveRoom{RoomSlug: slug, ConnID: connID}, ttl)
}

// TouchActiveRoom refreshes the marker TTL when connID still owns it and
// reports whether it did.
func (t *Tracker) TouchActiveRoom(ctx context.Context, userID int64, connID string, ttl time.Duration) (bool, error) {
	if userID <= 0 || connID == "" {
		return false, nil
	}
	touched := false
	err := cache.UpdateJSON(ctx, t.cache, ActiveKey(userID), ttl, func(active *types.ActiveRoom, found bool) cache.Action {
		if !found || active.ConnID != connID || active.RoomSlug == "" {
			return cache.Keep
		}
		touched = true
		return cache.Write
	})
	return touched, err
}

// ClearActiveRoom removes the marker if connID owns it. An empty connID
// clears it unconditionally.
func (t *Tracker) ClearActiveRoom(ctx context.Context, userID int64, connID string) error {
	if userID <= 0 {
		return nil
	}
	if connID == "" {
		return t.cache.Delete(ctx, ActiveKey(userID))
	}
	return cache.UpdateJSON(ctx, t.cache, ActiveKey(userID), 0, func(active *types.ActiveRoom, found bool) cache.Action {
		if !found || active.ConnID != connID {
			return cache.Keep
		}
		return cache.Remove
	})
}

// ActiveRoom returns the current marker, if any.
func (t *Tracker) ActiveRoom(ctx context.Context, userID int64) (types.ActiveRoom, bool) {
	var active types.ActiveRoom
	if userID <= 0 {
		return active, false
	}
	found, err := cache.GetJSON(ctx, t.cache, ActiveKey(userID), &active)
	if err != nil {
		t.logger.Warn("active room read failed", "user_id", userID, "error", err)
		return active, false
	}
	return active, found && active.RoomSlug != ""
}

// IsRoomActive reports whether any connection of the user has slug focused.
func (t *Tracker) IsRoomActive(ctx context.Context, userID int64, slug string) bool {
	active, ok := t.ActiveRoom(ctx, userID)
	return ok && active.RoomSlug == slug
}

// prune copies counts without non-positive or empty entries.
func prune(counts map[string]int) map[string]int {
	out := make(map[string]int, len(counts)+1)
	for slug, n := range counts {
		if slug != "" && n > 0 {
			out[slug] = n
		}
	}
	return out
}

func normalize(counts map[string]int) types.UnreadState {
	state := types.EmptyUnreadState()
	for slug, n := range prune(counts) {
		state.Counts[slug] = n
		state.Slugs = append(state.Slugs, slug)
	}
	sort.Strings(state.Slugs)
	state.Dialogs = len(state.Slugs)
	return state
}
