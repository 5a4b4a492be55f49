// Package presence aggregates who is online across every process sharing
// the cache. Authenticated users are counted per username and guests per
// client IP; each entry survives a short grace window after its last
// connection drops abnormally.
package presence

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/samber/lo"

	"parley/internal/cache"
	"parley/pkg/interfaces"
	"parley/pkg/types"
)

// Cache keys and broker topics.
const (
	AuthKey    = "presence:auth"
	GuestKey   = "presence:guest"
	TopicAuth  = "presence_auth"
	TopicGuest = "presence_guest"
)

// Defaults mirror the deployment settings.
const (
	DefaultTTL      = 40 * time.Second
	DefaultGrace    = 5 * time.Second
	DefaultCacheTTL = 24 * time.Hour
)

// Entry is one username or guest IP in a presence map. Times are unix
// seconds so every process reads the same layout.
type Entry struct {
	Count        int     `json:"count"`
	ProfileImage *string `json:"profileImage,omitempty"`
	LastSeen     float64 `json:"last_seen"`
	GraceUntil   float64 `json:"grace_until"`
}

// Options tunes staleness. Zero TTL or CacheTTL select the defaults; a
// zero Grace removes entries immediately.
type Options struct {
	TTL      time.Duration
	Grace    time.Duration
	CacheTTL time.Duration
}

// Aggregator maintains the presence maps.
type Aggregator struct {
	cache  interfaces.Cache
	opts   Options
	now    func() time.Time
	logger *slog.Logger
}

// NewAggregator creates an Aggregator over c.
func NewAggregator(c interfaces.Cache, opts Options, logger *slog.Logger) *Aggregator {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.Grace < 0 {
		opts.Grace = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		cache:  c,
		opts:   opts,
		now:    time.Now,
		logger: logger.With("component", "presence"),
	}
}

// SetClock replaces the time source.
func (a *Aggregator) SetClock(now func() time.Time) {
	a.now = now
}

func (a *Aggregator) unixNow() float64 {
	return float64(a.now().UnixNano()) / float64(time.Second)
}

// AddUser counts one more connection for username and clears any grace
// window. A non-nil image replaces the stored one.
func (a *Aggregator) AddUser(ctx context.Context, username string, image *string) error {
	return a.add(ctx, AuthKey, username, image)
}

// AddGuest counts one more connection from ip.
func (a *Aggregator) AddGuest(ctx context.Context, ip string) error {
	return a.add(ctx, GuestKey, ip, nil)
}

func (a *Aggregator) add(ctx context.Context, key, id string, image *string) error {
	if id == "" {
		return nil
	}
	now := a.unixNow()
	return a.update(ctx, key, func(entries map[string]Entry) {
		current := entries[id]
		if current.Count < 0 {
			current.Count = 0
		}
		current.Count++
		current.LastSeen = now
		current.GraceUntil = 0
		if image != nil {
			current.ProfileImage = image
		}
		entries[id] = current
	})
}

// RemoveUser drops one connection for username. When the count reaches
// zero the entry is removed on a graceful close and otherwise kept for the
// grace window.
func (a *Aggregator) RemoveUser(ctx context.Context, username string, graceful bool) error {
	return a.remove(ctx, AuthKey, username, graceful)
}

// RemoveGuest is RemoveUser for a guest IP.
func (a *Aggregator) RemoveGuest(ctx context.Context, ip string, graceful bool) error {
	return a.remove(ctx, GuestKey, ip, graceful)
}

func (a *Aggregator) remove(ctx context.Context, key, id string, graceful bool) error {
	if id == "" {
		return nil
	}
	now := a.unixNow()
	return a.update(ctx, key, func(entries map[string]Entry) {
		current, ok := entries[id]
		if !ok {
			return
		}
		current.Count--
		current.LastSeen = now
		switch {
		case current.Count > 0:
			current.GraceUntil = 0
		case graceful || a.opts.Grace <= 0:
			delete(entries, id)
			return
		default:
			current.Count = 0
			current.GraceUntil = now + a.opts.Grace.Seconds()
		}
		entries[id] = current
	})
}

// TouchUser refreshes last_seen and clears the grace window, recreating the
// entry with a count of one when it has been evicted.
func (a *Aggregator) TouchUser(ctx context.Context, username string, image *string) error {
	return a.touch(ctx, AuthKey, username, image)
}

// TouchGuest is TouchUser for a guest IP.
func (a *Aggregator) TouchGuest(ctx context.Context, ip string) error {
	return a.touch(ctx, GuestKey, ip, nil)
}

func (a *Aggregator) touch(ctx context.Context, key, id string, image *string) error {
	if id == "" {
		return nil
	}
	now := a.unixNow()
	return a.update(ctx, key, func(entries map[string]Entry) {
		current, ok := entries[id]
		if !ok || current.Count <= 0 {
			current.Count = 1
		}
		current.LastSeen = now
		current.GraceUntil = 0
		if image != nil {
			current.ProfileImage = image
		}
		entries[id] = current
	})
}

// Online returns live authenticated users sorted by username, evicting
// stale entries as a side effect.
func (a *Aggregator) Online(ctx context.Context) ([]types.OnlineUser, error) {
	live, err := a.live(ctx, AuthKey)
	if err != nil {
		return []types.OnlineUser{}, err
	}
	online := lo.MapToSlice(live, func(username string, e Entry) types.OnlineUser {
		return types.OnlineUser{Username: username, ProfileImage: e.ProfileImage}
	})
	sort.Slice(online, func(i, j int) bool { return online[i].Username < online[j].Username })
	return online, nil
}

// GuestCount returns the number of live guest IPs.
func (a *Aggregator) GuestCount(ctx context.Context) (int, error) {
	live, err := a.live(ctx, GuestKey)
	return len(live), err
}

// live reads a map, evicts stale entries and writes the cleaned map back
// when anything was dropped.
func (a *Aggregator) live(ctx context.Context, key string) (map[string]Entry, error) {
	now := a.unixNow()
	var live map[string]Entry
	err := cache.UpdateJSON(ctx, a.cache, key, a.opts.CacheTTL, func(entries *map[string]Entry, found bool) cache.Action {
		live = lo.PickBy(*entries, func(_ string, e Entry) bool {
			return a.isLive(e, now)
		})
		switch {
		case !found || len(live) == len(*entries):
			return cache.Keep
		case len(live) == 0:
			return cache.Remove
		default:
			*entries = live
			return cache.Write
		}
	})
	if err != nil {
		return map[string]Entry{}, fmt.Errorf("read %s: %w", key, err)
	}
	return live, nil
}

func (a *Aggregator) isLive(e Entry, now float64) bool {
	fresh := now-e.LastSeen <= a.opts.TTL.Seconds()
	if e.Count > 0 {
		return fresh
	}
	return e.GraceUntil > now && fresh
}

// update applies mutate to the decoded map and deletes the key once the
// map is empty.
func (a *Aggregator) update(ctx context.Context, key string, mutate func(map[string]Entry)) error {
	err := cache.UpdateJSON(ctx, a.cache, key, a.opts.CacheTTL, func(entries *map[string]Entry, _ bool) cache.Action {
		if *entries == nil {
			*entries = make(map[string]Entry)
		}
		mutate(*entries)
		if len(*entries) == 0 {
			return cache.Remove
		}
		return cache.Write
	})
	if err != nil {
		return fmt.Errorf("update %s: %w", key, err)
	}
	return nil
}
