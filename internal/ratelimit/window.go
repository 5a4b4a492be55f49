package ratelimit

import (
	"context"
	"fmt"
	"time"

	"parley/internal/cache"
	"parley/pkg/interfaces"
)

var _ Limiter = (*Window)(nil)

type windowState struct {
	Count int     `json:"count"`
	Reset float64 `json:"reset"`
}

// Window is a fixed-window limiter stored in the shared cache. Concurrent
// hits on one key are serialized by Cache.Update as far as the backend
// allows; an occasional extra hit under contention is acceptable.
type Window struct {
	cache  interfaces.Cache
	prefix string
	policy Policy
	now    func() time.Time
}

// NewWindow creates a limiter whose keys are prefix+key.
func NewWindow(c interfaces.Cache, prefix string, policy Policy) *Window {
	return &Window{cache: c, prefix: prefix, policy: policy.Normalized(), now: time.Now}
}

// SetClock replaces the time source.
func (w *Window) SetClock(now func() time.Time) {
	w.now = now
}

// Allow counts a hit. The window restarts on the first hit after it
// elapsed.
func (w *Window) Allow(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, ErrEmptyKey
	}
	now := float64(w.now().UnixNano()) / float64(time.Second)
	allowed := false
	err := cache.UpdateJSON(ctx, w.cache, w.prefix+key, w.policy.Window, func(state *windowState, found bool) cache.Action {
		allowed = false
		switch {
		case !found || state.Reset <= now:
			*state = windowState{Count: 1, Reset: now + w.policy.Window.Seconds()}
			allowed = true
			return cache.Write
		case state.Count >= w.policy.Limit:
			return cache.Keep
		default:
			state.Count++
			allowed = true
			return cache.Write
		}
	})
	if err != nil {
		return false, fmt.Errorf("rate limit %s: %w", key, err)
	}
	return allowed, nil
}
