package auth

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"parley/pkg/interfaces"
)

// DefaultActivityInterval is the minimum gap between two last-seen writes
// for one user.
const DefaultActivityInterval = 10 * time.Second

// LastSeenStore persists user activity.
type LastSeenStore interface {
	TouchLastSeen(ctx context.Context, userID int64) error
}

// Activity records when authenticated users were last active. A marker in
// the shared cache throttles writes across processes.
type Activity struct {
	store    LastSeenStore
	cache    interfaces.Cache
	interval time.Duration
	logger   *slog.Logger
}

// NewActivity creates an Activity. A non-positive interval selects
// DefaultActivityInterval.
func NewActivity(store LastSeenStore, c interfaces.Cache, interval time.Duration, logger *slog.Logger) *Activity {
	if interval <= 0 {
		interval = DefaultActivityInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Activity{
		store:    store,
		cache:    c,
		interval: interval,
		logger:   logger.With("component", "activity"),
	}
}

// Touch records activity for userID unless it was recorded within the
// interval. Failures are logged and otherwise ignored. A nil Activity is
// a no-op.
func (a *Activity) Touch(ctx context.Context, userID int64) {
	if a == nil || userID <= 0 {
		return
	}

	due := false
	err := a.cache.Update(ctx, "last_seen:"+strconv.FormatInt(userID, 10), a.interval,
		func(_ []byte, found bool) ([]byte, bool, error) {
			if found {
				return nil, false, nil
			}
			due = true
			return []byte(strconv.FormatInt(time.Now().Unix(), 10)), false, nil
		})
	if err != nil {
		a.logger.Debug("activity marker unavailable", "user_id", userID, "error", err)
		return
	}
	if !due {
		return
	}
	if err := a.store.TouchLastSeen(ctx, userID); err != nil {
		a.logger.Warn("failed to record last seen", "user_id", userID, "error", err)
	}
}
