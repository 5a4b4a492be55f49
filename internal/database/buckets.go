package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// HitBucket counts one hit against scopeKey in a transaction and reports
// whether the hit is within limit. The window restarts once reset_at has
// passed.
func (m *Manager) HitBucket(ctx context.Context, scopeKey string, limit int, window time.Duration) (bool, error) {
	if scopeKey == "" {
		return false, ErrEmptyScopeKey
	}
	limit = max(1, limit)
	window = max(time.Second, window)

	var allowed bool
	err := m.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		allowed, err = hitBucket(ctx, tx, scopeKey, limit, window)
		return err
	})
	if isUniqueViolation(err) {
		// Another process created the bucket between our read and insert.
		err = m.inTx(ctx, func(tx *sql.Tx) error {
			var err error
			allowed, err = hitBucket(ctx, tx, scopeKey, limit, window)
			return err
		})
	}
	if err != nil {
		return false, err
	}
	return allowed, nil
}

func hitBucket(ctx context.Context, tx *sql.Tx, scopeKey string, limit int, window time.Duration) (bool, error) {
	ts := now()
	var (
		id      int64
		count   int
		resetAt time.Time
	)
	err := tx.QueryRowContext(ctx,
		`SELECT id, count, reset_at FROM rate_limit_buckets WHERE scope_key = ?`, scopeKey,
	).Scan(&id, &count, &resetAt)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx,
			`INSERT INTO rate_limit_buckets (scope_key, count, reset_at, updated_at) VALUES (?, 1, ?, ?)`,
			scopeKey, ts.Add(window), ts)
		if err != nil {
			return false, fmt.Errorf("failed to create bucket: %w", err)
		}
		return true, nil
	case err != nil:
		return false, fmt.Errorf("failed to read bucket: %w", err)
	case !resetAt.After(ts):
		_, err = tx.ExecContext(ctx,
			`UPDATE rate_limit_buckets SET count = 1, reset_at = ?, updated_at = ? WHERE id = ?`,
			ts.Add(window), ts, id)
		if err != nil {
			return false, fmt.Errorf("failed to reset bucket: %w", err)
		}
		return true, nil
	case count >= limit:
		return false, nil
	default:
		_, err = tx.ExecContext(ctx,
			`UPDATE rate_limit_buckets SET count = count + 1, updated_at = ? WHERE id = ?`, ts, id)
		if err != nil {
			return false, fmt.Errorf("failed to increment bucket: %w", err)
		}
		return true, nil
	}
}
