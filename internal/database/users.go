package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"parley/pkg/types"
)

const userColumns = `id, username, profile_image, bio, last_seen`

func scanUser(row *sql.Row) (*types.User, error) {
	var (
		user     types.User
		profile  types.Profile
		lastSeen sql.NullTime
	)
	err := row.Scan(&user.ID, &user.Username, &profile.Image, &profile.Bio, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	if lastSeen.Valid {
		profile.LastSeen = &lastSeen.Time
	}
	user.Profile = &profile
	return &user, nil
}

// Resolve loads a user and profile by id.
func (m *Manager) Resolve(ctx context.Context, userID int64) (*types.User, error) {
	return scanUser(m.db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE id = ?", userID))
}

// ByUsername matches case-insensitively.
func (m *Manager) ByUsername(ctx context.Context, username string) (*types.User, error) {
	if username == "" {
		return nil, types.ErrEmptyUsername
	}
	return scanUser(m.db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE username = ?", username))
}

// CreateUser registers an account. Account management lives outside this
// service; the method backs the CLI and tests.
func (m *Manager) CreateUser(ctx context.Context, username string, profile *types.Profile) (*types.User, error) {
	username = types.NormalizeUsername(username)
	if username == "" {
		return nil, types.ErrEmptyUsername
	}
	if profile == nil {
		profile = &types.Profile{}
	}

	var id int64
	err := m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx,
			`INSERT INTO users (username, profile_image, bio) VALUES (?, ?, ?)`,
			username, profile.Image, profile.Bio)
		if err != nil {
			return fmt.Errorf("failed to insert user: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("username %q: %w", username, types.ErrConflict)
	}
	if err != nil {
		return nil, err
	}
	return &types.User{ID: id, Username: username, Profile: profile}, nil
}

// TouchLastSeen records activity on the user's profile.
func (m *Manager) TouchLastSeen(ctx context.Context, userID int64) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `UPDATE users SET last_seen = ? WHERE id = ?`, now(), userID)
		return err
	})
}
