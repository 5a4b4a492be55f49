package database

import (
	"context"
	"database/sql"
	"fmt"

	"parley/pkg/types"
)

// Append stores msg and fills its ID and CreatedAt.
func (m *Manager) Append(ctx context.Context, msg *types.Message) error {
	if msg == nil {
		return fmt.Errorf("message is nil")
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now()
	}
	return m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			INSERT INTO messages (room_slug, user_id, username, content, profile_pic, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, msg.RoomSlug, nullInt64(msg.UserID), msg.Username, msg.Content, msg.ProfilePic, msg.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
		msg.ID, err = res.LastInsertId()
		return err
	})
}

// Recent returns up to limit messages of the room, newest first.
func (m *Manager) Recent(ctx context.Context, roomSlug string, beforeID int64, limit int) ([]*types.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, room_slug, user_id, username, content, profile_pic, created_at
		FROM messages
		WHERE room_slug = ? AND (? <= 0 OR id < ?)
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, roomSlug, beforeID, beforeID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []*types.Message
	for rows.Next() {
		var (
			msg    types.Message
			userID sql.NullInt64
		)
		if err := rows.Scan(&msg.ID, &msg.RoomSlug, &userID, &msg.Username, &msg.Content, &msg.ProfilePic, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		msg.UserID = int64Ptr(userID)
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating message rows: %w", err)
	}
	return messages, nil
}
