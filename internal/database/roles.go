package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/samber/lo"

	"parley/pkg/types"
)

const roleColumns = `id, room_id, user_id, role, username_snapshot, granted_by, created_at, updated_at`

func scanRole(row interface{ Scan(...any) error }) (*types.RoleAssignment, error) {
	var (
		a         types.RoleAssignment
		role      string
		grantedBy sql.NullInt64
	)
	if err := row.Scan(&a.ID, &a.RoomID, &a.UserID, &role, &a.UsernameSnapshot, &grantedBy, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Role = types.Role(role)
	a.GrantedBy = int64Ptr(grantedBy)
	return &a, nil
}

func getRole(ctx context.Context, q queryer, roomID, userID int64) (*types.RoleAssignment, error) {
	a, err := scanRole(q.QueryRowContext(ctx,
		"SELECT "+roleColumns+" FROM chat_roles WHERE room_id = ? AND user_id = ?", roomID, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query role: %w", err)
	}
	return a, nil
}

// RoleOf returns "" when the user holds no role in the room.
func (m *Manager) RoleOf(ctx context.Context, roomID, userID int64) (types.Role, error) {
	a, err := getRole(ctx, m.db, roomID, userID)
	if errors.Is(err, types.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return a.Role, nil
}

// RolesFor lists the room's assignments whose role is in roles.
func (m *Manager) RolesFor(ctx context.Context, roomID int64, roles []types.Role) ([]*types.RoleAssignment, error) {
	if len(roles) == 0 {
		return nil, nil
	}
	args := append([]any{roomID}, lo.ToAnySlice(lo.Map(roles, func(r types.Role, _ int) string { return string(r) }))...)
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(roles)), ",")

	rows, err := m.db.QueryContext(ctx, `
		SELECT `+roleColumns+` FROM chat_roles
		WHERE room_id = ? AND role IN (`+placeholders+`)
		ORDER BY user_id
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query roles: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var assignments []*types.RoleAssignment
	for rows.Next() {
		a, err := scanRole(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan role row: %w", err)
		}
		assignments = append(assignments, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating role rows: %w", err)
	}
	return assignments, nil
}

// EnsureRole inserts the assignment when missing. An existing row keeps its
// role; only a stale username snapshot is refreshed.
func (m *Manager) EnsureRole(ctx context.Context, room *types.Room, user *types.User, role types.Role, grantedBy *types.User) (*types.RoleAssignment, bool, error) {
	if room == nil || !user.IsAuthenticated() {
		return nil, false, ErrNilUser
	}
	if !role.IsValid() {
		return nil, false, fmt.Errorf("invalid role %q", role)
	}

	var (
		assignment *types.RoleAssignment
		created    bool
	)
	err := m.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		assignment, created, err = ensureRole(ctx, tx, room, user, role, grantedBy)
		return err
	})
	if isUniqueViolation(err) {
		assignment, err = getRole(ctx, m.db, room.ID, user.ID)
		return assignment, false, err
	}
	if err != nil {
		return nil, false, err
	}
	return assignment, created, nil
}

func ensureRole(ctx context.Context, q queryer, room *types.Room, user *types.User, role types.Role, grantedBy *types.User) (*types.RoleAssignment, bool, error) {
	existing, err := getRole(ctx, q, room.ID, user.ID)
	if err == nil {
		if existing.UsernameSnapshot != user.Username {
			existing.UsernameSnapshot = user.Username
			existing.UpdatedAt = now()
			if _, err := q.ExecContext(ctx,
				`UPDATE chat_roles SET username_snapshot = ?, updated_at = ? WHERE id = ?`,
				existing.UsernameSnapshot, existing.UpdatedAt, existing.ID); err != nil {
				return nil, false, fmt.Errorf("failed to refresh role snapshot: %w", err)
			}
		}
		return existing, false, nil
	}
	if !errors.Is(err, types.ErrNotFound) {
		return nil, false, err
	}

	var granter *int64
	if grantedBy.IsAuthenticated() {
		granter = &grantedBy.ID
	}
	ts := now()
	res, err := q.ExecContext(ctx, `
		INSERT INTO chat_roles (room_id, user_id, role, username_snapshot, granted_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, room.ID, user.ID, string(role), user.Username, nullInt64(granter), ts, ts)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert role: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, false, err
	}
	return &types.RoleAssignment{
		ID:               id,
		RoomID:           room.ID,
		UserID:           user.ID,
		Role:             role,
		UsernameSnapshot: user.Username,
		GrantedBy:        granter,
		CreatedAt:        ts,
		UpdatedAt:        ts,
	}, true, nil
}
