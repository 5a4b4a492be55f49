package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/samber/lo"

	"parley/pkg/types"
)

const roomColumns = `id, slug, name, kind, direct_pair_key, created_by`

func scanRoom(row interface{ Scan(...any) error }) (*types.Room, error) {
	var (
		room      types.Room
		kind      string
		pairKey   sql.NullString
		createdBy sql.NullInt64
	)
	if err := row.Scan(&room.ID, &room.Slug, &room.Name, &kind, &pairKey, &createdBy); err != nil {
		return nil, err
	}
	room.Kind = types.RoomKind(kind)
	room.DirectPairKey = pairKey.String
	room.CreatedBy = int64Ptr(createdBy)
	return &room, nil
}

func getRoom(ctx context.Context, q queryer, where string, args ...any) (*types.Room, error) {
	room, err := scanRoom(q.QueryRowContext(ctx, "SELECT "+roomColumns+" FROM rooms WHERE "+where, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query room: %w", err)
	}
	return room, nil
}

// GetBySlug returns types.ErrNotFound for an unknown slug.
func (m *Manager) GetBySlug(ctx context.Context, slug string) (*types.Room, error) {
	return getRoom(ctx, m.db, "slug = ?", slug)
}

// GetOrCreatePublic returns the public room, creating it on first use and
// repairing a row whose kind or pair key drifted.
func (m *Manager) GetOrCreatePublic(ctx context.Context) (*types.Room, error) {
	room, err := m.GetBySlug(ctx, types.PublicSlug)
	if err == nil && room.Kind == types.RoomPublic && room.DirectPairKey == "" {
		return room, nil
	}
	if err != nil && !errors.Is(err, types.ErrNotFound) {
		return nil, err
	}

	err = m.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO rooms (slug, name, kind) VALUES (?, ?, ?)
			ON CONFLICT (slug) DO UPDATE SET kind = excluded.kind, direct_pair_key = NULL
		`, types.PublicSlug, types.PublicName, string(types.RoomPublic))
		if err != nil {
			return fmt.Errorf("failed to ensure public room: %w", err)
		}
		room, err = getRoom(ctx, tx, "slug = ?", types.PublicSlug)
		return err
	})
	if err != nil {
		return nil, err
	}
	return room, nil
}

// CreatePrivate inserts a private room and its owner role in one
// transaction. When another writer created the slug first, that room is
// returned unchanged.
func (m *Manager) CreatePrivate(ctx context.Context, slug string, owner *types.User) (*types.Room, error) {
	if !owner.IsAuthenticated() {
		return nil, ErrNilUser
	}

	var room *types.Room
	err := m.inTx(ctx, func(tx *sql.Tx) error {
		existing, err := getRoom(ctx, tx, "slug = ?", slug)
		if err == nil {
			room = existing
			return nil
		}
		if !errors.Is(err, types.ErrNotFound) {
			return err
		}

		res, err := tx.ExecContext(ctx,
			`INSERT INTO rooms (slug, name, kind, created_by) VALUES (?, ?, ?, ?)`,
			slug, slug, string(types.RoomPrivate), owner.ID)
		if err != nil {
			return fmt.Errorf("failed to insert private room: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		room = &types.Room{ID: id, Slug: slug, Name: slug, Kind: types.RoomPrivate, CreatedBy: &owner.ID}
		_, _, err = ensureRole(ctx, tx, room, owner, types.RoleOwner, owner)
		return err
	})
	if isUniqueViolation(err) {
		return m.GetBySlug(ctx, slug)
	}
	if err != nil {
		return nil, err
	}
	return room, nil
}

// GetOrCreateDirect returns the room for pairKey, creating it together with
// the initiator's owner role and the peer's member role.
func (m *Manager) GetOrCreateDirect(ctx context.Context, pairKey, slug string, initiator, peer *types.User) (*types.Room, bool, error) {
	if !initiator.IsAuthenticated() || !peer.IsAuthenticated() {
		return nil, false, ErrNilUser
	}
	if room, err := getRoom(ctx, m.db, "direct_pair_key = ?", pairKey); err == nil {
		return room, false, nil
	} else if !errors.Is(err, types.ErrNotFound) {
		return nil, false, err
	}

	var (
		room    *types.Room
		created bool
	)
	err := m.inTx(ctx, func(tx *sql.Tx) error {
		existing, err := getRoom(ctx, tx, "direct_pair_key = ?", pairKey)
		if err == nil {
			room = existing
			return nil
		}
		if !errors.Is(err, types.ErrNotFound) {
			return err
		}

		res, err := tx.ExecContext(ctx,
			`INSERT INTO rooms (slug, name, kind, direct_pair_key, created_by) VALUES (?, ?, ?, ?, ?)`,
			slug, slug, string(types.RoomDirect), pairKey, initiator.ID)
		if err != nil {
			return fmt.Errorf("failed to insert direct room: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		room = &types.Room{ID: id, Slug: slug, Name: slug, Kind: types.RoomDirect, DirectPairKey: pairKey, CreatedBy: &initiator.ID}
		created = true

		if _, _, err := ensureRole(ctx, tx, room, initiator, types.RoleOwner, initiator); err != nil {
			return err
		}
		_, _, err = ensureRole(ctx, tx, room, peer, types.RoleMember, initiator)
		return err
	})
	if isUniqueViolation(err) {
		room, err := getRoom(ctx, m.db, "direct_pair_key = ?", pairKey)
		return room, false, err
	}
	if err != nil {
		return nil, false, err
	}
	return room, created, nil
}

// DirectRoomsFor lists the direct rooms whose pair key names userID.
func (m *Manager) DirectRoomsFor(ctx context.Context, userID int64) ([]*types.Room, error) {
	id := strconv.FormatInt(userID, 10)
	rows, err := m.db.QueryContext(ctx, `
		SELECT `+roomColumns+` FROM rooms
		WHERE kind = ? AND (direct_pair_key LIKE ? OR direct_pair_key LIKE ?)
		ORDER BY id DESC
	`, string(types.RoomDirect), id+":%", "%:"+id)
	if err != nil {
		return nil, fmt.Errorf("failed to query direct rooms: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var rooms []*types.Room
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan room row: %w", err)
		}
		rooms = append(rooms, room)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating room rows: %w", err)
	}

	return lo.Filter(rooms, func(room *types.Room, _ int) bool {
		return types.PairContains(room.DirectPairKey, userID)
	}), nil
}

func now() time.Time {
	return time.Now().UTC()
}
