package interfaces

import (
	"context"
	"time"

	"parley/pkg/types"
)

// RoomStore resolves and lazily creates rooms.
type RoomStore interface {
	// GetOrCreatePublic returns the public room, repairing a legacy row whose
	// kind or pair key drifted.
	GetOrCreatePublic(ctx context.Context) (*types.Room, error)

	// GetBySlug returns types.ErrNotFound when no room has the slug.
	GetBySlug(ctx context.Context, slug string) (*types.Room, error)

	// CreatePrivate creates a private room and its owner role atomically.
	CreatePrivate(ctx context.Context, slug string, owner *types.User) (*types.Room, error)

	// GetOrCreateDirect returns the unique room for pairKey. A concurrent
	// creator may win the unique constraint; the loser re-reads and returns
	// the winner's row with created=false.
	GetOrCreateDirect(ctx context.Context, pairKey, slug string, initiator, peer *types.User) (room *types.Room, created bool, err error)

	// DirectRoomsFor lists direct rooms whose pair key contains userID.
	DirectRoomsFor(ctx context.Context, userID int64) ([]*types.Room, error)
}

// RoleStore is the room ACL.
type RoleStore interface {
	// RoleOf returns "" when the user holds no role in the room.
	RoleOf(ctx context.Context, roomID, userID int64) (types.Role, error)

	// RolesFor lists assignments whose role is in roles, ordered by user id.
	RolesFor(ctx context.Context, roomID int64, roles []types.Role) ([]*types.RoleAssignment, error)

	// EnsureRole inserts the row when absent and refreshes a stale username
	// snapshot; an existing role is never changed. created reports an insert.
	EnsureRole(ctx context.Context, room *types.Room, user *types.User, role types.Role, grantedBy *types.User) (assignment *types.RoleAssignment, created bool, err error)
}

// MessageStore appends and pages chat lines.
type MessageStore interface {
	// Append fills msg.ID and msg.CreatedAt.
	Append(ctx context.Context, msg *types.Message) error

	// Recent returns up to limit messages newest-first. beforeID > 0 pages
	// to rows with a smaller id.
	Recent(ctx context.Context, roomSlug string, beforeID int64, limit int) ([]*types.Message, error)
}

// UserLookup resolves identities and their profiles.
type UserLookup interface {
	Resolve(ctx context.Context, userID int64) (*types.User, error)
	ByUsername(ctx context.Context, username string) (*types.User, error)
}

// RateLimitBuckets is the persistent, transactional counter store.
type RateLimitBuckets interface {
	// HitBucket counts one hit against scopeKey and reports whether it is
	// within limit for the current window.
	HitBucket(ctx context.Context, scopeKey string, limit int, window time.Duration) (bool, error)
}

// Store bundles every relational contract the services consume.
type Store interface {
	RoomStore
	RoleStore
	MessageStore
	UserLookup
	RateLimitBuckets
	HealthCheck(ctx context.Context) error
	Close() error
}
