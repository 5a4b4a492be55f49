// Package access decides whether a user may read or write a room.
//
// The predicates are pure: callers pass the user's role in the room (or ""
// when there is none). Checker adds the role lookup on top.
package access

import (
	"context"
	"fmt"

	"parley/pkg/interfaces"
	"parley/pkg/types"
)

// CanRead reports read access. Public rooms are open to everyone; direct
// rooms additionally require the user to be one side of the pair key.
func CanRead(room *types.Room, user *types.User, role types.Role) bool {
	if room == nil {
		return false
	}
	if room.Kind == types.RoomPublic {
		return true
	}
	if !user.IsAuthenticated() {
		return false
	}
	if room.Kind == types.RoomDirect && !types.PairContains(room.DirectPairKey, user.ID) {
		return false
	}
	return role.CanRead()
}

// CanWrite reports write access. Any authenticated user may post to the
// public room.
func CanWrite(room *types.Room, user *types.User, role types.Role) bool {
	if room == nil || !user.IsAuthenticated() {
		return false
	}
	if room.Kind == types.RoomPublic {
		return true
	}
	if room.Kind == types.RoomDirect && !types.PairContains(room.DirectPairKey, user.ID) {
		return false
	}
	return role.CanWrite()
}

// Checker resolves roles through a RoleStore before applying the predicates.
type Checker struct {
	roles interfaces.RoleStore
}

// NewChecker creates a Checker over roles.
func NewChecker(roles interfaces.RoleStore) *Checker {
	return &Checker{roles: roles}
}

// RoleOf skips the store for public rooms and anonymous users, whose
// answer never depends on a role row.
func (c *Checker) RoleOf(ctx context.Context, room *types.Room, user *types.User) (types.Role, error) {
	if room == nil || room.Kind == types.RoomPublic || !user.IsAuthenticated() {
		return "", nil
	}
	role, err := c.roles.RoleOf(ctx, room.ID, user.ID)
	if err != nil {
		return "", fmt.Errorf("lookup role in room %d: %w", room.ID, err)
	}
	return role, nil
}

// CanRead looks up the user's role and applies CanRead.
func (c *Checker) CanRead(ctx context.Context, room *types.Room, user *types.User) (bool, error) {
	role, err := c.RoleOf(ctx, room, user)
	if err != nil {
		return false, err
	}
	return CanRead(room, user, role), nil
}

// CanWrite looks up the user's role and applies CanWrite.
func (c *Checker) CanWrite(ctx context.Context, room *types.Room, user *types.User) (bool, error) {
	role, err := c.RoleOf(ctx, room, user)
	if err != nil {
		return false, err
	}
	return CanWrite(room, user, role), nil
}

// EnsureCanReadOrNotFound returns types.ErrNotFound when read access is
// denied so a room's existence does not leak.
func (c *Checker) EnsureCanReadOrNotFound(ctx context.Context, room *types.Room, user *types.User) error {
	ok, err := c.CanRead(ctx, room, user)
	if err != nil {
		return err
	}
	if !ok {
		return types.ErrNotFound
	}
	return nil
}
