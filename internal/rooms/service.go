// Package rooms resolves rooms for connections and HTTP requests and starts
// direct conversations.
package rooms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"parley/internal/access"
	"parley/internal/audit"
	"parley/pkg/interfaces"
	"parley/pkg/types"
)

// Store is the slice of the relational store the service needs.
type Store interface {
	interfaces.RoomStore
	interfaces.RoleStore
	interfaces.MessageStore
	interfaces.UserLookup
}

// Options tunes direct starts and slug validation.
type Options struct {
	DirectSalt         string
	DirectStartRetries int
	RetryBackoff       time.Duration
	Slugs              *types.SlugValidator
}

// Service owns lazy room creation and the direct-start workflow.
type Service struct {
	store   Store
	checker *access.Checker
	opts    Options
	audit   *audit.Logger
	logger  *slog.Logger
}

// NewService validates opts and wires a Service.
func NewService(store Store, opts Options, auditLog *audit.Logger, logger *slog.Logger) (*Service, error) {
	if store == nil {
		return nil, ErrNilStore
	}
	if opts.DirectSalt == "" {
		return nil, ErrMissingSalt
	}
	if opts.DirectStartRetries <= 0 {
		opts.DirectStartRetries = 3
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 50 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   store,
		checker: access.NewChecker(store),
		opts:    opts,
		audit:   auditLog,
		logger:  logger.With("component", "rooms"),
	}, nil
}

// Checker exposes the access checker bound to the service's role store.
func (s *Service) Checker() *access.Checker {
	return s.checker
}

// ValidSlug reports whether slug names a room clients may address.
func (s *Service) ValidSlug(slug string) bool {
	return slug == types.PublicSlug || s.opts.Slugs.Valid(slug)
}

// ResolveForConnect returns the room behind slug. The public room is
// created on demand; an unknown slug becomes a private room owned by an
// authenticated caller and types.ErrNotFound for anyone else. Store
// failures are reported as types.ErrUnavailable.
func (s *Service) ResolveForConnect(ctx context.Context, slug string, user *types.User) (*types.Room, error) {
	if !s.ValidSlug(slug) {
		return nil, ErrInvalidSlug
	}
	if slug == types.PublicSlug {
		room, err := s.store.GetOrCreatePublic(ctx)
		if err != nil {
			return nil, unavailable(err)
		}
		return room, nil
	}

	room, err := s.store.GetBySlug(ctx, slug)
	switch {
	case err == nil:
		s.repairOwner(ctx, room)
		return room, nil
	case !errors.Is(err, types.ErrNotFound):
		return nil, unavailable(err)
	case !user.IsAuthenticated():
		return nil, types.ErrNotFound
	}

	room, err = s.store.CreatePrivate(ctx, slug, user)
	if err != nil {
		return nil, unavailable(err)
	}
	if room.CreatedBy != nil && *room.CreatedBy == user.ID {
		s.audit.Event(ctx, audit.RoleGranted, "room", room.Slug, "user_id", user.ID, "role", string(types.RoleOwner), "reason", "private_room_created")
	}
	return room, nil
}

// repairOwner restores the owner row of a private room created before
// roles were written together with the room.
func (s *Service) repairOwner(ctx context.Context, room *types.Room) {
	if room.Kind != types.RoomPrivate || room.CreatedBy == nil {
		return
	}
	role, err := s.store.RoleOf(ctx, room.ID, *room.CreatedBy)
	if err != nil || role != "" {
		return
	}
	owner, err := s.store.Resolve(ctx, *room.CreatedBy)
	if err != nil {
		return
	}
	if _, created, err := s.store.EnsureRole(ctx, room, owner, types.RoleOwner, owner); err != nil {
		s.logger.Warn("owner repair failed", "room", room.Slug, "error", err)
	} else if created {
		s.audit.Event(ctx, audit.RoleGranted, "room", room.Slug, "user_id", owner.ID, "role", string(types.RoleOwner), "reason", "owner_repair")
	}
}

// Details resolves slug like ResolveForConnect and hides rooms the user
// cannot read behind types.ErrNotFound.
func (s *Service) Details(ctx context.Context, slug string, user *types.User) (*types.Room, error) {
	room, err := s.ResolveForConnect(ctx, slug, user)
	if errors.Is(err, ErrInvalidSlug) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := s.checker.EnsureCanReadOrNotFound(ctx, room, user); err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil, err
		}
		return nil, unavailable(err)
	}
	return room, nil
}

// StartDirect returns the direct room between initiator and the user named
// targetUsername, creating it and both roles on first use. Repeated calls
// for the same pair return the same slug.
func (s *Service) StartDirect(ctx context.Context, initiator *types.User, targetUsername string) (*types.Room, error) {
	if !initiator.IsAuthenticated() {
		return nil, types.ErrUnauthorized
	}
	name := types.NormalizeUsername(targetUsername)
	if name == "" {
		return nil, types.ErrEmptyUsername
	}
	peer, err := s.store.ByUsername(ctx, name)
	if errors.Is(err, types.ErrNotFound) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, unavailable(err)
	}
	if peer.ID == initiator.ID {
		return nil, types.ErrSelfDirect
	}

	pairKey := types.PairKey(initiator.ID, peer.ID)
	slug := types.DirectSlug(s.opts.DirectSalt, pairKey)

	var (
		room    *types.Room
		created bool
	)
	for attempt := 0; attempt < s.opts.DirectStartRetries; attempt++ {
		room, created, err = s.store.GetOrCreateDirect(ctx, pairKey, slug, initiator, peer)
		if err == nil {
			break
		}
		s.logger.Warn("direct start attempt failed", "pair", pairKey, "attempt", attempt+1, "error", err)
		if attempt == s.opts.DirectStartRetries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt+1) * s.opts.RetryBackoff):
		}
	}
	if err != nil {
		return nil, unavailable(err)
	}

	initiatorRole := types.RoleMember
	if created {
		initiatorRole = types.RoleOwner
	}
	if err := s.ensureRole(ctx, room, initiator, initiatorRole, initiator); err != nil {
		return nil, err
	}
	if err := s.ensureRole(ctx, room, peer, types.RoleMember, initiator); err != nil {
		return nil, err
	}
	return room, nil
}

func (s *Service) ensureRole(ctx context.Context, room *types.Room, user *types.User, role types.Role, grantedBy *types.User) error {
	assignment, created, err := s.store.EnsureRole(ctx, room, user, role, grantedBy)
	if err != nil {
		return unavailable(fmt.Errorf("ensure %s role for user %d: %w", role, user.ID, err))
	}
	if created {
		s.audit.Event(ctx, audit.RoleGranted, "room", room.Slug, "user_id", user.ID, "role", string(assignment.Role), "granted_by", grantedBy.ID)
	}
	return nil
}

// DirectChat is one row of a user's direct conversation list.
type DirectChat struct {
	Room        *types.Room
	Peer        *types.User
	LastMessage *types.Message
}

// DirectChats lists the user's direct rooms with the peer and the latest
// message, most recently active first. Failed reads leave Peer or
// LastMessage nil.
func (s *Service) DirectChats(ctx context.Context, user *types.User) ([]DirectChat, error) {
	if !user.IsAuthenticated() {
		return nil, types.ErrUnauthorized
	}
	rooms, err := s.store.DirectRoomsFor(ctx, user.ID)
	if err != nil {
		return nil, unavailable(err)
	}

	chats := make([]DirectChat, 0, len(rooms))
	for _, room := range rooms {
		chat := DirectChat{Room: room}
		if low, high, err := types.ParsePairKey(room.DirectPairKey); err == nil {
			peerID := low
			if low == user.ID {
				peerID = high
			}
			if peer, err := s.store.Resolve(ctx, peerID); err == nil {
				chat.Peer = peer
			}
		}
		recent, err := s.store.Recent(ctx, room.Slug, 0, 1)
		if err != nil {
			s.logger.Warn("last message read failed", "room", room.Slug, "error", err)
		} else if len(recent) > 0 {
			chat.LastMessage = recent[0]
		}
		chats = append(chats, chat)
	}

	slices.SortStableFunc(chats, func(a, b DirectChat) int {
		return lastActivity(b).Compare(lastActivity(a))
	})
	return chats, nil
}

func lastActivity(c DirectChat) time.Time {
	if c.LastMessage == nil {
		return time.Time{}
	}
	return c.LastMessage.CreatedAt
}

func unavailable(err error) error {
	if errors.Is(err, types.ErrUnavailable) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", types.ErrUnavailable, err)
}
