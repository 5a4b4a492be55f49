package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"parley/internal/audit"
	"parley/internal/inbox"
	"parley/pkg/interfaces"
	"parley/pkg/types"
)

// InboxOptions tunes direct inbox sessions. MinInterval floors the
// heartbeat and the watchdog poll; zero selects 5s.
type InboxOptions struct {
	Heartbeat   time.Duration
	IdleTimeout time.Duration
	ActiveTTL   time.Duration
	MinInterval time.Duration
}

// Timers derives the inbox timers.
func (o InboxOptions) Timers() Timers {
	return heartbeatTimers(o.Heartbeat, o.IdleTimeout, o.MinInterval, CloseInboxIdle)
}

func heartbeatTimers(hb, idle, floor time.Duration, code int) Timers {
	if floor <= 0 {
		floor = 5 * time.Second
	}
	hb = max(floor, hb)
	poll := hb
	if idle > 0 {
		poll = max(floor, min(hb, idle))
	}
	return Timers{IdleTimeout: idle, IdleCode: code, PollInterval: poll, Heartbeat: hb}
}

// Inbox client frame types and reply types.
const (
	inboxPing          = "ping"
	inboxSetActiveRoom = "set_active_room"
	inboxMarkRead      = "mark_read"

	inboxUnreadState = "direct_unread_state"
	inboxMarkReadAck = "direct_mark_read_ack"
	inboxError       = "error"
)

// Inbox error codes.
const (
	codeInvalidPayload = "invalid_payload"
	codeForbidden      = "forbidden"
)

type inboxFrame struct {
	Type     string          `json:"type"`
	RoomSlug json.RawMessage `json:"roomSlug"`
}

type unreadStateReply struct {
	Type   string            `json:"type"`
	Unread types.UnreadState `json:"unread"`
}

type markReadAck struct {
	Type     string            `json:"type"`
	RoomSlug string            `json:"roomSlug"`
	Unread   types.UnreadState `json:"unread"`
}

type inboxErrorReply struct {
	Type string `json:"type"`
	Code string `json:"code"`
}

// Inbox is the direct inbox protocol of one authenticated connection.
type Inbox struct {
	deps   *Deps
	opts   InboxOptions
	conn   interfaces.Connection
	user   *types.User
	ip     string
	connID string
	logger *slog.Logger
}

// NewInbox creates the inbox session for user.
func NewInbox(deps *Deps, opts InboxOptions, conn interfaces.Connection, user *types.User, ip string) *Inbox {
	return &Inbox{
		deps:   deps,
		opts:   opts,
		conn:   conn,
		user:   user,
		ip:     ip,
		logger: deps.Logger.With("session", "inbox", "conn_id", conn.ID()),
	}
}

// Admit requires an authenticated user.
func (s *Inbox) Admit(ctx context.Context) ([]string, int) {
	if !s.user.IsAuthenticated() {
		s.deps.Audit.Event(ctx, audit.ConnectDenied, "kind", "inbox", "reason", "anonymous", "ip", s.ip)
		return nil, CloseUnauthorized
	}
	s.connID = strings.ReplaceAll(uuid.NewString(), "-", "")
	return []string{inbox.Topic(s.user.ID)}, 0
}

// Start pushes the unread snapshot.
func (s *Inbox) Start(ctx context.Context) {
	s.send(unreadStateReply{Type: inboxUnreadState, Unread: s.deps.Tracker.UnreadState(ctx, s.user.ID)})
}

// Receive dispatches one client frame.
func (s *Inbox) Receive(ctx context.Context, frame []byte) {
	var msg inboxFrame
	if err := json.Unmarshal(frame, &msg); err != nil {
		s.sendError(codeInvalidPayload)
		return
	}

	switch msg.Type {
	case inboxPing:
		if _, err := s.deps.Tracker.TouchActiveRoom(ctx, s.user.ID, s.connID, s.opts.ActiveTTL); err != nil {
			s.logger.Warn("active room touch failed", "error", err)
		}
	case inboxSetActiveRoom:
		s.setActiveRoom(ctx, msg.RoomSlug)
	case inboxMarkRead:
		s.markRead(ctx, msg.RoomSlug)
	}
}

func (s *Inbox) setActiveRoom(ctx context.Context, raw json.RawMessage) {
	if isNull(raw) {
		if err := s.deps.Tracker.ClearActiveRoom(ctx, s.user.ID, s.connID); err != nil {
			s.logger.Warn("active room clear failed", "error", err)
		}
		return
	}
	slug, ok := decodeSlug(raw)
	if !ok {
		s.sendError(codeInvalidPayload)
		return
	}
	if !s.readableDirectRoom(ctx, slug) {
		s.sendError(codeForbidden)
		return
	}
	if err := s.deps.Tracker.SetActiveRoom(ctx, s.user.ID, slug, s.connID, s.opts.ActiveTTL); err != nil {
		s.logger.Warn("active room update failed", "room", slug, "error", err)
	}
}

func (s *Inbox) markRead(ctx context.Context, raw json.RawMessage) {
	slug, ok := decodeSlug(raw)
	if !ok {
		s.sendError(codeInvalidPayload)
		return
	}
	if !s.readableDirectRoom(ctx, slug) {
		s.sendError(codeForbidden)
		return
	}
	state, err := s.deps.Tracker.MarkRead(ctx, s.user.ID, slug)
	if err != nil {
		s.logger.Warn("mark read failed", "room", slug, "error", err)
	}
	s.send(markReadAck{Type: inboxMarkReadAck, RoomSlug: slug, Unread: state})
}

// readableDirectRoom reports whether slug names an existing direct room
// the user may read.
func (s *Inbox) readableDirectRoom(ctx context.Context, slug string) bool {
	if !s.deps.Rooms.ValidSlug(slug) || slug == types.PublicSlug {
		return false
	}
	room, err := s.deps.Store.GetBySlug(ctx, slug)
	if err != nil {
		if !errors.Is(err, types.ErrNotFound) {
			s.logger.Warn("room lookup failed", "room", slug, "error", err)
		}
		return false
	}
	if !room.IsDirect() {
		return false
	}
	ok, err := s.deps.Rooms.Checker().CanRead(ctx, room, s.user)
	if err != nil {
		s.logger.Warn("read check failed", "room", slug, "error", err)
		return false
	}
	return ok
}

// Deliver forwards inbox items verbatim.
func (s *Inbox) Deliver(_ context.Context, ev types.Event) {
	if ev.Type != types.EventInboxItem {
		return
	}
	if err := s.conn.WriteJSON(ev.Payload); err != nil {
		s.logger.Debug("inbox delivery failed", "error", err)
	}
}

// Stop drops this connection's active-room marker.
func (s *Inbox) Stop(ctx context.Context, _ int) {
	if err := s.deps.Tracker.ClearActiveRoom(ctx, s.user.ID, s.connID); err != nil {
		s.logger.Warn("active room clear failed", "error", err)
	}
}

func (s *Inbox) send(v any) {
	if err := s.conn.WriteJSON(v); err != nil {
		s.logger.Debug("inbox send failed", "error", err)
	}
}

func (s *Inbox) sendError(code string) {
	s.send(inboxErrorReply{Type: inboxError, Code: code})
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

func decodeSlug(raw json.RawMessage) (string, bool) {
	if isNull(raw) {
		return "", false
	}
	var slug string
	if err := json.Unmarshal(raw, &slug); err != nil {
		return "", false
	}
	return strings.TrimSpace(slug), true
}
