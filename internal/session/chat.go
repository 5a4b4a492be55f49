package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"parley/internal/audit"
	"parley/internal/rooms"
	"parley/pkg/interfaces"
	"parley/pkg/types"
)

// ChatOptions tunes chat sessions.
type ChatOptions struct {
	IdleTimeout      time.Duration
	PollInterval     time.Duration
	MaxMessageLength int
}

// Timers derives the chat timers. Without an explicit poll interval the
// watchdog checks every clamp(IdleTimeout, 10s, 60s).
func (o ChatOptions) Timers() Timers {
	poll := o.PollInterval
	if poll <= 0 {
		poll = clamp(o.IdleTimeout, 10*time.Second, 60*time.Second)
	}
	return Timers{IdleTimeout: o.IdleTimeout, IdleCode: CloseChatIdle, PollInterval: poll}
}

// ChatTopic is the broker topic of a room.
func ChatTopic(roomID int64) string {
	return "chat_room_" + strconv.FormatInt(roomID, 10)
}

// ChatMessage is the fanout payload of a chat line.
type ChatMessage struct {
	Message    string  `json:"message"`
	Username   string  `json:"username"`
	ProfilePic *string `json:"profile_pic"`
	Room       string  `json:"room"`
}

type chatError struct {
	Error string `json:"error"`
}

// Chat is the room protocol.
type Chat struct {
	deps     *Deps
	opts     ChatOptions
	conn     interfaces.Connection
	user     *types.User
	slug     string
	ip       string
	imageURL func(string) *string
	room     *types.Room
	logger   *slog.Logger
}

// NewChat creates the session for user on the room addressed by slug.
func NewChat(deps *Deps, opts ChatOptions, conn interfaces.Connection, user *types.User, slug, ip string, imageURL func(string) *string) *Chat {
	return &Chat{
		deps:     deps,
		opts:     opts,
		conn:     conn,
		user:     user,
		slug:     slug,
		ip:       ip,
		imageURL: imageURL,
		logger:   deps.Logger.With("session", "chat", "conn_id", conn.ID(), "room", slug),
	}
}

// Admit resolves the room and checks read access.
func (c *Chat) Admit(ctx context.Context) ([]string, int) {
	if !c.deps.Rooms.ValidSlug(c.slug) {
		return nil, CloseNotFound
	}

	room, err := c.deps.Rooms.ResolveForConnect(ctx, c.slug, c.user)
	switch {
	case errors.Is(err, rooms.ErrInvalidSlug), errors.Is(err, types.ErrNotFound):
		return nil, CloseNotFound
	case err != nil:
		c.logger.Error("room resolution failed", "error", err)
		return nil, CloseTryAgainLater
	}

	ok, err := c.deps.Rooms.Checker().CanRead(ctx, room, c.user)
	if err != nil {
		c.logger.Error("read check failed", "error", err)
		return nil, CloseTryAgainLater
	}
	if !ok {
		c.deps.Audit.Event(ctx, audit.ConnectDenied, "kind", "chat", "room", room.Slug, "user_id", userID(c.user), "ip", c.ip)
		return nil, CloseForbidden
	}

	c.room = room
	return []string{ChatTopic(room.ID)}, 0
}

// Start is a no-op for chat.
func (c *Chat) Start(context.Context) {}

// Receive validates, stores and fans out one chat line.
func (c *Chat) Receive(ctx context.Context, frame []byte) {
	var payload map[string]any
	if err := json.Unmarshal(frame, &payload); err != nil {
		return
	}
	raw, ok := payload["message"].(string)
	if !ok {
		return
	}
	content := strings.TrimSpace(raw)
	if content == "" {
		return
	}
	if utf8.RuneCountInString(content) > c.opts.MaxMessageLength {
		c.reply("message_too_long")
		return
	}
	if !c.user.IsAuthenticated() {
		return
	}

	ok, err := c.deps.Rooms.Checker().CanWrite(ctx, c.room, c.user)
	if err != nil {
		c.logger.Error("write check failed", "error", err)
		return
	}
	if !ok {
		c.reply("forbidden")
		return
	}

	allowed, err := c.deps.MessageLimiter.Allow(ctx, strconv.FormatInt(c.user.ID, 10))
	if err != nil {
		c.logger.Warn("message rate limit check failed", "error", err)
	}
	if err == nil && !allowed {
		c.reply("rate_limited")
		return
	}

	msg := &types.Message{
		RoomSlug:   c.room.Slug,
		UserID:     &c.user.ID,
		Username:   c.user.Username,
		Content:    content,
		ProfilePic: c.user.ProfileImage(),
	}
	if err := c.deps.Messages.Append(ctx, msg); err != nil {
		c.logger.Error("message persistence failed, dropping", "user_id", c.user.ID, "error", err)
		return
	}

	if err := c.publish(ctx, msg); err != nil {
		c.logger.Error("chat fanout failed", "error", err)
	}

	if c.room.IsDirect() {
		if err := c.deps.Notifier.Notify(ctx, c.room, c.user, msg, c.imageURL); err != nil {
			c.logger.Warn("inbox notification failed", "error", err)
		}
	}
}

func (c *Chat) publish(ctx context.Context, msg *types.Message) error {
	var pic *string
	if ref := msg.ProfilePic; ref != "" && c.imageURL != nil {
		pic = c.imageURL(ref)
	}
	ev, err := types.NewEvent(types.EventChatMessage, ChatMessage{
		Message:    msg.Content,
		Username:   msg.Username,
		ProfilePic: pic,
		Room:       msg.RoomSlug,
	})
	if err != nil {
		return fmt.Errorf("encode chat message: %w", err)
	}
	return c.deps.Broker.Publish(ctx, ChatTopic(c.room.ID), ev)
}

// Deliver forwards chat lines to the client.
func (c *Chat) Deliver(_ context.Context, ev types.Event) {
	switch ev.Type {
	case types.EventChatMessage:
		if err := c.conn.WriteJSON(ev.Payload); err != nil {
			c.logger.Debug("chat delivery failed", "error", err)
		}
	default:
		c.logger.Debug("ignoring event", "type", ev.Type)
	}
}

// Stop has nothing to release; the runner leaves the topics.
func (c *Chat) Stop(context.Context, int) {}

func (c *Chat) reply(code string) {
	if err := c.conn.WriteJSON(chatError{Error: code}); err != nil {
		c.logger.Debug("error reply failed", "code", code, "error", err)
	}
}

func userID(u *types.User) int64 {
	if u == nil {
		return 0
	}
	return u.ID
}
