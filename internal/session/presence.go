package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"parley/internal/audit"
	"parley/internal/presence"
	"parley/pkg/interfaces"
	"parley/pkg/types"
)

// PresenceOptions tunes presence sessions. MinInterval floors the
// heartbeat and the watchdog poll; zero selects 5s.
type PresenceOptions struct {
	Heartbeat     time.Duration
	IdleTimeout   time.Duration
	TouchInterval time.Duration
	MinInterval   time.Duration
}

// Timers derives the presence timers.
func (o PresenceOptions) Timers() Timers {
	return heartbeatTimers(o.Heartbeat, o.IdleTimeout, o.MinInterval, ClosePresenceIdle)
}

// Presence tracks one connection in the online list or the guest count.
type Presence struct {
	deps      *Deps
	opts      PresenceOptions
	conn      interfaces.Connection
	user      *types.User
	ip        string
	image     *string
	nextTouch time.Time
	now       func() time.Time
	logger    *slog.Logger
}

// NewPresence creates the presence session. Guests are keyed by ip.
func NewPresence(deps *Deps, opts PresenceOptions, conn interfaces.Connection, user *types.User, ip string, imageURL func(string) *string) *Presence {
	p := &Presence{
		deps:   deps,
		opts:   opts,
		conn:   conn,
		user:   user,
		ip:     ip,
		now:    time.Now,
		logger: deps.Logger.With("session", "presence", "conn_id", conn.ID()),
	}
	if ref := user.ProfileImage(); ref != "" && imageURL != nil {
		p.image = imageURL(ref)
	}
	return p
}

func (p *Presence) guest() bool {
	return !p.user.IsAuthenticated()
}

// Admit routes users and guests to their topics. A guest without a
// resolvable address cannot be counted and is refused.
func (p *Presence) Admit(ctx context.Context) ([]string, int) {
	if !p.guest() {
		return []string{presence.TopicAuth}, 0
	}
	if p.ip == "" {
		p.deps.Audit.Event(ctx, audit.ConnectDenied, "kind", "presence", "reason", "unresolved_ip")
		return nil, CloseUnauthorized
	}
	return []string{presence.TopicGuest}, 0
}

// Start counts the connection and broadcasts the new snapshot.
func (p *Presence) Start(ctx context.Context) {
	var err error
	if p.guest() {
		err = p.deps.Presence.AddGuest(ctx, p.ip)
	} else {
		err = p.deps.Presence.AddUser(ctx, p.user.Username, p.image)
	}
	if err != nil {
		p.logger.Error("presence add failed", "error", err)
	}
	p.broadcast(ctx)
}

// Receive refreshes the entry on ping, at most once per TouchInterval.
func (p *Presence) Receive(ctx context.Context, frame []byte) {
	var msg struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(frame, &msg); err != nil || msg.Type != "ping" {
		return
	}
	now := p.now()
	if now.Before(p.nextTouch) {
		return
	}
	p.nextTouch = now.Add(p.opts.TouchInterval)

	var err error
	if p.guest() {
		err = p.deps.Presence.TouchGuest(ctx, p.ip)
	} else {
		err = p.deps.Presence.TouchUser(ctx, p.user.Username, p.image)
	}
	if err != nil {
		p.logger.Warn("presence touch failed", "error", err)
	}
}

// Deliver forwards presence snapshots.
func (p *Presence) Deliver(_ context.Context, ev types.Event) {
	if ev.Type != types.EventPresenceUpdate {
		return
	}
	if err := p.conn.WriteJSON(ev.Payload); err != nil {
		p.logger.Debug("presence delivery failed", "error", err)
	}
}

// Stop releases the connection's count. Only an abnormal close keeps the
// entry visible for the grace window.
func (p *Presence) Stop(ctx context.Context, code int) {
	graceful := IsGraceful(code)
	var err error
	if p.guest() {
		err = p.deps.Presence.RemoveGuest(ctx, p.ip, graceful)
	} else {
		err = p.deps.Presence.RemoveUser(ctx, p.user.Username, graceful)
	}
	if err != nil {
		p.logger.Warn("presence remove failed", "error", err)
	}
	p.broadcast(ctx)
}

func (p *Presence) broadcast(ctx context.Context) {
	if err := p.deps.Presence.Broadcast(ctx, p.deps.Broker); err != nil {
		p.logger.Warn("presence broadcast failed", "error", err)
	}
}
