package session

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"parley/internal/audit"
	"parley/internal/auth"
	"parley/internal/media"
	"parley/internal/ratelimit"
	"parley/internal/websocket"
	"parley/pkg/interfaces"
	"parley/pkg/types"
)

// ConnectLimitPrefix scopes the per-IP connect bucket.
const ConnectLimitPrefix = "ws:connect:"

// HandlerOptions groups the per-protocol settings.
type HandlerOptions struct {
	Chat     ChatOptions
	Inbox    InboxOptions
	Presence PresenceOptions
}

// Handler serves the WebSocket endpoints.
type Handler struct {
	deps     *Deps
	opts     HandlerOptions
	runner   *Runner
	acceptor *websocket.Acceptor
	auth     *auth.Authenticator
	proxies  *websocket.TrustedProxies
	connect  ratelimit.Limiter
	media    *media.Builder
	logger   *slog.Logger

	base     context.Context
	shutdown context.CancelFunc

	mu     sync.Mutex
	closed bool
	active sync.WaitGroup
}

// NewHandler validates deps and assembles the handler. connect and
// proxies may be nil.
func NewHandler(deps *Deps, opts HandlerOptions, runner *Runner, acceptor *websocket.Acceptor, authn *auth.Authenticator, proxies *websocket.TrustedProxies, connect ratelimit.Limiter, builder *media.Builder) (*Handler, error) {
	if err := deps.Validate(); err != nil {
		return nil, err
	}
	if runner == nil || acceptor == nil || authn == nil || builder == nil {
		return nil, ErrMissingDeps
	}
	base, cancel := context.WithCancel(context.Background())
	return &Handler{
		deps:     deps,
		opts:     opts,
		runner:   runner,
		acceptor: acceptor,
		auth:     authn,
		proxies:  proxies,
		connect:  connect,
		media:    builder,
		logger:   deps.Logger.With("component", "ws_handler"),
		base:     base,
		shutdown: cancel,
	}, nil
}

// Register mounts the endpoints on mux. Each path is served with and
// without the trailing slash.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/chat/{room}", h.serveChat)
	mux.HandleFunc("GET /ws/chat/{room}/{$}", h.serveChat)
	mux.HandleFunc("GET /ws/direct", h.serveInbox)
	mux.HandleFunc("GET /ws/direct/{$}", h.serveInbox)
	mux.HandleFunc("GET /ws/presence", h.servePresence)
	mux.HandleFunc("GET /ws/presence/{$}", h.servePresence)
}

// Shutdown ends every running session with CloseGoingAway and waits for
// them, or for ctx.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.shutdown()
	done := make(chan struct{})
	go func() {
		h.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// track registers a session unless Shutdown has begun.
func (h *Handler) track() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.active.Add(1)
	return true
}

// request carries what every endpoint resolves before the handshake.
type request struct {
	ip       string
	user     *types.User
	imageURL func(string) *string
	code     int
}

func (h *Handler) serveChat(w http.ResponseWriter, r *http.Request) {
	slug := strings.TrimSpace(r.PathValue("room"))
	h.serve(w, r, websocket.KindChat, h.opts.Chat.Timers(), func(conn interfaces.Connection, req request) Session {
		return NewChat(h.deps, h.opts.Chat, conn, req.user, slug, req.ip, req.imageURL)
	})
}

func (h *Handler) serveInbox(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, websocket.KindInbox, h.opts.Inbox.Timers(), func(conn interfaces.Connection, req request) Session {
		return NewInbox(h.deps, h.opts.Inbox, conn, req.user, req.ip)
	})
}

func (h *Handler) servePresence(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, websocket.KindPresence, h.opts.Presence.Timers(), func(conn interfaces.Connection, req request) Session {
		return NewPresence(h.deps, h.opts.Presence, conn, req.user, req.ip, req.imageURL)
	})
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request, kind websocket.Kind, timers Timers, build func(interfaces.Connection, request) Session) {
	if !h.track() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer h.active.Done()

	req := h.prepare(r, kind)

	conn, err := h.acceptor.Accept(w, r)
	if err != nil {
		h.logger.Debug("handshake failed", "kind", string(kind), "ip", req.ip, "error", err)
		return
	}
	if req.code != 0 {
		_ = conn.CloseWithCode(req.code, CloseReason(req.code))
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(h.base, cancel)
	defer stop()

	h.runner.Run(ctx, conn, kind, build(conn, req), timers)
}

// prepare resolves the client address, applies the connect limit and
// authenticates. A non-zero code refuses the connection after the
// handshake so the client sees the close code.
func (h *Handler) prepare(r *http.Request, kind websocket.Kind) request {
	ctx := r.Context()
	req := request{ip: h.proxies.ClientIP(r)}

	if h.connect != nil {
		allowed, err := h.connect.Allow(ctx, req.ip)
		if err != nil || !allowed {
			h.deps.Audit.Event(ctx, audit.ConnectRateLimited, "kind", string(kind), "ip", req.ip)
			req.code = CloseRateLimited
			return req
		}
	}

	user, err := h.auth.Authenticate(ctx, r)
	if err != nil {
		h.logger.Error("authentication failed", "kind", string(kind), "error", err)
		req.code = CloseTryAgainLater
		return req
	}
	req.user = user
	req.imageURL = h.media.ForRequest(r, h.proxies.Trusted(r.RemoteAddr))
	return req
}
