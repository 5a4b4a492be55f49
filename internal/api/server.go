// Package api serves the JSON HTTP endpoints next to the WebSocket ones:
// health, connection stats, room details and the direct-message workflow.
// Handlers hold no business logic; they map service results onto HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"

	"parley/internal/auth"
	"parley/internal/hub"
	"parley/internal/inbox"
	"parley/internal/media"
	"parley/internal/rooms"
	"parley/internal/websocket"
	"parley/pkg/types"
)

// Registry reports live WebSocket connections.
type Registry interface {
	Stats() websocket.Stats
}

// HealthChecker is implemented by the relational store.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// TopicStats reports the local fanout hub's counters.
type TopicStats interface {
	Stats(ctx context.Context) (hub.Stats, error)
}

// Deps are the server's collaborators. Activity, Topics and Proxies may
// be nil.
type Deps struct {
	Rooms    *rooms.Service
	Tracker  *inbox.Tracker
	Auth     *auth.Authenticator
	Activity *auth.Activity
	Health   HealthChecker
	Registry Registry
	Topics   TopicStats
	Media    *media.Builder
	Proxies  *websocket.TrustedProxies
	Logger   *slog.Logger
}

// Server routes the HTTP API.
type Server struct {
	deps     Deps
	validate *validator.Validate
	router   *http.ServeMux
	started  time.Time
	logger   *slog.Logger
}

// NewServer wires the routes. Extra handlers, such as the WebSocket
// endpoints, are registered on Mux.
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		deps:     deps,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		router:   http.NewServeMux(),
		started:  time.Now(),
		logger:   logger.With("component", "api"),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Handle("GET /health", s.wrap(http.HandlerFunc(s.healthCheck)))
	s.router.Handle("GET /api/stats", s.wrap(http.HandlerFunc(s.stats)))
	s.router.Handle("GET /api/rooms/public", s.wrap(s.authenticated(s.publicRoom)))
	s.router.Handle("GET /api/rooms/{slug}", s.wrap(s.authenticated(s.roomDetails)))
	s.router.Handle("POST /api/direct/start", s.wrap(s.authenticated(s.startDirect)))
	s.router.Handle("GET /api/direct/chats", s.wrap(s.authenticated(s.directChats)))
	s.router.Handle("OPTIONS /api/", s.wrap(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})))
}

// Mux exposes the router so other handlers can register on it.
func (s *Server) Mux() *http.ServeMux {
	return s.router
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Request and response bodies.

type HealthResponse struct {
	Status      string         `json:"status"`
	Timestamp   time.Time      `json:"timestamp"`
	Database    string         `json:"database"`
	Connections map[string]int `json:"connections"`
	Uptime      string         `json:"uptime"`
}

type StatsResponse struct {
	Connections ConnectionStats `json:"connections"`
	Topics      *hub.Stats      `json:"topics,omitempty"`
}

type ConnectionStats struct {
	Total  int            `json:"total"`
	ByKind map[string]int `json:"byKind"`
}

type RoomResponse struct {
	Room *types.Room `json:"room"`
}

type StartDirectRequest struct {
	Username string `json:"username" validate:"required,max=150"`
}

type StartDirectResponse struct {
	Slug string      `json:"slug"`
	Room *types.Room `json:"room"`
}

type DirectChatsResponse struct {
	Chats  []inbox.Item      `json:"chats"`
	Unread types.UnreadState `json:"unread"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// GET /health reports 503 when the database is unreachable.
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status, dbStatus := "healthy", "healthy"
	if err := s.deps.Health.HealthCheck(ctx); err != nil {
		s.logger.Warn("health check failed", "error", err)
		status, dbStatus = "unhealthy", "unavailable"
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, HealthResponse{
		Status:      status,
		Timestamp:   time.Now().UTC(),
		Database:    dbStatus,
		Connections: s.connectionStats().ByKind,
		Uptime:      time.Since(s.started).Round(time.Second).String(),
	})
}

// GET /api/stats
func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{Connections: s.connectionStats()}
	if s.deps.Topics != nil {
		if st, err := s.deps.Topics.Stats(r.Context()); err == nil {
			resp.Topics = &st
		} else {
			s.logger.Warn("hub stats unavailable", "error", err)
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) connectionStats() ConnectionStats {
	st := s.deps.Registry.Stats()
	byKind := lo.MapKeys(st.ByKind, func(_ int, kind websocket.Kind) string { return string(kind) })
	byKind["total"] = st.Total
	return ConnectionStats{Total: st.Total, ByKind: byKind}
}

// GET /api/rooms/public
func (s *Server) publicRoom(w http.ResponseWriter, r *http.Request, user *types.User) {
	room, err := s.deps.Rooms.ResolveForConnect(r.Context(), types.PublicSlug, user)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, RoomResponse{Room: room})
}

// GET /api/rooms/{slug}
func (s *Server) roomDetails(w http.ResponseWriter, r *http.Request, user *types.User) {
	room, err := s.deps.Rooms.Details(r.Context(), r.PathValue("slug"), user)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, RoomResponse{Room: room})
}

// POST /api/direct/start
func (s *Server) startDirect(w http.ResponseWriter, r *http.Request, user *types.User) {
	if !user.IsAuthenticated() {
		s.sendError(w, "Authentication required", http.StatusUnauthorized)
		return
	}
	var req StartDirectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.sendError(w, "Username is required", http.StatusBadRequest)
		return
	}

	room, err := s.deps.Rooms.StartDirect(r.Context(), user, req.Username)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, StartDirectResponse{Slug: room.Slug, Room: room})
}

// GET /api/direct/chats
func (s *Server) directChats(w http.ResponseWriter, r *http.Request, user *types.User) {
	if !user.IsAuthenticated() {
		s.sendError(w, "Authentication required", http.StatusUnauthorized)
		return
	}
	chats, err := s.deps.Rooms.DirectChats(r.Context(), user)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}

	imageURL := s.deps.Media.ForRequest(r, s.deps.Proxies.Trusted(r.RemoteAddr))
	items := lo.Map(chats, func(chat rooms.DirectChat, _ int) inbox.Item {
		item := inbox.Item{Slug: chat.Room.Slug}
		if chat.Peer != nil {
			item.Peer.Username = chat.Peer.Username
			if ref := chat.Peer.ProfileImage(); ref != "" {
				item.Peer.ProfileImage = imageURL(ref)
			}
		}
		if chat.LastMessage != nil {
			item.LastMessage = chat.LastMessage.Content
			item.LastMessageAt = chat.LastMessage.CreatedAt.UTC().Format(time.RFC3339Nano)
		}
		return item
	})
	s.writeJSON(w, http.StatusOK, DirectChatsResponse{
		Chats:  items,
		Unread: s.deps.Tracker.UnreadState(r.Context(), user.ID),
	})
}

// sendServiceError maps service sentinels onto status codes.
func (s *Server) sendServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, types.ErrNotFound):
		s.sendError(w, "Not found", http.StatusNotFound)
	case errors.Is(err, types.ErrSelfDirect):
		s.sendError(w, "Cannot start a direct chat with yourself", http.StatusBadRequest)
	case errors.Is(err, types.ErrEmptyUsername):
		s.sendError(w, "Username is required", http.StatusBadRequest)
	case errors.Is(err, types.ErrUnauthorized):
		s.sendError(w, "Authentication required", http.StatusUnauthorized)
	case errors.Is(err, types.ErrForbidden):
		s.sendError(w, "Forbidden", http.StatusForbidden)
	case errors.Is(err, types.ErrUnavailable):
		s.sendError(w, "Service temporarily unavailable", http.StatusServiceUnavailable)
	default:
		s.logger.Error("request failed", "error", err)
		s.sendError(w, "Internal error", http.StatusInternalServerError)
	}
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	s.writeJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("response write failed", "error", err)
	}
}

type userHandler func(w http.ResponseWriter, r *http.Request, user *types.User)

// authenticated resolves the caller through the auth middleware;
// anonymous callers get a nil user.
func (s *Server) authenticated(next userHandler) http.Handler {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := auth.UserFrom(r.Context())
		if user.IsAuthenticated() {
			s.deps.Activity.Touch(r.Context(), user.ID)
		}
		next(w, r, user)
	})
	unavailable := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		s.sendError(w, "Service temporarily unavailable", http.StatusServiceUnavailable)
	})
	return s.deps.Auth.Middleware(handler, unavailable)
}

func (s *Server) wrap(next http.Handler) http.Handler {
	return corsMiddleware(jsonMiddleware(next))
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
