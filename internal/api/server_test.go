package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parley/internal/auth"
	"parley/internal/cache"
	"parley/internal/database"
	"parley/internal/hub"
	"parley/internal/inbox"
	"parley/internal/media"
	"parley/internal/rooms"
	"parley/internal/websocket"
	dbconfig "parley/pkg/database"
	"parley/pkg/types"
)

type mockHealth struct {
	err error
}

func (m *mockHealth) HealthCheck(context.Context) error { return m.err }

type mockRegistry struct {
	stats websocket.Stats
}

func (m *mockRegistry) Stats() websocket.Stats { return m.stats }

type mockTopics struct{}

func (mockTopics) Stats(context.Context) (hub.Stats, error) {
	return hub.Stats{Topics: 2, Subscriptions: 3}, nil
}

type fixture struct {
	server  *Server
	store   *database.Manager
	auth    *auth.Authenticator
	tracker *inbox.Tracker
	health  *mockHealth
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := dbconfig.DefaultConfig()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "api.db")
	store, err := database.NewManager(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	roomSvc, err := rooms.NewService(store, rooms.Options{DirectSalt: "salt"}, nil, nil)
	require.NoError(t, err)
	authn, err := auth.NewAuthenticator("api-secret", "", store, nil)
	require.NoError(t, err)
	builder, err := media.NewBuilder("/media/", "https://chat.example.com")
	require.NoError(t, err)
	tracker := inbox.NewTracker(cache.NewMemory(), time.Hour, nil)
	health := &mockHealth{}

	server := NewServer(Deps{
		Rooms:    roomSvc,
		Tracker:  tracker,
		Auth:     authn,
		Activity: auth.NewActivity(store, cache.NewMemory(), time.Hour, nil),
		Health:   health,
		Registry: &mockRegistry{stats: websocket.Stats{
			Total:  3,
			ByKind: map[websocket.Kind]int{websocket.KindChat: 2, websocket.KindPresence: 1},
		}},
		Topics: mockTopics{},
		Media:  builder,
	})
	return &fixture{server: server, store: store, auth: authn, tracker: tracker, health: health}
}

func (f *fixture) user(t *testing.T, name string) *types.User {
	t.Helper()
	u, err := f.store.CreateUser(context.Background(), name, &types.Profile{Image: name + ".png"})
	require.NoError(t, err)
	return u
}

func (f *fixture) do(t *testing.T, method, path string, user *types.User, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if user != nil {
		token, err := f.auth.Issue(user.ID, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.server.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

func TestServer_HealthCheck(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	resp := decode[HealthResponse](t, w)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, map[string]int{"chat": 2, "presence": 1, "total": 3}, resp.Connections)

	f.health.err = errors.New("disk gone")
	w = f.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	resp = decode[HealthResponse](t, w)
	assert.Equal(t, "unhealthy", resp.Status)
	assert.Equal(t, "unavailable", resp.Database)
}

func TestServer_Stats(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/api/stats", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode[StatsResponse](t, w)
	assert.Equal(t, 3, resp.Connections.Total)
	assert.Equal(t, 2, resp.Connections.ByKind["chat"])
	require.NotNil(t, resp.Topics)
	assert.Equal(t, 3, resp.Topics.Subscriptions)
}

func TestServer_CORSPreflight(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodOptions, "/api/direct/start", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "Authorization")
}

func TestServer_PublicRoom(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/api/rooms/public", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[RoomResponse](t, w)
	assert.Equal(t, types.PublicSlug, resp.Room.Slug)
	assert.Equal(t, types.RoomPublic, resp.Room.Kind)
}

func TestServer_RoomDetails(t *testing.T) {
	f := newFixture(t)
	alice := f.user(t, "alice")
	bob := f.user(t, "bob")

	w := f.do(t, http.MethodGet, "/api/rooms/unknown-room", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	errResp := decode[ErrorResponse](t, w)
	assert.Equal(t, http.StatusNotFound, errResp.Code)
	assert.Equal(t, "Not Found", errResp.Error)

	w = f.do(t, http.MethodGet, "/api/rooms/alices-room", alice, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, types.RoomPrivate, decode[RoomResponse](t, w).Room.Kind)

	// Unreadable rooms are indistinguishable from missing ones.
	w = f.do(t, http.MethodGet, "/api/rooms/alices-room", bob, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodGet, "/api/rooms/x", alice, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_StartDirect(t *testing.T) {
	f := newFixture(t)
	alice := f.user(t, "alice")
	f.user(t, "bob")

	tests := []struct {
		name string
		user *types.User
		body any
		code int
	}{
		{"anonymous", nil, StartDirectRequest{Username: "bob"}, http.StatusUnauthorized},
		{"bad json", alice, "{", http.StatusBadRequest},
		{"missing username", alice, map[string]string{}, http.StatusBadRequest},
		{"self", alice, StartDirectRequest{Username: "@alice"}, http.StatusBadRequest},
		{"unknown peer", alice, StartDirectRequest{Username: "nobody"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, "/api/direct/start", tt.user, tt.body)
			assert.Equal(t, tt.code, w.Code)
			assert.Equal(t, tt.code, decode[ErrorResponse](t, w).Code)
		})
	}

	first := f.do(t, http.MethodPost, "/api/direct/start", alice, StartDirectRequest{Username: "bob"})
	require.Equal(t, http.StatusOK, first.Code)
	second := f.do(t, http.MethodPost, "/api/direct/start", alice, StartDirectRequest{Username: " @bob "})
	require.Equal(t, http.StatusOK, second.Code)

	a, b := decode[StartDirectResponse](t, first), decode[StartDirectResponse](t, second)
	assert.Equal(t, a.Slug, b.Slug)
	assert.Equal(t, types.RoomDirect, a.Room.Kind)
}

func TestServer_DirectChats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.user(t, "alice")
	f.user(t, "bob")

	w := f.do(t, http.MethodGet, "/api/direct/chats", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	start := decode[StartDirectResponse](t, f.do(t, http.MethodPost, "/api/direct/start", alice, StartDirectRequest{Username: "bob"}))
	require.NoError(t, f.store.Append(ctx, &types.Message{
		RoomSlug: start.Slug,
		UserID:   &alice.ID,
		Username: alice.Username,
		Content:  "hello bob",
	}))
	_, err := f.tracker.MarkUnread(ctx, alice.ID, start.Slug)
	require.NoError(t, err)

	w = f.do(t, http.MethodGet, "/api/direct/chats", alice, nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[DirectChatsResponse](t, w)
	require.Len(t, resp.Chats, 1)
	chat := resp.Chats[0]
	assert.Equal(t, start.Slug, chat.Slug)
	assert.Equal(t, "bob", chat.Peer.Username)
	require.NotNil(t, chat.Peer.ProfileImage)
	assert.Equal(t, "https://chat.example.com/media/bob.png", *chat.Peer.ProfileImage)
	assert.Equal(t, "hello bob", chat.LastMessage)
	assert.NotEmpty(t, chat.LastMessageAt)
	assert.Equal(t, 1, resp.Unread.Dialogs)
}

func TestServer_MethodNotAllowed(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodDelete, "/api/direct/start", nil, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestServer_RecordsLastSeen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.user(t, "alice")

	before, err := f.store.Resolve(ctx, alice.ID)
	require.NoError(t, err)
	assert.Nil(t, before.Profile.LastSeen)

	w := f.do(t, http.MethodGet, "/api/rooms/public", alice, nil)
	require.Equal(t, http.StatusOK, w.Code)

	after, err := f.store.Resolve(ctx, alice.ID)
	require.NoError(t, err)
	assert.NotNil(t, after.Profile.LastSeen)
}

func TestServer_UserStoreFailureIsUnavailable(t *testing.T) {
	f := newFixture(t)
	alice := f.user(t, "alice")
	require.NoError(t, f.store.Close())

	w := f.do(t, http.MethodGet, "/api/direct/chats", alice, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	resp := decode[ErrorResponse](t, w)
	assert.Equal(t, "Service temporarily unavailable", resp.Message)
}
