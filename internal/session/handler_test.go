package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parley/internal/auth"
	"parley/internal/cache"
	"parley/internal/database"
	"parley/internal/hub"
	"parley/internal/inbox"
	"parley/internal/media"
	"parley/internal/presence"
	"parley/internal/ratelimit"
	"parley/internal/rooms"
	"parley/internal/websocket"
	dbconfig "parley/pkg/database"
	"parley/pkg/types"
)

const testSecret = "session-test-secret"

type envConfig struct {
	handler       HandlerOptions
	messagePolicy ratelimit.Policy
	connectPolicy *ratelimit.Policy
	grace         time.Duration
	wrapStore     func(rooms.Store) rooms.Store
}

type testEnv struct {
	server   *httptest.Server
	store    *database.Manager
	hub      *hub.Hub
	registry *websocket.Registry
	rooms    *rooms.Service
	tracker  *inbox.Tracker
	presence *presence.Aggregator
	auth     *auth.Authenticator
	handler  *Handler
}

func newEnv(t *testing.T, tweak func(*envConfig)) *testEnv {
	t.Helper()
	cfg := envConfig{
		handler: HandlerOptions{
			Chat:     ChatOptions{IdleTimeout: time.Minute, MaxMessageLength: 1000},
			Inbox:    InboxOptions{IdleTimeout: time.Minute, ActiveTTL: time.Minute},
			Presence: PresenceOptions{IdleTimeout: time.Minute, TouchInterval: 30 * time.Second},
		},
		messagePolicy: ratelimit.Policy{Limit: 20, Window: 10 * time.Second},
		grace:         5 * time.Second,
	}
	if tweak != nil {
		tweak(&cfg)
	}

	dbCfg := dbconfig.DefaultConfig()
	dbCfg.DatabasePath = filepath.Join(t.TempDir(), "session.db")
	store, err := database.NewManager(dbCfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	h := hub.NewHub(64, nil)
	require.NoError(t, h.Start(context.Background()))
	t.Cleanup(func() { _ = h.Stop() })

	var roomStore rooms.Store = store
	if cfg.wrapStore != nil {
		roomStore = cfg.wrapStore(store)
	}

	shared := cache.NewMemory()
	roomSvc, err := rooms.NewService(roomStore, rooms.Options{DirectSalt: "salt", RetryBackoff: time.Millisecond}, nil, nil)
	require.NoError(t, err)
	tracker := inbox.NewTracker(shared, time.Hour, nil)
	agg := presence.NewAggregator(shared, presence.Options{Grace: cfg.grace}, nil)

	authn, err := auth.NewAuthenticator(testSecret, "", store, nil)
	require.NoError(t, err)
	builder, err := media.NewBuilder("/media/", "")
	require.NoError(t, err)

	deps := &Deps{
		Rooms:          roomSvc,
		Store:          store,
		Messages:       store,
		Tracker:        tracker,
		Notifier:       inbox.NewNotifier(store, store, tracker, h, nil),
		Presence:       agg,
		Broker:         h,
		MessageLimiter: ratelimit.NewWindow(shared, "rl:chat:", cfg.messagePolicy),
	}
	var connect ratelimit.Limiter
	if cfg.connectPolicy != nil {
		connect = ratelimit.NewBucket(store, ConnectLimitPrefix, *cfg.connectPolicy, nil)
	}

	registry := websocket.NewRegistry(nil)
	runner := NewRunner(h, registry, 32, nil)
	acceptor := websocket.NewAcceptor(websocket.UpgraderOptions{AllowedOrigins: []string{"*"}}, websocket.Options{})
	handler, err := NewHandler(deps, cfg.handler, runner, acceptor, authn, nil, connect, builder)
	require.NoError(t, err)

	mux := http.NewServeMux()
	handler.Register(mux)
	server := httptest.NewServer(mux)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = handler.Shutdown(ctx)
		server.Close()
	})

	return &testEnv{
		server:   server,
		store:    store,
		hub:      h,
		registry: registry,
		rooms:    roomSvc,
		tracker:  tracker,
		presence: agg,
		auth:     authn,
		handler:  handler,
	}
}

func (e *testEnv) user(t *testing.T, name string) *types.User {
	t.Helper()
	u, err := e.store.CreateUser(context.Background(), name, &types.Profile{Image: strings.ToLower(name) + ".png"})
	require.NoError(t, err)
	return u
}

// dial opens path as user; a nil user connects anonymously.
func (e *testEnv) dial(t *testing.T, path string, user *types.User) *gorilla.Conn {
	t.Helper()
	header := http.Header{}
	if user != nil {
		token, err := e.auth.Issue(user.ID, time.Hour)
		require.NoError(t, err)
		header.Set("Authorization", "Bearer "+token)
	}
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + path
	conn, _, err := gorilla.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// waitSubscribers blocks until the hub holds n subscriptions.
func (e *testEnv) waitSubscribers(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		stats, err := e.hub.Stats(context.Background())
		return err == nil && stats.Subscriptions == n
	}, 2*time.Second, 10*time.Millisecond)
}

func (e *testEnv) waitConnections(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return e.registry.Stats().Total == n
	}, 2*time.Second, 10*time.Millisecond)
}

func send(t *testing.T, conn *gorilla.Conn, v any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

// next reads the next frame that is not a heartbeat ping.
func next(t *testing.T, conn *gorilla.Conn) map[string]any {
	t.Helper()
	for {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var frame map[string]any
		require.NoError(t, json.Unmarshal(data, &frame))
		if frame["type"] == "ping" {
			continue
		}
		return frame
	}
}

// silent asserts that no frame other than a ping arrives within d.
func silent(t *testing.T, conn *gorilla.Conn, d time.Duration) {
	t.Helper()
	deadline := time.Now().Add(d)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		_, data, err := conn.ReadMessage()
		if err != nil {
			var netErr interface{ Timeout() bool }
			require.True(t, errors.As(err, &netErr) && netErr.Timeout(), "unexpected read error: %v", err)
			return
		}
		if !strings.Contains(string(data), `"ping"`) {
			t.Fatalf("unexpected frame: %s", data)
		}
	}
}

// closeCode reads until the server closes and returns its close code.
func closeCode(t *testing.T, conn *gorilla.Conn) int {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *gorilla.CloseError
		require.True(t, errors.As(err, &ce), "expected close frame, got %v", err)
		return ce.Code
	}
}

func TestNewHandler_RequiresDeps(t *testing.T) {
	_, err := NewHandler(&Deps{}, HandlerOptions{}, nil, nil, nil, nil, nil, nil)
	assert.ErrorIs(t, err, ErrMissingDeps)
}

func TestChat_AnonymousPublicMessageIsDropped(t *testing.T) {
	env := newEnv(t, nil)
	conn := env.dial(t, "/ws/chat/public/", nil)
	env.waitSubscribers(t, 1)

	send(t, conn, map[string]string{"message": "hello"})
	silent(t, conn, 200*time.Millisecond)

	msgs, err := env.store.Recent(context.Background(), types.PublicSlug, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestChat_MessageIsStoredAndFannedOut(t *testing.T) {
	env := newEnv(t, nil)
	alice := env.user(t, "alice")
	bob := env.user(t, "bob")

	a := env.dial(t, "/ws/chat/public", alice)
	b := env.dial(t, "/ws/chat/public/", bob)
	env.waitSubscribers(t, 2)

	send(t, a, map[string]string{"message": "  hi all  "})

	for _, conn := range []*gorilla.Conn{a, b} {
		frame := next(t, conn)
		assert.Equal(t, "hi all", frame["message"])
		assert.Equal(t, "alice", frame["username"])
		assert.Equal(t, types.PublicSlug, frame["room"])
		assert.Equal(t, env.server.URL+"/media/alice.png", frame["profile_pic"])
	}

	msgs, err := env.store.Recent(context.Background(), types.PublicSlug, 0, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi all", msgs[0].Content)
	assert.Equal(t, "alice.png", msgs[0].ProfilePic)
}

func TestChat_IgnoresMalformedFrames(t *testing.T) {
	env := newEnv(t, nil)
	alice := env.user(t, "alice")
	conn := env.dial(t, "/ws/chat/public/", alice)
	env.waitSubscribers(t, 1)

	require.NoError(t, conn.WriteMessage(gorilla.TextMessage, []byte("{not json")))
	send(t, conn, map[string]any{"message": 42})
	send(t, conn, map[string]any{"message": "   "})
	send(t, conn, map[string]any{"text": "wrong field"})
	silent(t, conn, 200*time.Millisecond)
}

func TestChat_MessageTooLong(t *testing.T) {
	env := newEnv(t, func(c *envConfig) { c.handler.Chat.MaxMessageLength = 5 })
	alice := env.user(t, "alice")
	conn := env.dial(t, "/ws/chat/public/", alice)
	env.waitSubscribers(t, 1)

	send(t, conn, map[string]string{"message": "ééééé"})
	assert.Equal(t, "ééééé", next(t, conn)["message"])

	send(t, conn, map[string]string{"message": "123456"})
	assert.Equal(t, map[string]any{"error": "message_too_long"}, next(t, conn))
}

func TestChat_RateLimited(t *testing.T) {
	env := newEnv(t, func(c *envConfig) {
		c.messagePolicy = ratelimit.Policy{Limit: 2, Window: time.Minute}
	})
	alice := env.user(t, "alice")
	conn := env.dial(t, "/ws/chat/public/", alice)
	env.waitSubscribers(t, 1)

	for _, text := range []string{"one", "two", "three"} {
		send(t, conn, map[string]string{"message": text})
	}

	var echoed []any
	var errs []any
	for i := 0; i < 3; i++ {
		frame := next(t, conn)
		if code, ok := frame["error"]; ok {
			errs = append(errs, code)
			continue
		}
		echoed = append(echoed, frame["message"])
	}
	assert.Equal(t, []any{"one", "two"}, echoed)
	assert.Equal(t, []any{"rate_limited"}, errs)

	msgs, err := env.store.Recent(context.Background(), types.PublicSlug, 0, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestChat_ViewerCannotWrite(t *testing.T) {
	env := newEnv(t, nil)
	ctx := context.Background()
	owner := env.user(t, "owner")
	viewer := env.user(t, "viewer")

	room, err := env.store.CreatePrivate(ctx, "book-club", owner)
	require.NoError(t, err)
	_, _, err = env.store.EnsureRole(ctx, room, viewer, types.RoleViewer, owner)
	require.NoError(t, err)

	conn := env.dial(t, "/ws/chat/book-club/", viewer)
	env.waitSubscribers(t, 1)

	send(t, conn, map[string]string{"message": "can I speak?"})
	assert.Equal(t, map[string]any{"error": "forbidden"}, next(t, conn))

	msgs, err := env.store.Recent(ctx, "book-club", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestChat_UnknownRoomCreatesPrivateRoomForOwner(t *testing.T) {
	env := newEnv(t, nil)
	ctx := context.Background()
	alice := env.user(t, "alice")

	env.dial(t, "/ws/chat/new-room/", alice)
	env.waitSubscribers(t, 1)

	room, err := env.store.GetBySlug(ctx, "new-room")
	require.NoError(t, err)
	assert.Equal(t, types.RoomPrivate, room.Kind)
	role, err := env.store.RoleOf(ctx, room.ID, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RoleOwner, role)
}

func TestChat_ConnectRefusals(t *testing.T) {
	env := newEnv(t, nil)
	ctx := context.Background()
	owner := env.user(t, "owner")
	stranger := env.user(t, "stranger")
	_, err := env.store.CreatePrivate(ctx, "secret-room", owner)
	require.NoError(t, err)

	tests := []struct {
		name string
		path string
		user *types.User
		code int
	}{
		{"invalid slug", "/ws/chat/ab/", owner, CloseNotFound},
		{"anonymous unknown room", "/ws/chat/nobody-here/", nil, CloseNotFound},
		{"stranger in private room", "/ws/chat/secret-room/", stranger, CloseForbidden},
		{"anonymous in private room", "/ws/chat/secret-room/", nil, CloseForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := env.dial(t, tt.path, tt.user)
			assert.Equal(t, tt.code, closeCode(t, conn))
		})
	}

	_, err = env.store.GetBySlug(ctx, "nobody-here")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

// unavailableRooms fails every room lookup.
type unavailableRooms struct {
	rooms.Store
}

func (unavailableRooms) GetOrCreatePublic(context.Context) (*types.Room, error) {
	return nil, errors.New("database is locked")
}

func (unavailableRooms) GetBySlug(context.Context, string) (*types.Room, error) {
	return nil, errors.New("database is locked")
}

func TestChat_StoreFailureAsksToRetry(t *testing.T) {
	env := newEnv(t, func(c *envConfig) {
		c.wrapStore = func(s rooms.Store) rooms.Store { return unavailableRooms{s} }
	})
	alice := env.user(t, "alice")

	for _, path := range []string{"/ws/chat/public/", "/ws/chat/team-room/"} {
		conn := env.dial(t, path, alice)
		assert.Equal(t, CloseTryAgainLater, closeCode(t, conn), path)
	}
	env.waitConnections(t, 0)
	env.waitSubscribers(t, 0)
}

func TestChat_IdleTimeout(t *testing.T) {
	env := newEnv(t, func(c *envConfig) {
		c.handler.Chat.IdleTimeout = 200 * time.Millisecond
		c.handler.Chat.PollInterval = 50 * time.Millisecond
	})
	conn := env.dial(t, "/ws/chat/public/", nil)
	assert.Equal(t, CloseChatIdle, closeCode(t, conn))
	env.waitSubscribers(t, 0)
}

func TestHandler_ConnectRateLimit(t *testing.T) {
	env := newEnv(t, func(c *envConfig) {
		c.connectPolicy = &ratelimit.Policy{Limit: 1, Window: time.Minute}
	})
	env.dial(t, "/ws/chat/public/", nil)
	env.waitSubscribers(t, 1)

	second := env.dial(t, "/ws/presence/", nil)
	assert.Equal(t, CloseRateLimited, closeCode(t, second))
}

func TestHandler_ShutdownClosesSessions(t *testing.T) {
	env := newEnv(t, nil)
	conn := env.dial(t, "/ws/chat/public/", nil)
	env.waitConnections(t, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, env.handler.Shutdown(ctx))

	assert.Equal(t, CloseGoingAway, closeCode(t, conn))
	assert.Zero(t, env.registry.Stats().Total)
}

func TestHandler_RefusesUpgradesAfterShutdown(t *testing.T) {
	env := newEnv(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, env.handler.Shutdown(ctx))

	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ws/presence/"
	_, resp, err := gorilla.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Zero(t, env.registry.Stats().Total)
}

func TestInbox_RequiresAuthentication(t *testing.T) {
	env := newEnv(t, nil)
	conn := env.dial(t, "/ws/direct/", nil)
	assert.Equal(t, CloseUnauthorized, closeCode(t, conn))
}

func TestInbox_SendsUnreadStateOnConnect(t *testing.T) {
	env := newEnv(t, nil)
	ctx := context.Background()
	alice := env.user(t, "alice")
	bob := env.user(t, "bob")
	room, err := env.rooms.StartDirect(ctx, alice, "bob")
	require.NoError(t, err)
	_, err = env.tracker.MarkUnread(ctx, bob.ID, room.Slug)
	require.NoError(t, err)

	conn := env.dial(t, "/ws/direct", bob)
	frame := next(t, conn)
	assert.Equal(t, "direct_unread_state", frame["type"])
	assert.Equal(t, map[string]any{
		"dialogs": float64(1),
		"slugs":   []any{room.Slug},
		"counts":  map[string]any{room.Slug: float64(1)},
	}, frame["unread"])

	send(t, conn, map[string]string{"type": "mark_read", "roomSlug": " " + room.Slug + " "})
	ack := next(t, conn)
	assert.Equal(t, "direct_mark_read_ack", ack["type"])
	assert.Equal(t, room.Slug, ack["roomSlug"])
	assert.Equal(t, float64(0), ack["unread"].(map[string]any)["dialogs"])
	assert.Zero(t, env.tracker.UnreadState(ctx, bob.ID).Dialogs)
}

func TestInbox_ProtocolErrors(t *testing.T) {
	env := newEnv(t, nil)
	ctx := context.Background()
	alice := env.user(t, "alice")
	env.user(t, "bob")
	carol := env.user(t, "carol")
	room, err := env.rooms.StartDirect(ctx, alice, "bob")
	require.NoError(t, err)

	conn := env.dial(t, "/ws/direct/", carol)
	assert.Equal(t, "direct_unread_state", next(t, conn)["type"])

	invalid := map[string]any{"type": "error", "code": "invalid_payload"}
	forbidden := map[string]any{"type": "error", "code": "forbidden"}

	require.NoError(t, conn.WriteMessage(gorilla.TextMessage, []byte("not json")))
	assert.Equal(t, invalid, next(t, conn))

	send(t, conn, map[string]any{"type": "set_active_room", "roomSlug": 7})
	assert.Equal(t, invalid, next(t, conn))

	send(t, conn, map[string]any{"type": "mark_read"})
	assert.Equal(t, invalid, next(t, conn))

	send(t, conn, map[string]any{"type": "mark_read", "roomSlug": types.PublicSlug})
	assert.Equal(t, forbidden, next(t, conn))

	send(t, conn, map[string]any{"type": "set_active_room", "roomSlug": room.Slug})
	assert.Equal(t, forbidden, next(t, conn))

	send(t, conn, map[string]any{"type": "mark_read", "roomSlug": "missing-room"})
	assert.Equal(t, forbidden, next(t, conn))

	send(t, conn, map[string]any{"type": "something_else"})
	silent(t, conn, 100*time.Millisecond)
}

func TestInbox_ActiveRoomLifecycle(t *testing.T) {
	env := newEnv(t, nil)
	ctx := context.Background()
	alice := env.user(t, "alice")
	bob := env.user(t, "bob")
	room, err := env.rooms.StartDirect(ctx, alice, "bob")
	require.NoError(t, err)

	conn := env.dial(t, "/ws/direct/", bob)
	next(t, conn)

	active := func() bool { return env.tracker.IsRoomActive(ctx, bob.ID, room.Slug) }

	send(t, conn, map[string]any{"type": "set_active_room", "roomSlug": room.Slug})
	require.Eventually(t, active, time.Second, 10*time.Millisecond)

	send(t, conn, map[string]any{"type": "set_active_room", "roomSlug": nil})
	require.Eventually(t, func() bool { return !active() }, time.Second, 10*time.Millisecond)

	send(t, conn, map[string]any{"type": "set_active_room", "roomSlug": room.Slug})
	require.Eventually(t, active, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteMessage(gorilla.CloseMessage, gorilla.FormatCloseMessage(gorilla.CloseNormalClosure, "")))
	env.waitConnections(t, 0)
	assert.False(t, active())
}

func TestInbox_ActiveDialogStaysRead(t *testing.T) {
	env := newEnv(t, nil)
	ctx := context.Background()
	alice := env.user(t, "alice")
	bob := env.user(t, "bob")
	carol := env.user(t, "carol")
	room, err := env.rooms.StartDirect(ctx, alice, "bob")
	require.NoError(t, err)

	bobInbox := env.dial(t, "/ws/direct/", bob)
	next(t, bobInbox)
	carolInbox := env.dial(t, "/ws/direct/", carol)
	next(t, carolInbox)

	send(t, bobInbox, map[string]any{"type": "set_active_room", "roomSlug": room.Slug})
	require.Eventually(t, func() bool {
		return env.tracker.IsRoomActive(ctx, bob.ID, room.Slug)
	}, time.Second, 10*time.Millisecond)

	chat := env.dial(t, "/ws/chat/"+room.Slug+"/", alice)
	env.waitSubscribers(t, 3)
	send(t, chat, map[string]string{"message": "hey bob"})
	assert.Equal(t, "hey bob", next(t, chat)["message"])

	item := next(t, bobInbox)
	assert.Equal(t, "direct_inbox_item", item["type"])
	body := item["item"].(map[string]any)
	assert.Equal(t, room.Slug, body["slug"])
	assert.Equal(t, "hey bob", body["lastMessage"])
	assert.Equal(t, "alice", body["peer"].(map[string]any)["username"])
	unread := item["unread"].(map[string]any)
	assert.Equal(t, float64(0), unread["dialogs"])
	assert.Equal(t, false, unread["isUnread"])

	silent(t, carolInbox, 200*time.Millisecond)
}

func TestInbox_InactiveDialogBecomesUnread(t *testing.T) {
	env := newEnv(t, nil)
	ctx := context.Background()
	alice := env.user(t, "alice")
	bob := env.user(t, "bob")
	room, err := env.rooms.StartDirect(ctx, alice, "bob")
	require.NoError(t, err)

	bobInbox := env.dial(t, "/ws/direct/", bob)
	next(t, bobInbox)
	chat := env.dial(t, "/ws/chat/"+room.Slug+"/", alice)
	env.waitSubscribers(t, 2)

	send(t, chat, map[string]string{"message": "ping?"})
	item := next(t, bobInbox)
	unread := item["unread"].(map[string]any)
	assert.Equal(t, float64(1), unread["dialogs"])
	assert.Equal(t, true, unread["isUnread"])
	assert.Equal(t, room.Slug, unread["roomSlug"])
}

func TestInbox_IdleTimeout(t *testing.T) {
	env := newEnv(t, func(c *envConfig) {
		c.handler.Inbox.IdleTimeout = 200 * time.Millisecond
		c.handler.Inbox.MinInterval = 50 * time.Millisecond
	})
	alice := env.user(t, "alice")
	conn := env.dial(t, "/ws/direct/", alice)

	var sawPing bool
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var ce *gorilla.CloseError
			require.True(t, errors.As(err, &ce))
			assert.Equal(t, CloseInboxIdle, ce.Code)
			break
		}
		if strings.Contains(string(data), `"ping"`) {
			sawPing = true
		}
	}
	assert.True(t, sawPing, "heartbeat never fired")
}

func TestPresence_GuestAndUserSnapshots(t *testing.T) {
	env := newEnv(t, nil)
	alice := env.user(t, "alice")

	guest := env.dial(t, "/ws/presence/", nil)
	assert.Equal(t, map[string]any{"guests": float64(1)}, next(t, guest))

	member := env.dial(t, "/ws/presence", alice)
	snapshot := next(t, member)
	assert.Equal(t, float64(1), snapshot["guests"])
	online := snapshot["online"].([]any)
	require.Len(t, online, 1)
	entry := online[0].(map[string]any)
	assert.Equal(t, "alice", entry["username"])
	assert.Equal(t, env.server.URL+"/media/alice.png", entry["profileImage"])

	assert.Equal(t, map[string]any{"guests": float64(1)}, next(t, guest))
}

func TestPresence_GracefulCloseRemovesImmediately(t *testing.T) {
	env := newEnv(t, func(c *envConfig) { c.grace = time.Minute })
	ctx := context.Background()
	alice := env.user(t, "alice")

	conn := env.dial(t, "/ws/presence/", alice)
	next(t, conn)
	require.NoError(t, conn.WriteMessage(gorilla.CloseMessage, gorilla.FormatCloseMessage(gorilla.CloseNormalClosure, "")))
	env.waitConnections(t, 0)

	require.Eventually(t, func() bool {
		online, err := env.presence.Online(ctx)
		return err == nil && len(online) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestPresence_AbnormalDropKeepsUserDuringGrace(t *testing.T) {
	env := newEnv(t, func(c *envConfig) { c.grace = 400 * time.Millisecond })
	ctx := context.Background()
	alice := env.user(t, "alice")

	conn := env.dial(t, "/ws/presence/", alice)
	next(t, conn)
	require.NoError(t, conn.UnderlyingConn().Close())
	env.waitConnections(t, 0)

	online, err := env.presence.Online(ctx)
	require.NoError(t, err)
	require.Len(t, online, 1)
	assert.Equal(t, "alice", online[0].Username)

	require.Eventually(t, func() bool {
		online, err := env.presence.Online(ctx)
		return err == nil && len(online) == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestPresence_IdleTimeout(t *testing.T) {
	env := newEnv(t, func(c *envConfig) {
		c.handler.Presence.IdleTimeout = 200 * time.Millisecond
		c.handler.Presence.MinInterval = 50 * time.Millisecond
	})
	conn := env.dial(t, "/ws/presence/", nil)
	assert.Equal(t, ClosePresenceIdle, closeCode(t, conn))
}
