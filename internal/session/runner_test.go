package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parley/internal/hub"
	"parley/internal/websocket"
	"parley/pkg/types"
)

func TestChatOptions_Timers(t *testing.T) {
	tests := []struct {
		name string
		opts ChatOptions
		poll time.Duration
	}{
		{"short timeout clamps up", ChatOptions{IdleTimeout: 3 * time.Second}, 10 * time.Second},
		{"long timeout clamps down", ChatOptions{IdleTimeout: 10 * time.Minute}, time.Minute},
		{"in range", ChatOptions{IdleTimeout: 30 * time.Second}, 30 * time.Second},
		{"explicit poll", ChatOptions{IdleTimeout: time.Minute, PollInterval: time.Second}, time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			timers := tt.opts.Timers()
			assert.Equal(t, tt.poll, timers.PollInterval)
			assert.Equal(t, CloseChatIdle, timers.IdleCode)
			assert.Zero(t, timers.Heartbeat)
		})
	}
}

func TestHeartbeatTimers(t *testing.T) {
	inbox := InboxOptions{Heartbeat: 20 * time.Second, IdleTimeout: 90 * time.Second}.Timers()
	assert.Equal(t, 20*time.Second, inbox.Heartbeat)
	assert.Equal(t, 20*time.Second, inbox.PollInterval)
	assert.Equal(t, CloseInboxIdle, inbox.IdleCode)

	floored := InboxOptions{Heartbeat: time.Second, IdleTimeout: 2 * time.Second}.Timers()
	assert.Equal(t, 5*time.Second, floored.Heartbeat)
	assert.Equal(t, 5*time.Second, floored.PollInterval)

	presence := PresenceOptions{Heartbeat: time.Minute, IdleTimeout: 30 * time.Second}.Timers()
	assert.Equal(t, time.Minute, presence.Heartbeat)
	assert.Equal(t, 30*time.Second, presence.PollInterval)
	assert.Equal(t, ClosePresenceIdle, presence.IdleCode)
}

func TestCloseCodes(t *testing.T) {
	assert.True(t, IsGraceful(CloseNormal))
	assert.True(t, IsGraceful(CloseGoingAway))
	assert.False(t, IsGraceful(gorilla.CloseAbnormalClosure))
	assert.False(t, IsGraceful(CloseChatIdle))
	assert.Equal(t, "forbidden", CloseReason(CloseForbidden))
	assert.Empty(t, CloseReason(CloseNormal))
}

// fakeConn is driven by the test through frames.
type fakeConn struct {
	frames chan []byte
	mu     sync.Mutex
	writes []any
	closed int
	done   chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan []byte, 8), done: make(chan struct{})}
}

func (f *fakeConn) ID() string { return "fake" }

func (f *fakeConn) WriteJSON(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, v)
	return nil
}

func (f *fakeConn) ReadFrame() ([]byte, error) {
	select {
	case frame, ok := <-f.frames:
		if !ok {
			return nil, &gorilla.CloseError{Code: gorilla.CloseNormalClosure}
		}
		return frame, nil
	case <-f.done:
		return nil, errors.New("closed")
	}
}

func (f *fakeConn) CloseWithCode(code int, _ string) error {
	f.mu.Lock()
	f.closed = code
	f.mu.Unlock()
	return f.Close()
}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.done) })
	return nil
}

func (f *fakeConn) closeCode() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// recorder is a Session that records its calls.
type recorder struct {
	topics   []string
	refuse   int
	mu       sync.Mutex
	started  bool
	received []string
	events   []string
	stopCode int
}

func (r *recorder) Admit(context.Context) ([]string, int) { return r.topics, r.refuse }

func (r *recorder) Start(context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = true
}

func (r *recorder) Receive(_ context.Context, frame []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received = append(r.received, string(frame))
}

func (r *recorder) Deliver(_ context.Context, ev types.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, string(ev.Payload))
}

func (r *recorder) Stop(_ context.Context, code int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopCode = code
}

func newTestRunner(t *testing.T) (*Runner, *hub.Hub, *websocket.Registry) {
	t.Helper()
	h := hub.NewHub(16, nil)
	require.NoError(t, h.Start(context.Background()))
	t.Cleanup(func() { _ = h.Stop() })
	registry := websocket.NewRegistry(nil)
	return NewRunner(h, registry, 8, nil), h, registry
}

func TestRunner_RefusedAdmission(t *testing.T) {
	runner, _, registry := newTestRunner(t)
	conn := newFakeConn()
	s := &recorder{refuse: CloseForbidden}

	runner.Run(context.Background(), conn, websocket.KindChat, s, Timers{})

	assert.Equal(t, CloseForbidden, conn.closeCode())
	assert.False(t, s.started)
	assert.Zero(t, registry.Stats().Total)
}

func TestRunner_SerializesFramesAndEvents(t *testing.T) {
	runner, h, registry := newTestRunner(t)
	conn := newFakeConn()
	s := &recorder{topics: []string{"room"}}

	done := make(chan struct{})
	go func() {
		runner.Run(context.Background(), conn, websocket.KindChat, s, Timers{})
		close(done)
	}()

	require.Eventually(t, func() bool { return registry.Stats().Total == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		stats, err := h.Stats(context.Background())
		return err == nil && stats.Subscriptions == 1
	}, time.Second, 5*time.Millisecond)

	conn.frames <- []byte("hello")
	ev, err := types.NewEvent(types.EventChatMessage, "broadcast")
	require.NoError(t, err)
	require.NoError(t, h.Publish(context.Background(), "room", ev))

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.received) == 1 && len(s.events) == 1
	}, time.Second, 5*time.Millisecond)

	close(conn.frames)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not return after peer close")
	}

	assert.True(t, s.started)
	assert.Equal(t, CloseNormal, s.stopCode)
	assert.Zero(t, conn.closeCode(), "peer-closed connections are not sent a close code")
	assert.Zero(t, registry.Stats().Total)
	stats, err := h.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Subscriptions)
}

func TestRunner_ContextCancelIsGoingAway(t *testing.T) {
	runner, _, _ := newTestRunner(t)
	conn := newFakeConn()
	s := &recorder{}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		runner.Run(ctx, conn, websocket.KindPresence, s, Timers{})
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runner ignored cancellation")
	}
	assert.Equal(t, CloseGoingAway, conn.closeCode())
	assert.Equal(t, CloseGoingAway, s.stopCode)
}

func TestRunner_IdleCloseAndHeartbeat(t *testing.T) {
	runner, _, _ := newTestRunner(t)
	conn := newFakeConn()
	s := &recorder{}

	runner.Run(context.Background(), conn, websocket.KindInbox, s, Timers{
		IdleTimeout:  100 * time.Millisecond,
		IdleCode:     CloseInboxIdle,
		PollInterval: 20 * time.Millisecond,
		Heartbeat:    20 * time.Millisecond,
	})

	assert.Equal(t, CloseInboxIdle, conn.closeCode())
	assert.Equal(t, CloseInboxIdle, s.stopCode)
	conn.mu.Lock()
	defer conn.mu.Unlock()
	assert.Contains(t, conn.writes, any(pingFrame))
}
