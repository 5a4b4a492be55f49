// Package session runs the per-connection protocols: chat rooms, the
// direct inbox and presence. Every connection gets one event loop that
// serializes client frames and broker events, plus sibling timers.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"parley/internal/hub"
	"parley/internal/websocket"
	"parley/pkg/interfaces"
	"parley/pkg/types"
)

// Session is one connection's protocol. The runner calls every method from
// the connection's event loop, never concurrently.
type Session interface {
	// Admit authorizes the connection and returns the topics to join. A
	// non-zero code refuses the connection with that close code.
	Admit(ctx context.Context) (topics []string, code int)

	// Start runs once after the topics were joined.
	Start(ctx context.Context)

	// Receive handles one client frame.
	Receive(ctx context.Context, frame []byte)

	// Deliver handles one broker event.
	Deliver(ctx context.Context, ev types.Event)

	// Stop runs once on the way out with the connection's close code.
	Stop(ctx context.Context, code int)
}

// Timers configures the sibling tasks. A zero IdleTimeout or Heartbeat
// disables that task.
type Timers struct {
	IdleTimeout  time.Duration
	IdleCode     int
	PollInterval time.Duration
	Heartbeat    time.Duration
}

// Runner drives sessions over connections.
type Runner struct {
	broker      interfaces.Broker
	registry    *websocket.Registry
	eventBuffer int
	stopTimeout time.Duration
	logger      *slog.Logger
}

// NewRunner creates a Runner. registry may be nil.
func NewRunner(broker interfaces.Broker, registry *websocket.Registry, eventBuffer int, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		broker:      broker,
		registry:    registry,
		eventBuffer: eventBuffer,
		stopTimeout: 5 * time.Second,
		logger:      logger.With("component", "session_runner"),
	}
}

type readResult struct {
	frame []byte
	err   error
}

// Run blocks until the connection ends. ctx cancellation closes the
// connection with CloseGoingAway.
func (r *Runner) Run(ctx context.Context, conn interfaces.Connection, kind websocket.Kind, s Session, timers Timers) {
	logger := r.logger.With("conn_id", conn.ID(), "kind", string(kind))

	topics, code := s.Admit(ctx)
	if code != 0 {
		logger.Debug("connection refused", "code", code)
		_ = conn.CloseWithCode(code, CloseReason(code))
		return
	}

	if r.registry != nil {
		if err := r.registry.Register(conn, kind); err != nil {
			logger.Error("register connection failed", "error", err)
			_ = conn.CloseWithCode(CloseTryAgainLater, CloseReason(CloseTryAgainLater))
			return
		}
		defer r.registry.Unregister(conn)
	}

	sub := hub.NewSubscriber(conn.ID(), r.eventBuffer)
	for _, topic := range topics {
		if err := r.broker.Join(ctx, topic, sub); err != nil {
			logger.Error("join topic failed", "topic", topic, "error", err)
			r.leave(sub, logger)
			_ = conn.CloseWithCode(CloseTryAgainLater, CloseReason(CloseTryAgainLater))
			return
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	frames := make(chan readResult)
	go func() {
		for {
			frame, err := conn.ReadFrame()
			select {
			case frames <- readResult{frame: frame, err: err}:
			case <-loopCtx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	var lastActivity atomic.Int64
	lastActivity.Store(time.Now().UnixNano())

	g, gctx := errgroup.WithContext(loopCtx)
	if timers.IdleTimeout > 0 {
		g.Go(func() error { return watchIdle(gctx, timers, &lastActivity) })
	}
	if timers.Heartbeat > 0 {
		g.Go(func() error { return heartbeat(gctx, conn, timers.Heartbeat) })
	}

	s.Start(loopCtx)

	peerClosed := false
loop:
	for {
		select {
		case res := <-frames:
			if res.err != nil {
				code = websocket.CloseCode(res.err)
				peerClosed = true
				break loop
			}
			lastActivity.Store(time.Now().UnixNano())
			s.Receive(loopCtx, res.frame)
		case ev := <-sub.Events():
			s.Deliver(loopCtx, ev)
		case <-gctx.Done():
			code = CloseGoingAway
			if ctx.Err() == nil {
				code = timers.IdleCode
			}
			break loop
		}
	}

	cancel()
	if err := g.Wait(); err != nil && !errors.Is(err, errIdle) && !errors.Is(err, context.Canceled) {
		logger.Warn("session timer failed", "error", err)
	}

	stopCtx, stopCancel := context.WithTimeout(context.WithoutCancel(ctx), r.stopTimeout)
	defer stopCancel()
	s.Stop(stopCtx, code)
	r.leave(sub, logger)

	if peerClosed {
		_ = conn.Close()
	} else {
		_ = conn.CloseWithCode(code, CloseReason(code))
	}
	logger.Debug("connection closed", "code", code, "peer_closed", peerClosed)
}

func (r *Runner) leave(sub *hub.Subscriber, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), r.stopTimeout)
	defer cancel()
	if err := r.broker.LeaveAll(ctx, sub); err != nil {
		logger.Warn("leave topics failed", "error", err)
	}
}

// watchIdle fails with errIdle once no client frame arrived for the idle
// timeout, checking every poll interval.
func watchIdle(ctx context.Context, timers Timers, lastActivity *atomic.Int64) error {
	poll := timers.PollInterval
	if poll <= 0 {
		poll = timers.IdleTimeout
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if now.Sub(time.Unix(0, lastActivity.Load())) > timers.IdleTimeout {
				return errIdle
			}
		}
	}
}

// heartbeat pushes an application ping; a failed send ends it quietly.
func heartbeat(ctx context.Context, conn interfaces.Connection, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := conn.WriteJSON(pingFrame); err != nil {
				return nil
			}
		}
	}
}

var pingFrame = map[string]string{"type": "ping"}

func clamp(d, low, high time.Duration) time.Duration {
	return min(max(d, low), high)
}
