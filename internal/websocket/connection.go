// Package websocket is the transport layer: a gorilla connection wrapper
// with a single writer, the upgrader, client IP resolution and the live
// connection registry.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"parley/pkg/interfaces"
)

var _ interfaces.Connection = (*Connection)(nil)

// Options tunes a Connection.
type Options struct {
	SendBuffer   int
	SendTimeout  time.Duration
	WriteTimeout time.Duration
	PingInterval time.Duration
	PongWait     time.Duration
	ReadLimit    int64
}

// DefaultOptions returns the transport defaults.
func DefaultOptions() Options {
	return Options{
		SendBuffer:   100,
		SendTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		PingInterval: 30 * time.Second,
		PongWait:     60 * time.Second,
		ReadLimit:    64 * 1024,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.SendBuffer <= 0 {
		o.SendBuffer = d.SendBuffer
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = d.SendTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = d.WriteTimeout
	}
	if o.PingInterval <= 0 {
		o.PingInterval = d.PingInterval
	}
	if o.PongWait <= o.PingInterval {
		o.PongWait = 2 * o.PingInterval
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = d.ReadLimit
	}
	return o
}

type closeRequest struct {
	code   int
	reason string
}

// Connection serializes every write through one goroutine. Frames queued
// before CloseWithCode are flushed ahead of the close frame.
type Connection struct {
	conn    *websocket.Conn
	id      string
	opts    Options
	writeCh chan []byte
	closing chan closeRequest
	done    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	once    sync.Once
}

// NewConnection wraps conn and starts its writer.
func NewConnection(conn *websocket.Conn, opts Options) *Connection {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		conn:    conn,
		id:      uuid.NewString(),
		opts:    opts,
		writeCh: make(chan []byte, opts.SendBuffer),
		closing: make(chan closeRequest, 1),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}

	conn.SetReadLimit(opts.ReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(opts.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(opts.PongWait))
	})

	go c.writeLoop()
	return c
}

// ID is unique per connection.
func (c *Connection) ID() string {
	return c.id
}

// Done is closed once the writer has stopped.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

func (c *Connection) writeLoop() {
	defer close(c.done)
	defer c.cancel()

	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.writeCh:
			if err := c.write(data); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout)); err != nil {
				return
			}
		case req := <-c.closing:
			c.flush()
			msg := websocket.FormatCloseMessage(req.code, req.reason)
			_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.opts.WriteTimeout))
			return
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Connection) write(data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Connection) flush() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.write(data); err != nil {
				return
			}
		default:
			return
		}
	}
}

// WriteJSON queues v for the writer. It fails once the connection is
// closing or when the queue stays full for SendTimeout.
func (c *Connection) WriteJSON(v any) error {
	if c.ctx.Err() != nil {
		return ErrConnectionClosed
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ErrInvalidJSON
	}

	timer := time.NewTimer(c.opts.SendTimeout)
	defer timer.Stop()
	select {
	case c.writeCh <- data:
		return nil
	case <-timer.C:
		return ErrWriteTimeout
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// ReadFrame returns the next text or binary frame.
func (c *Connection) ReadFrame() ([]byte, error) {
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// CloseWithCode flushes queued frames, sends a close frame carrying code
// and closes the socket. Only the first close has any effect.
func (c *Connection) CloseWithCode(code int, reason string) error {
	var err error
	c.once.Do(func() {
		c.closing <- closeRequest{code: code, reason: reason}
		select {
		case <-c.done:
		case <-time.After(c.opts.WriteTimeout):
		}
		c.cancel()
		err = c.conn.Close()
	})
	return err
}

// Close tears the socket down without a close frame.
func (c *Connection) Close() error {
	var err error
	c.once.Do(func() {
		c.cancel()
		err = c.conn.Close()
	})
	return err
}

// CloseCode extracts the peer's close code from a read error. Errors that
// are not close frames report websocket.CloseAbnormalClosure.
func CloseCode(err error) int {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code
	}
	return websocket.CloseAbnormalClosure
}
