package websocket

import (
	"log/slog"
	"sync"

	"parley/pkg/interfaces"
)

// Kind labels what a connection is used for.
type Kind string

const (
	KindChat     Kind = "chat"
	KindInbox    Kind = "inbox"
	KindPresence Kind = "presence"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindChat || k == KindInbox || k == KindPresence
}

type registered struct {
	conn interfaces.Connection
	kind Kind
}

// Registry tracks live connections for stats and shutdown.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]registered
	logger *slog.Logger
}

// Stats is a point-in-time view of the registry.
type Stats struct {
	Total  int          `json:"total"`
	ByKind map[Kind]int `json:"byKind"`
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		conns:  make(map[string]registered),
		logger: logger.With("component", "ws_registry"),
	}
}

// Register adds conn under its ID.
func (r *Registry) Register(conn interfaces.Connection, kind Kind) error {
	if conn == nil {
		return ErrNilConnection
	}
	if !kind.Valid() {
		return ErrInvalidKind
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.conns[conn.ID()]; exists {
		return ErrDuplicateID
	}
	r.conns[conn.ID()] = registered{conn: conn, kind: kind}
	return nil
}

// Unregister removes conn. Removing an unknown connection is a no-op, and
// a different connection that reuses the ID is left alone.
func (r *Registry) Unregister(conn interfaces.Connection) {
	if conn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.conns[conn.ID()]; ok && entry.conn == conn {
		delete(r.conns, conn.ID())
	}
}

// Stats counts connections by kind.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{Total: len(r.conns), ByKind: map[Kind]int{KindChat: 0, KindInbox: 0, KindPresence: 0}}
	for _, entry := range r.conns {
		stats.ByKind[entry.kind]++
	}
	return stats
}

// CloseAll closes every registered connection with code and returns how
// many were closed. Sessions unregister themselves as they wind down.
func (r *Registry) CloseAll(code int, reason string) int {
	r.mu.RLock()
	conns := make([]interfaces.Connection, 0, len(r.conns))
	for _, entry := range r.conns {
		conns = append(conns, entry.conn)
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, conn := range conns {
		wg.Add(1)
		go func(conn interfaces.Connection) {
			defer wg.Done()
			if err := conn.CloseWithCode(code, reason); err != nil {
				r.logger.Debug("close during shutdown failed", "conn_id", conn.ID(), "error", err)
			}
		}(conn)
	}
	wg.Wait()
	return len(conns)
}
