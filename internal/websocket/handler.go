package websocket

import (
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
)

// Acceptor upgrades HTTP requests into Connections.
type Acceptor struct {
	upgrader *websocket.Upgrader
	opts     Options
}

// NewAcceptor combines an upgrader policy with per-connection options.
func NewAcceptor(upgrader UpgraderOptions, opts Options) *Acceptor {
	return &Acceptor{upgrader: NewUpgrader(upgrader), opts: opts}
}

// Accept completes the handshake. On failure the upgrader has already
// written an HTTP error response.
func (a *Acceptor) Accept(w http.ResponseWriter, r *http.Request) (*Connection, error) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket upgrade: %w", err)
	}
	return NewConnection(conn, a.opts), nil
}
