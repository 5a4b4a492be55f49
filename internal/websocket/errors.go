package websocket

import "errors"

// Connection errors
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrWriteTimeout     = errors.New("write queue full")
	ErrInvalidJSON      = errors.New("invalid JSON data")
)

// Registry errors
var (
	ErrNilConnection     = errors.New("connection cannot be nil")
	ErrDuplicateID       = errors.New("connection id already registered")
	ErrInvalidKind       = errors.New("unknown connection kind")
	ErrInvalidProxyEntry = errors.New("trusted proxy must be an IP address or CIDR")
)
