package session

import "errors"

var (
	errIdle        = errors.New("connection idle")
	ErrMissingDeps = errors.New("session: missing dependency")
)
