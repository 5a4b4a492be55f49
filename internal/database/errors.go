package database

import "errors"

var (
	ErrManagerClosed = errors.New("database manager is closed")
	ErrNilUser       = errors.New("user is nil or anonymous")
	ErrEmptyScopeKey = errors.New("empty scope key")
)
