package ratelimit

import "errors"

var (
	ErrEmptyKey  = errors.New("rate limit key is empty")
	ErrNilClient = errors.New("redis client is nil")
)
