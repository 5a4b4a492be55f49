package cache

import "errors"

var (
	ErrContention = errors.New("cache key changed concurrently, update abandoned")
	ErrNilClient  = errors.New("redis client cannot be nil")
)
