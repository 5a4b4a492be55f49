// Package ratelimit holds the fixed-window limiters: a best-effort one
// over the shared cache for chat messages, an atomic Redis variant, and a
// transactional one over the relational store for connection attempts.
package ratelimit

import (
	"context"
	"time"
)

// Limiter counts one hit for key and reports whether it is allowed.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Policy is a fixed window of Limit hits per Window.
type Policy struct {
	Limit  int
	Window time.Duration
}

// Normalized clamps the policy to at least one hit per one second.
func (p Policy) Normalized() Policy {
	if p.Limit < 1 {
		p.Limit = 1
	}
	if p.Window < time.Second {
		p.Window = time.Second
	}
	return p
}
