package ratelimit

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

var _ Limiter = (*RedisWindow)(nil)

// fixedWindowScript increments the counter and starts its expiry on the
// first hit of a window. It returns the count after the increment.
var fixedWindowScript = redis.NewScript(`
local current = redis.call('INCR', KEYS[1])
if current == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
elseif redis.call('PTTL', KEYS[1]) < 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return current
`)

// RedisWindow is the atomic fixed-window limiter for deployments with
// Redis.
type RedisWindow struct {
	client redis.UniversalClient
	prefix string
	policy Policy
}

// NewRedisWindow creates a limiter whose keys are prefix+key.
func NewRedisWindow(client redis.UniversalClient, prefix string, policy Policy) (*RedisWindow, error) {
	if client == nil {
		return nil, ErrNilClient
	}
	return &RedisWindow{client: client, prefix: prefix, policy: policy.Normalized()}, nil
}

func (w *RedisWindow) Allow(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, ErrEmptyKey
	}
	count, err := fixedWindowScript.Run(ctx, w.client, []string{w.prefix + key}, w.policy.Window.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("rate limit %s: %w", key, err)
	}
	return count <= int64(w.policy.Limit), nil
}
