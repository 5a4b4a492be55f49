package ratelimit

import (
	"context"
	"log/slog"

	"parley/pkg/interfaces"
)

var _ Limiter = (*Bucket)(nil)

// Bucket is the persistent limiter for security-sensitive scopes such as
// connection attempts. It fails closed: an empty key or a store error
// counts as limited.
type Bucket struct {
	store  interfaces.RateLimitBuckets
	prefix string
	policy Policy
	logger *slog.Logger
}

// NewBucket creates a limiter whose scope keys are prefix+key.
func NewBucket(store interfaces.RateLimitBuckets, prefix string, policy Policy, logger *slog.Logger) *Bucket {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bucket{
		store:  store,
		prefix: prefix,
		policy: policy.Normalized(),
		logger: logger.With("component", "rate_limit_bucket"),
	}
}

// Allow never returns an error; failures are logged and denied.
func (b *Bucket) Allow(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, nil
	}
	allowed, err := b.store.HitBucket(ctx, b.prefix+key, b.policy.Limit, b.policy.Window)
	if err != nil {
		b.logger.Error("rate limit bucket failed, denying", "scope", b.prefix+key, "error", err)
		return false, nil
	}
	return allowed, nil
}
