package interfaces

import (
	"context"
	"time"
)

// UpdateFunc computes the next value for a key from its current value.
// Returning remove=true deletes the key instead of writing next; a nil next
// with remove=false leaves the key untouched.
type UpdateFunc func(current []byte, found bool) (next []byte, remove bool, err error)

// Cache is the shared ephemeral key-value store. Every operation may race
// with other processes.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	// Update runs a read-modify-write on one key. Implementations make it
	// as atomic as the backend allows without cross-key locking.
	Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) error
}
