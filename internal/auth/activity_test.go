package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"parley/internal/cache"
	"parley/pkg/interfaces"
)

type mockLastSeen struct {
	mu      sync.Mutex
	touched []int64
	err     error
}

func (m *mockLastSeen) TouchLastSeen(_ context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touched = append(m.touched, userID)
	return m.err
}

type failingCache struct {
	interfaces.Cache
}

func (failingCache) Update(context.Context, string, time.Duration, interfaces.UpdateFunc) error {
	return errors.New("cache down")
}

func TestActivity_ThrottlesPerUser(t *testing.T) {
	ctx := context.Background()
	store := &mockLastSeen{}
	a := NewActivity(store, cache.NewMemory(), time.Hour, nil)

	a.Touch(ctx, 1)
	a.Touch(ctx, 1)
	a.Touch(ctx, 2)
	a.Touch(ctx, 0)

	assert.Equal(t, []int64{1, 2}, store.touched)
}

func TestActivity_WritesAgainAfterInterval(t *testing.T) {
	ctx := context.Background()
	store := &mockLastSeen{}
	a := NewActivity(store, cache.NewMemory(), 20*time.Millisecond, nil)

	a.Touch(ctx, 1)
	time.Sleep(40 * time.Millisecond)
	a.Touch(ctx, 1)

	assert.Equal(t, []int64{1, 1}, store.touched)
}

func TestActivity_Failures(t *testing.T) {
	ctx := context.Background()

	store := &mockLastSeen{}
	NewActivity(store, failingCache{}, 0, nil).Touch(ctx, 1)
	assert.Empty(t, store.touched, "no write without the throttle marker")

	store = &mockLastSeen{err: errors.New("locked")}
	assert.NotPanics(t, func() { NewActivity(store, cache.NewMemory(), 0, nil).Touch(ctx, 1) })

	var nilActivity *Activity
	assert.NotPanics(t, func() { nilActivity.Touch(ctx, 1) })
}
