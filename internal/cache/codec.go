package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"parley/pkg/interfaces"
)

// Action tells UpdateJSON what to do with the mutated value.
type Action int

const (
	// Keep leaves the stored value untouched.
	Keep Action = iota
	// Write stores the mutated value with the update's TTL.
	Write
	// Remove deletes the key.
	Remove
)

// GetJSON decodes the value at key into dest. A value that no longer
// decodes is reported as absent so callers start fresh.
func GetJSON(ctx context.Context, c interfaces.Cache, key string, dest any) (bool, error) {
	raw, found, err := c.Get(ctx, key)
	if err != nil || !found {
		return false, err
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, nil
	}
	return true, nil
}

// SetJSON encodes value and stores it at key.
func SetJSON(ctx context.Context, c interfaces.Cache, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return c.Set(ctx, key, data, ttl)
}

// UpdateJSON runs a typed read-modify-write on key. fn receives the decoded
// value (the zero value when absent or undecodable) and returns the action
// to apply.
func UpdateJSON[T any](ctx context.Context, c interfaces.Cache, key string, ttl time.Duration, fn func(v *T, found bool) Action) error {
	return c.Update(ctx, key, ttl, func(current []byte, found bool) ([]byte, bool, error) {
		var value T
		if found {
			if err := json.Unmarshal(current, &value); err != nil {
				var zero T
				value = zero
				found = false
			}
		}

		switch fn(&value, found) {
		case Remove:
			return nil, true, nil
		case Write:
			data, err := json.Marshal(value)
			if err != nil {
				return nil, false, fmt.Errorf("encode %s: %w", key, err)
			}
			return data, false, nil
		default:
			return nil, false, nil
		}
	})
}
