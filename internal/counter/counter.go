// Package counter provides the shared, tenant-namespaced key-value store used
// for rate windows, plan quotas and idempotency records.
package counter

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("counter: key not found")

// Store is the capability the governance components need from the shared
// store. Every operation touches a single key atomically.
type Store interface {
	// Incr increments key and returns the new value and the remaining TTL.
	// The TTL is applied only when the key is created.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, time.Duration, error)
	// SetNX stores value only when key does not exist.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Del(ctx context.Context, key string) error
}

// Pinger is implemented by stores that can report readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}
