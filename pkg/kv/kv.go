// Package kv is the atomic key/value contract the kernel's counters and
// caches are built on. Implementations must make SetNX and IncrWindow
// atomic under concurrent callers; everything above this package assumes
// that and nothing else about the backing engine.
package kv

import (
	"context"
	"time"
)

type Store interface {
	// Get returns the value and whether the key exists (expired keys do not).
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set writes the value with a TTL; ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX writes only when the key is absent and reports whether it won.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Del(ctx context.Context, key string) error
	// IncrWindow increments a fixed-window counter, creating or lazily
	// resetting the window as needed, and returns the post-increment count
	// and the instant the current window ends.
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, time.Time, error)
}
