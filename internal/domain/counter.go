package domain

import (
	"context"
	"time"
)

// CounterStore is the shared TTL-capable store behind sliding-window
// counters, cooldown markers and rolling observation windows. Every
// operation is atomic at the store so concurrent requests serialize
// there, not in application memory — that is what makes the velocity
// and structuring checks correct under concurrency.
type CounterStore interface {
	// Increment bumps a counter and returns the new value. The window
	// TTL is applied when the counter is created.
	Increment(ctx context.Context, key string, window time.Duration) (int64, error)

	// IncrementBy accumulates a float total (e.g. amount moved within
	// a velocity window) and returns the new total.
	IncrementBy(ctx context.Context, key string, amount float64, window time.Duration) (float64, error)

	// SetMarker sets a presence marker with a TTL; HasMarker reports
	// whether it is still live. Used for cooldowns and the
	// topup-then-withdrawal arm.
	SetMarker(ctx context.Context, key string, ttl time.Duration) error
	HasMarker(ctx context.Context, key string) (bool, error)

	// AppendWindow appends an entry to a rolling window, prunes
	// entries older than the window, caps the window to max entries
	// when max > 0, and returns the resulting size.
	AppendWindow(ctx context.Context, key, member string, window time.Duration, max int) (int64, error)

	// AddDistinct adds a member to a TTL-scoped set and returns the
	// distinct member count.
	AddDistinct(ctx context.Context, key, member string, ttl time.Duration) (int64, error)

	// Observe adds a member to a TTL-scoped set and reports whether
	// it had been seen before. Used for known countries and devices.
	Observe(ctx context.Context, key, member string, ttl time.Duration) (bool, error)

	// BumpOccurrence atomically increments an occurrence counter and,
	// when the counter reaches threshold, resets it to zero and
	// returns true. At most one concurrent caller observes the
	// crossing — this is what keeps alert creation race-free.
	BumpOccurrence(ctx context.Context, key string, threshold int64, ttl time.Duration) (bool, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CounterStoreConfig holds configuration for counter store initialization.
type CounterStoreConfig struct {
	// Type is the store type: "memory" or "redis"
	Type string

	// Redis settings (Pro tier)
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}
