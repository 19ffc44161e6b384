// Package counter provides counter store implementations for Kite.
package counter

import (
	"fmt"

	"github.com/opensource-finance/kite/internal/domain"
)

// New creates a new counter store based on configuration.
// For Community tier: returns the in-memory store.
// For Pro tier: returns the Redis store so counters serialize across nodes.
func New(cfg domain.CounterStoreConfig) (domain.CounterStore, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryStore(), nil

	case "redis":
		return NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)

	default:
		return nil, fmt.Errorf("unsupported counter store type: %s", cfg.Type)
	}
}
