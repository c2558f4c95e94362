package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-rabbitflow/pkg/config"
)

// NewDedupeCache builds the presence cache used for redelivery
// de-duplication, keyed by message id and holding the time it was finalized.
func NewDedupeCache(
	ctx context.Context,
	cfg config.DedupeConfig,
	redisCfg config.RedisConfig,
	logger zerolog.Logger,
) (PresenceCache[string, time.Time], error) {
	backend := cfg.Backend
	if backend == "" {
		backend = config.DedupeBackendMemory
		if redisCfg.Addr != "" {
			backend = config.DedupeBackendRedis
		}
	}
	logger.Info().Str("backend", backend).Msg("Creating dedupe cache.")

	switch backend {
	case config.DedupeBackendMemory:
		return NewInMemoryPresenceCache[string, time.Time](redisCfg.TTL), nil
	case config.DedupeBackendLRU:
		c, err := NewLRUPresenceCache[string, time.Time](cfg.MaxEntries)
		if err != nil {
			return nil, fmt.Errorf("failed to create lru dedupe cache: %w", err)
		}
		return c, nil
	case config.DedupeBackendRedis:
		c, err := NewRedisPresenceCache[string, time.Time](ctx, redisCfg, DefaultKeyPrefix+"dedupe:", logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create redis dedupe cache: %w", err)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown dedupe backend %q", backend)
	}
}
