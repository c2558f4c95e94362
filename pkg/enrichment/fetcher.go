package enrichment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-rabbitflow/pkg/cache"
)

// FetcherConfig holds configuration for the cache-fallback fetcher.
type FetcherConfig struct {
	CacheWriteTimeout time.Duration
}

// CacheFallbackFetcher reads through a presence cache to a source of truth,
// writing source hits back to the cache in the background.
type CacheFallbackFetcher[K comparable, V any] struct {
	cacheTimeout time.Duration
	logger       zerolog.Logger
	cache        cache.PresenceCache[K, V]
	source       cache.Fetcher[K, V]
}

// NewCacheFallbackFetcher creates a cache-then-source Fetcher.
func NewCacheFallbackFetcher[K comparable, V any](
	cfg FetcherConfig,
	c cache.PresenceCache[K, V],
	source cache.Fetcher[K, V],
	logger zerolog.Logger,
) *CacheFallbackFetcher[K, V] {
	if cfg.CacheWriteTimeout <= 0 {
		cfg.CacheWriteTimeout = 5 * time.Second
	}
	return &CacheFallbackFetcher[K, V]{
		cacheTimeout: cfg.CacheWriteTimeout,
		logger:       logger.With().Str("component", "CacheFallbackFetcher").Logger(),
		cache:        c,
		source:       source,
	}
}

// Fetch reads the cache first and falls back to the source on a miss.
func (c *CacheFallbackFetcher[K, V]) Fetch(ctx context.Context, key K) (V, error) {
	var zero V
	value, err := c.cache.Fetch(ctx, key)
	if err == nil {
		c.logger.Debug().Msg("Cache hit.")
		return value, nil
	}
	if !errors.Is(err, cache.ErrNotFound) {
		c.logger.Warn().Err(err).Msg("Cache lookup failed. Falling back to source.")
	}

	value, err = c.source.Fetch(ctx, key)
	if err != nil {
		return zero, fmt.Errorf("error fetching from source: %w", err)
	}

	// The write-back must not be tied to the request context.
	go func(k K, v V) {
		writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cacheTimeout)
		defer cancel()
		if writeErr := c.cache.Set(writeCtx, k, v); writeErr != nil {
			c.logger.Error().Err(writeErr).Msg("Failed to write to cache in background.")
		}
	}(key, value)

	return value, nil
}

// Close closes the cache and then the source.
func (c *CacheFallbackFetcher[K, V]) Close() error {
	return errors.Join(c.cache.Close(), c.source.Close())
}
