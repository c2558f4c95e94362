package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-rabbitflow/pkg/config"
)

// DefaultKeyPrefix namespaces the keys written by RedisPresenceCache.
const DefaultKeyPrefix = "rabbitflow:"

// RedisPresenceCache is a distributed PresenceCache backed by Redis, letting
// several service instances share deduplication state.
type RedisPresenceCache[K comparable, V any] struct {
	redisClient *redis.Client
	logger      zerolog.Logger
	ttl         time.Duration
	prefix      string
}

// NewRedisPresenceCache creates and connects a new RedisPresenceCache.
// It pings the server before returning.
func NewRedisPresenceCache[K comparable, V any](
	ctx context.Context,
	cfg config.RedisConfig,
	prefix string,
	logger zerolog.Logger,
) (*RedisPresenceCache[K, V], error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis for presence cache: %w", err)
	}
	logger.Info().Str("redis_address", cfg.Addr).Msg("Connected to Redis for presence cache.")

	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisPresenceCache[K, V]{
		redisClient: rdb,
		logger:      logger.With().Str("component", "RedisPresenceCache").Logger(),
		ttl:         cfg.TTL,
		prefix:      prefix,
	}, nil
}

func (c *RedisPresenceCache[K, V]) key(key K) string {
	return fmt.Sprintf("%s%v", c.prefix, key)
}

// Set marshals the value to JSON and stores it with the configured TTL.
func (c *RedisPresenceCache[K, V]) Set(ctx context.Context, key K, value V) error {
	stringKey := c.key(key)
	jsonData, err := sonic.ConfigStd.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal presence data for key %s: %w", stringKey, err)
	}
	if err := c.redisClient.Set(ctx, stringKey, jsonData, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set presence in redis for key %s: %w", stringKey, err)
	}
	return nil
}

// Fetch retrieves and unmarshals a value.
func (c *RedisPresenceCache[K, V]) Fetch(ctx context.Context, key K) (V, error) {
	var zero V
	stringKey := c.key(key)
	cachedData, err := c.redisClient.Get(ctx, stringKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return zero, fmt.Errorf("%w: '%v'", ErrNotFound, key)
		}
		return zero, fmt.Errorf("redis get failed for key %s: %w", stringKey, err)
	}
	var value V
	if err := sonic.ConfigStd.Unmarshal(cachedData, &value); err != nil {
		c.logger.Error().Err(err).Str("key", stringKey).Msg("Failed to unmarshal presence data.")
		return zero, fmt.Errorf("failed to unmarshal presence data for key %s: %w", stringKey, err)
	}
	return value, nil
}

// Delete removes a key.
func (c *RedisPresenceCache[K, V]) Delete(ctx context.Context, key K) error {
	stringKey := c.key(key)
	if err := c.redisClient.Del(ctx, stringKey).Err(); err != nil {
		return fmt.Errorf("redis del failed for key %s: %w", stringKey, err)
	}
	return nil
}

// Close closes the Redis client connection.
func (c *RedisPresenceCache[K, V]) Close() error {
	if c.redisClient != nil {
		c.logger.Info().Msg("Closing Redis client connection...")
		return c.redisClient.Close()
	}
	return nil
}
