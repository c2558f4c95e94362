package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/illmade-knight/go-rabbitflow/pkg/cache"
	"github.com/illmade-knight/go-rabbitflow/pkg/config"
)

type presenceTestValue struct {
	Queue  string    `json:"queue"`
	SeenAt time.Time `json:"seenAt"`
}

func TestRedisPresenceCache(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	cfg := config.RedisConfig{Addr: mr.Addr(), TTL: time.Minute}
	presence, err := cache.NewRedisPresenceCache[string, presenceTestValue](ctx, cfg, "test:", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = presence.Close() })

	value := presenceTestValue{Queue: "orders", SeenAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}

	t.Run("Set, Fetch, and Delete cycle", func(t *testing.T) {
		require.NoError(t, presence.Set(ctx, "msg-1", value))
		assert.True(t, mr.Exists("test:msg-1"), "key should be written with the prefix")

		got, err := presence.Fetch(ctx, "msg-1")
		require.NoError(t, err)
		assert.Equal(t, value, got)

		require.NoError(t, presence.Delete(ctx, "msg-1"))
		_, err = presence.Fetch(ctx, "msg-1")
		assert.ErrorIs(t, err, cache.ErrNotFound)
	})

	t.Run("TTL is applied", func(t *testing.T) {
		require.NoError(t, presence.Set(ctx, "msg-2", value))
		assert.Equal(t, time.Minute, mr.TTL("test:msg-2"))

		mr.FastForward(2 * time.Minute)
		_, err := presence.Fetch(ctx, "msg-2")
		assert.ErrorIs(t, err, cache.ErrNotFound)
	})

	t.Run("Unreachable server fails construction", func(t *testing.T) {
		bad := config.RedisConfig{Addr: "127.0.0.1:1"}
		_, err := cache.NewRedisPresenceCache[string, int](ctx, bad, "", zerolog.Nop())
		assert.Error(t, err)
	})
}
