package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryPresenceCache(t *testing.T) {
	ctx := context.Background()

	t.Run("Set, Fetch, and Delete cycle", func(t *testing.T) {
		c := NewInMemoryPresenceCache[string, int](0)

		require.NoError(t, c.Set(ctx, "msg-1", 7))
		v, err := c.Fetch(ctx, "msg-1")
		require.NoError(t, err)
		assert.Equal(t, 7, v)

		require.NoError(t, c.Delete(ctx, "msg-1"))
		_, err = c.Fetch(ctx, "msg-1")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Entries expire after the TTL", func(t *testing.T) {
		// Arrange
		now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		c := NewInMemoryPresenceCache[string, string](time.Minute)
		c.now = func() time.Time { return now }
		require.NoError(t, c.Set(ctx, "msg-2", "seen"))

		// Act & Assert
		now = now.Add(30 * time.Second)
		_, err := c.Fetch(ctx, "msg-2")
		require.NoError(t, err)

		now = now.Add(time.Minute)
		_, err = c.Fetch(ctx, "msg-2")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.Equal(t, 0, c.Len(), "expired entry should be swept on fetch")
	})
}
