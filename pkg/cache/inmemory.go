package cache

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type expiringValue[V any] struct {
	value   V
	expires time.Time
}

// InMemoryPresenceCache is a thread-safe, in-memory PresenceCache. Entries
// expire after the configured TTL; a zero TTL keeps them forever.
type InMemoryPresenceCache[K comparable, V any] struct {
	ttl time.Duration
	now func() time.Time

	mu   sync.RWMutex
	data map[K]expiringValue[V]
}

// NewInMemoryPresenceCache creates a new in-memory presence cache.
func NewInMemoryPresenceCache[K comparable, V any](ttl time.Duration) *InMemoryPresenceCache[K, V] {
	return &InMemoryPresenceCache[K, V]{
		ttl:  ttl,
		now:  time.Now,
		data: make(map[K]expiringValue[V]),
	}
}

// Set stores a value for a key, resetting its expiry.
func (c *InMemoryPresenceCache[K, V]) Set(_ context.Context, key K, value V) error {
	entry := expiringValue[V]{value: value}
	if c.ttl > 0 {
		entry.expires = c.now().Add(c.ttl)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = entry
	return nil
}

// Fetch retrieves a value by its key. Expired entries are removed lazily.
func (c *InMemoryPresenceCache[K, V]) Fetch(_ context.Context, key K) (V, error) {
	var zero V
	c.mu.RLock()
	entry, ok := c.data[key]
	c.mu.RUnlock()
	if !ok {
		return zero, fmt.Errorf("%w: '%v'", ErrNotFound, key)
	}
	if !entry.expires.IsZero() && c.now().After(entry.expires) {
		c.mu.Lock()
		if current, still := c.data[key]; still && current.expires.Equal(entry.expires) {
			delete(c.data, key)
		}
		c.mu.Unlock()
		return zero, fmt.Errorf("%w: '%v' expired", ErrNotFound, key)
	}
	return entry.value, nil
}

// Delete removes a key.
func (c *InMemoryPresenceCache[K, V]) Delete(_ context.Context, key K) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

// Len reports the number of stored entries, including ones not yet swept.
func (c *InMemoryPresenceCache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

// Close is a no-op for the in-memory implementation.
func (c *InMemoryPresenceCache[K, V]) Close() error {
	return nil
}
