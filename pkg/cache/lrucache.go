package cache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
)

type lruCacheItem[K comparable, V any] struct {
	key   K
	value V
}

// LRUPresenceCache is a size-bounded, in-memory PresenceCache with a least
// recently used eviction policy. It keeps the memory of a long running
// deduplication stage flat.
type LRUPresenceCache[K comparable, V any] struct {
	maxSize int

	mu    sync.Mutex
	ll    *list.List
	items map[K]*list.Element
}

// NewLRUPresenceCache creates a cache holding at most maxSize entries.
func NewLRUPresenceCache[K comparable, V any](maxSize int) (*LRUPresenceCache[K, V], error) {
	if maxSize <= 0 {
		return nil, fmt.Errorf("maxSize must be greater than 0")
	}
	return &LRUPresenceCache[K, V]{
		maxSize: maxSize,
		ll:      list.New(),
		items:   make(map[K]*list.Element),
	}, nil
}

// Set stores a value and marks it most recently used, evicting the oldest
// entry when the cache is full.
func (c *LRUPresenceCache[K, V]) Set(_ context.Context, key K, value V) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[key]; ok {
		elem.Value.(*lruCacheItem[K, V]).value = value
		c.ll.MoveToFront(elem)
		return nil
	}
	c.items[key] = c.ll.PushFront(&lruCacheItem[K, V]{key: key, value: value})
	if c.ll.Len() > c.maxSize {
		c.evict()
	}
	return nil
}

// Fetch retrieves a value and marks it most recently used.
func (c *LRUPresenceCache[K, V]) Fetch(_ context.Context, key K) (V, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[key]; ok {
		c.ll.MoveToFront(elem)
		return elem.Value.(*lruCacheItem[K, V]).value, nil
	}
	var zero V
	return zero, fmt.Errorf("%w: '%v'", ErrNotFound, key)
}

// Delete removes a key.
func (c *LRUPresenceCache[K, V]) Delete(_ context.Context, key K) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[key]; ok {
		c.ll.Remove(elem)
		delete(c.items, key)
	}
	return nil
}

// Len reports the number of cached entries.
func (c *LRUPresenceCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// evict removes the least recently used item. Must be called with mu held.
func (c *LRUPresenceCache[K, V]) evict() {
	if oldest := c.ll.Back(); oldest != nil {
		item := c.ll.Remove(oldest).(*lruCacheItem[K, V])
		delete(c.items, item.key)
	}
}

// Close is a no-op for the in-memory cache.
func (c *LRUPresenceCache[K, V]) Close() error {
	return nil
}
