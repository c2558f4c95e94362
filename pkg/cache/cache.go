// Package cache provides the presence caches used to remember processed
// message ids and the fetch-through caches used by enrichment steps.
package cache

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned by Fetch when the key is absent or expired.
var ErrNotFound = errors.New("rabbitflow/cache: key not found")

// PresenceCache manages ephemeral state that has no source of truth to fall
// back on, such as the ids of messages that were already finalized.
type PresenceCache[K comparable, V any] interface {
	// Set explicitly stores a value for a key.
	Set(ctx context.Context, key K, value V) error
	// Fetch retrieves a value by its key, returning ErrNotFound on a miss.
	Fetch(ctx context.Context, key K) (V, error)
	// Delete explicitly removes a key.
	Delete(ctx context.Context, key K) error
	io.Closer
}

// Fetcher is a read-only source of values, such as a database lookup.
type Fetcher[K comparable, V any] interface {
	Fetch(ctx context.Context, key K) (V, error)
	io.Closer
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc[K comparable, V any] func(ctx context.Context, key K) (V, error)

func (f FetcherFunc[K, V]) Fetch(ctx context.Context, key K) (V, error) { return f(ctx, key) }

func (f FetcherFunc[K, V]) Close() error { return nil }
