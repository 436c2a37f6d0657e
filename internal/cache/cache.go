// Package cache provides short-lived lookaside caches for quotes and positions.
package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTL is a concurrency-safe map whose entries expire after a fixed duration.
type TTL[K comparable, V any] struct {
	items map[K]entry[V]
	now   func() time.Time
	ttl   time.Duration
	mu    sync.RWMutex
}

// New creates a cache whose entries live for ttl.
func New[K comparable, V any](ttl time.Duration) *TTL[K, V] {
	return &TTL[K, V]{
		items: make(map[K]entry[V]),
		now:   time.Now,
		ttl:   ttl,
	}
}

// Get returns a live entry.
func (c *TTL[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.items[key]
	if !ok || !c.now().Before(e.expiresAt) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores value under key.
func (c *TTL[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = entry[V]{value: value, expiresAt: c.now().Add(c.ttl)}
}

// Delete removes key.
func (c *TTL[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// Clear removes every entry.
func (c *TTL[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[K]entry[V])
}

// Purge drops expired entries and returns how many remain.
func (c *TTL[K, V]) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for k, e := range c.items {
		if !now.Before(e.expiresAt) {
			delete(c.items, k)
		}
	}
	return len(c.items)
}

// Loader fetches a value from the slow source.
type Loader[V any] func(ctx context.Context, key string) (V, error)

// ReadThrough serves from the TTL cache and loads misses once per key even under concurrent callers.
type ReadThrough[V any] struct {
	cache  *TTL[string, V]
	loader Loader[V]
	group  singleflight.Group
}

// NewReadThrough creates a read-through cache over loader.
func NewReadThrough[V any](ttl time.Duration, loader Loader[V]) *ReadThrough[V] {
	return &ReadThrough[V]{
		cache:  New[string, V](ttl),
		loader: loader,
	}
}

// Get returns the cached value or loads it.
func (r *ReadThrough[V]) Get(ctx context.Context, key string) (V, error) {
	if v, ok := r.cache.Get(key); ok {
		return v, nil
	}
	return r.load(ctx, key)
}

// Refresh bypasses the cache and reloads key.
func (r *ReadThrough[V]) Refresh(ctx context.Context, key string) (V, error) {
	r.cache.Delete(key)
	return r.load(ctx, key)
}

// Peek returns a live cached value without loading.
func (r *ReadThrough[V]) Peek(key string) (V, bool) {
	return r.cache.Get(key)
}

// Set stores a value obtained elsewhere, such as a batch response.
func (r *ReadThrough[V]) Set(key string, v V) {
	r.cache.Set(key, v)
}

// Invalidate drops key.
func (r *ReadThrough[V]) Invalidate(key string) {
	r.cache.Delete(key)
}

// Clear drops every entry.
func (r *ReadThrough[V]) Clear() {
	r.cache.Clear()
}

func (r *ReadThrough[V]) load(ctx context.Context, key string) (V, error) {
	res, err, _ := r.group.Do(key, func() (interface{}, error) {
		v, err := r.loader(ctx, key)
		if err != nil {
			return v, err
		}
		r.cache.Set(key, v)
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return res.(V), nil
}
