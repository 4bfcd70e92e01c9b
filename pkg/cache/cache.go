// Package cache holds values that are reloaded after a fixed age. The clock
// is injected so expiry is a pure function of it.
package cache

import (
	"context"
	"sync"
	"time"
)

// Entry is a cached value and the instant it was loaded.
type Entry[T any] struct {
	Value    T
	LoadedAt time.Time
}

// Fresh reports whether a value loaded at loadedAt is still usable at now.
// A non-positive ttl disables caching.
func Fresh(loadedAt, now time.Time, ttl time.Duration) bool {
	if ttl <= 0 || loadedAt.IsZero() {
		return false
	}
	return now.Sub(loadedAt) < ttl
}

// Loader produces a fresh value.
type Loader[T any] func(ctx context.Context) (T, error)

// TTL caches the result of a Loader for ttl.
type TTL[T any] struct {
	ttl  time.Duration
	load Loader[T]
	now  func() time.Time

	mu    sync.Mutex
	entry *Entry[T]
}

// New returns a cache around load. now may be nil for time.Now.
func New[T any](ttl time.Duration, load Loader[T], now func() time.Time) *TTL[T] {
	if now == nil {
		now = time.Now
	}
	return &TTL[T]{ttl: ttl, load: load, now: now}
}

// Get returns the cached value, loading it if absent or expired. A failed
// load leaves the previous entry in place and returns the error.
func (c *TTL[T]) Get(ctx context.Context) (T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if c.entry != nil && Fresh(c.entry.LoadedAt, now, c.ttl) {
		return c.entry.Value, nil
	}
	v, err := c.load(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	c.entry = &Entry[T]{Value: v, LoadedAt: now}
	return v, nil
}

// Peek returns the current entry without loading.
func (c *TTL[T]) Peek() (Entry[T], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entry == nil {
		return Entry[T]{}, false
	}
	return *c.entry, true
}

// Invalidate drops the entry so the next Get reloads.
func (c *TTL[T]) Invalidate() {
	c.mu.Lock()
	c.entry = nil
	c.mu.Unlock()
}
