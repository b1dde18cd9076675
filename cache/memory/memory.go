// Package memory provides an in-process QuotaCache with TTL expiry.
//
// It is suitable for tests and single-replica deployments; replicated
// gateways share counters through the redis cache instead.
package memory

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/ineyio/llmgate"
)

// Cache is an in-memory QuotaCache.
type Cache struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
}

type entry struct {
	value     []byte
	expiresAt time.Time
}

var _ llmgate.QuotaCache = (*Cache)(nil)

// Option configures Cache.
type Option func(*Cache)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates an empty in-memory cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		entries: make(map[string]entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the payload for key, or ErrCacheMiss when absent or
// expired.
func (c *Cache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.liveEntry(key)
	if !ok {
		return nil, llmgate.ErrCacheMiss
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

// SetWithTTL writes a payload with the given time to live.
func (c *Cache) SetWithTTL(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.store(key, value, ttl)
	return nil
}

// CompareAndSwap writes value only if the current payload equals old
// (nil old means the key must be absent or expired). It returns false
// without error when the comparison fails.
func (c *Cache) CompareAndSwap(_ context.Context, key string, old, value []byte, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.liveEntry(key)
	if old == nil {
		if ok {
			return false, nil
		}
	} else {
		if !ok || !bytes.Equal(e.value, old) {
			return false, nil
		}
	}

	c.store(key, value, ttl)
	return true, nil
}

// Delete removes a key. Missing keys are not an error.
func (c *Cache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, key)
	return nil
}

// Flush drops every entry, simulating a cache restart. Used by tests
// exercising ledger-backed counter rebuilds.
func (c *Cache) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]entry)
}

// liveEntry returns the entry for key, evicting it if expired.
// Must be called with the lock held.
func (c *Cache) liveEntry(key string) (entry, bool) {
	e, ok := c.entries[key]
	if !ok {
		return entry{}, false
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.entries, key)
		return entry{}, false
	}
	return e, true
}

func (c *Cache) store(key string, value []byte, ttl time.Duration) {
	stored := make([]byte, len(value))
	copy(stored, value)
	c.entries[key] = entry{value: stored, expiresAt: c.now().Add(ttl)}
}
