// Package redis provides a Redis-backed QuotaCache.
//
// CompareAndSwap uses WATCH plus a conditional transaction, so counter
// updates are safe across multiple gateway replicas sharing one Redis.
package redis

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/llmgate"
)

// Cache is a Redis-backed QuotaCache.
type Cache struct {
	client    *goredis.Client
	keyPrefix string
}

var _ llmgate.QuotaCache = (*Cache)(nil)

// Option configures Cache.
type Option func(*Cache)

// WithKeyPrefix sets the Redis key prefix (default "llmgate:quota:").
func WithKeyPrefix(prefix string) Option {
	return func(c *Cache) { c.keyPrefix = prefix }
}

// New creates a new Redis-backed QuotaCache.
// The client must be a connected *goredis.Client.
func New(client *goredis.Client, opts ...Option) *Cache {
	c := &Cache{
		client:    client,
		keyPrefix: "llmgate:quota:",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) fullKey(key string) string {
	return c.keyPrefix + key
}

// Get returns the payload for key, or ErrCacheMiss when absent.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := c.client.Get(ctx, c.fullKey(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, llmgate.ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("llmgate/redis: get: %w", err)
	}
	return b, nil
}

// SetWithTTL writes a payload with the given time to live.
func (c *Cache) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.client.Set(ctx, c.fullKey(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("llmgate/redis: set: %w", err)
	}
	return nil
}

// CompareAndSwap writes value only if the current payload equals old
// (nil old means the key must be absent). The key is watched for the
// duration: a concurrent write aborts the transaction and the swap
// reports false so the caller can retry.
func (c *Cache) CompareAndSwap(ctx context.Context, key string, old, value []byte, ttl time.Duration) (bool, error) {
	k := c.fullKey(key)

	var conflict bool
	err := c.client.Watch(ctx, func(tx *goredis.Tx) error {
		cur, err := tx.Get(ctx, k).Bytes()
		switch {
		case errors.Is(err, goredis.Nil):
			cur = nil
		case err != nil:
			return err
		}

		if (old == nil) != (cur == nil) || !bytes.Equal(cur, old) {
			conflict = true
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, k, value, ttl)
			return nil
		})
		return err
	}, k)

	if errors.Is(err, goredis.TxFailedErr) {
		// The watched key changed between read and write.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("llmgate/redis: compare-and-swap: %w", err)
	}
	return !conflict, nil
}

// Delete removes a key. Missing keys are not an error.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.fullKey(key)).Err(); err != nil {
		return fmt.Errorf("llmgate/redis: delete: %w", err)
	}
	return nil
}
