package llmgate

import (
	"context"
	"fmt"
	"sync"
)

// StaticKeyDirectory is an in-memory KeyDirectory seeded from config.
// Suitable for development and single-tenant deployments; multi-tenant
// deployments use a store shared with the key-management service.
type StaticKeyDirectory struct {
	mu   sync.RWMutex
	keys map[string]APIKey
}

var _ KeyDirectory = (*StaticKeyDirectory)(nil)

// NewStaticKeyDirectory creates a directory over the given keys.
func NewStaticKeyDirectory(keys []APIKey) *StaticKeyDirectory {
	d := &StaticKeyDirectory{keys: make(map[string]APIKey, len(keys))}
	for _, k := range keys {
		d.keys[k.Key] = k
	}
	return d
}

// Resolve returns the key record for a token, or ErrKeyNotFound.
func (d *StaticKeyDirectory) Resolve(_ context.Context, token string) (*APIKey, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	k, ok := d.keys[token]
	if !ok {
		return nil, fmt.Errorf("%w: unknown token", ErrKeyNotFound)
	}
	return &k, nil
}

// ListForUser returns all keys owned by a user.
func (d *StaticKeyDirectory) ListForUser(_ context.Context, user string) ([]APIKey, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []APIKey
	for _, k := range d.keys {
		if k.User == user {
			out = append(out, k)
		}
	}
	return out, nil
}

// Put inserts or replaces a key record.
func (d *StaticKeyDirectory) Put(key APIKey) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.keys[key.Key] = key
}

// Deactivate marks a key inactive. Usage history is unaffected.
func (d *StaticKeyDirectory) Deactivate(token string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if k, ok := d.keys[token]; ok {
		k.Active = false
		d.keys[token] = k
	}
}
