package memory_test

import (
	"context"
	"testing"
	"time"

	lg "github.com/ineyio/llmgate"
	"github.com/ineyio/llmgate/cache/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test 1: Basic set and get round trip
func TestCache_SetGet(t *testing.T) {
	c := memory.New()

	require.NoError(t, c.SetWithTTL(context.Background(), "k", []byte("v"), time.Minute))
	got, err := c.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
}

// Test 2: Missing keys are ErrCacheMiss
func TestCache_Miss(t *testing.T) {
	c := memory.New()

	_, err := c.Get(context.Background(), "absent")
	assert.ErrorIs(t, err, lg.ErrCacheMiss)
}

// Test 3: Entries expire at their TTL
func TestCache_TTLExpiry(t *testing.T) {
	now := time.Date(2025, 6, 18, 12, 0, 0, 0, time.UTC)
	c := memory.New(memory.WithClock(func() time.Time { return now }))

	require.NoError(t, c.SetWithTTL(context.Background(), "k", []byte("v"), time.Minute))

	now = now.Add(59 * time.Second)
	_, err := c.Get(context.Background(), "k")
	require.NoError(t, err)

	now = now.Add(time.Second)
	_, err = c.Get(context.Background(), "k")
	assert.ErrorIs(t, err, lg.ErrCacheMiss)
}

// Test 4: CAS with nil old creates only when absent
func TestCache_CASCreate(t *testing.T) {
	c := memory.New()

	ok, err := c.CompareAndSwap(context.Background(), "k", nil, []byte("first"), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.CompareAndSwap(context.Background(), "k", nil, []byte("second"), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := c.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), got)
}

// Test 5: CAS swaps only on an exact match
func TestCache_CASSwap(t *testing.T) {
	c := memory.New()
	require.NoError(t, c.SetWithTTL(context.Background(), "k", []byte("v1"), time.Minute))

	ok, err := c.CompareAndSwap(context.Background(), "k", []byte("stale"), []byte("v2"), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = c.CompareAndSwap(context.Background(), "k", []byte("v1"), []byte("v2"), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := c.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)
}

// Test 6: CAS against an expired entry behaves like absence
func TestCache_CASExpiredIsAbsent(t *testing.T) {
	now := time.Date(2025, 6, 18, 12, 0, 0, 0, time.UTC)
	c := memory.New(memory.WithClock(func() time.Time { return now }))
	require.NoError(t, c.SetWithTTL(context.Background(), "k", []byte("v1"), time.Minute))

	now = now.Add(2 * time.Minute)

	ok, err := c.CompareAndSwap(context.Background(), "k", []byte("v1"), []byte("v2"), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = c.CompareAndSwap(context.Background(), "k", nil, []byte("fresh"), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

// Test 7: Delete is idempotent
func TestCache_Delete(t *testing.T) {
	c := memory.New()
	require.NoError(t, c.SetWithTTL(context.Background(), "k", []byte("v"), time.Minute))

	require.NoError(t, c.Delete(context.Background(), "k"))
	require.NoError(t, c.Delete(context.Background(), "k"))

	_, err := c.Get(context.Background(), "k")
	assert.ErrorIs(t, err, lg.ErrCacheMiss)
}

// Test 8: Stored values are isolated from caller mutation
func TestCache_CopiesValues(t *testing.T) {
	c := memory.New()
	v := []byte("v1")
	require.NoError(t, c.SetWithTTL(context.Background(), "k", v, time.Minute))
	v[0] = 'x'

	got, err := c.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got)
}
