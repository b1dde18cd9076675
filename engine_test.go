package llmgate_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	lg "github.com/ineyio/llmgate"
	cachemem "github.com/ineyio/llmgate/cache/memory"
	ledgermem "github.com/ineyio/llmgate/ledger/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testModel = &lg.Model{ID: "test-model", Path: "/test-model", PromptCost: 1, CompletionCost: 1}

func newTestEngine(t *testing.T, opts ...lg.EngineOption) (*lg.QuotaEngine, *cachemem.Cache, *ledgermem.Ledger) {
	t.Helper()
	cache := cachemem.New()
	ledger := ledgermem.New()
	opts = append([]lg.EngineOption{
		lg.WithEngineLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	return lg.NewQuotaEngine(cache, ledger, opts...), cache, ledger
}

// Test 1: CheckQuota passes while usage is under every budget
func TestCheckQuota_UnderBudgetPasses(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	key := &lg.APIKey{Key: "sk-1", User: "alice", Active: true}

	require.NoError(t, engine.RecordUsage(context.Background(), key, testModel, 3, 2))
	assert.NoError(t, engine.CheckQuota(context.Background(), key))
}

// Test 2: Recording past the day budget rejects the next request
func TestCheckQuota_DayBudgetExceeded(t *testing.T) {
	engine, _, _ := newTestEngine(t, lg.WithBudgets(lg.Budgets{KeyDay: 20}))
	key := &lg.APIKey{Key: "sk-1", Active: true}

	// First request costs 5, stays under the 20 budget.
	require.NoError(t, engine.RecordUsage(context.Background(), key, testModel, 3, 2))
	require.NoError(t, engine.CheckQuota(context.Background(), key))

	// Second request brings the total to 21, at or past the budget.
	require.NoError(t, engine.RecordUsage(context.Background(), key, testModel, 10, 6))

	err := engine.CheckQuota(context.Background(), key)
	require.Error(t, err)
	assert.ErrorIs(t, err, lg.ErrQuotaExceeded)

	var qe *lg.QuotaExceededError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, lg.ScopeKey, qe.Scope)
	assert.Equal(t, lg.WindowDay, qe.Window)
}

// Test 3: Reaching the budget exactly is a violation
func TestCheckQuota_ExactBudgetRejects(t *testing.T) {
	engine, _, _ := newTestEngine(t, lg.WithBudgets(lg.Budgets{KeyDay: 10}))
	key := &lg.APIKey{Key: "sk-1", Active: true}

	require.NoError(t, engine.RecordUsage(context.Background(), key, testModel, 10, 0))
	assert.ErrorIs(t, engine.CheckQuota(context.Background(), key), lg.ErrQuotaExceeded)
}

// Test 4: The widest violated scope is the one reported
func TestCheckQuota_UserScopeReportedFirst(t *testing.T) {
	// Both the user and key budgets are blown; the user-week violation
	// must win since it is checked first.
	engine, _, _ := newTestEngine(t, lg.WithBudgets(lg.Budgets{
		KeyDay: 1, KeyWeek: 1, UserDay: 1, UserWeek: 1,
	}))
	key := &lg.APIKey{Key: "sk-1", User: "alice", Active: true}

	require.NoError(t, engine.RecordUsage(context.Background(), key, testModel, 5, 0))

	var qe *lg.QuotaExceededError
	require.ErrorAs(t, engine.CheckQuota(context.Background(), key), &qe)
	assert.Equal(t, lg.ScopeUser, qe.Scope)
	assert.Equal(t, lg.WindowWeek, qe.Window)
}

// Test 5: Per-key budget override beats the default
func TestCheckQuota_KeyBudgetOverride(t *testing.T) {
	engine, _, _ := newTestEngine(t, lg.WithBudgets(lg.Budgets{KeyDay: 100}))
	key := &lg.APIKey{Key: "sk-1", Active: true, HasBudget: true, DayBudget: 2}

	require.NoError(t, engine.RecordUsage(context.Background(), key, testModel, 2, 0))
	assert.ErrorIs(t, engine.CheckQuota(context.Background(), key), lg.ErrQuotaExceeded)
}

// Test 6: A zero override disables the budget entirely
func TestCheckQuota_ZeroBudgetIsUnlimited(t *testing.T) {
	engine, _, _ := newTestEngine(t, lg.WithBudgets(lg.Budgets{KeyDay: 1}))
	key := &lg.APIKey{Key: "sk-1", Active: true, HasBudget: true}

	require.NoError(t, engine.RecordUsage(context.Background(), key, testModel, 1000, 1000))
	assert.NoError(t, engine.CheckQuota(context.Background(), key))
}

// Test 7: Counters rebuild from the ledger after a cache flush
func TestCounter_RebuildsFromLedger(t *testing.T) {
	engine, cache, _ := newTestEngine(t)
	key := &lg.APIKey{Key: "sk-1", Active: true}

	require.NoError(t, engine.RecordUsage(context.Background(), key, testModel, 7, 3))
	require.NoError(t, engine.RecordUsage(context.Background(), key, testModel, 2, 1))

	before, err := engine.Counter(context.Background(), lg.ScopeKey, lg.WindowDay, "sk-1")
	require.NoError(t, err)

	// Simulate a cache restart; the rebuilt counter must match.
	cache.Flush()

	after, err := engine.Counter(context.Background(), lg.ScopeKey, lg.WindowDay, "sk-1")
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, int64(9), after.PromptTokens)
	assert.Equal(t, int64(4), after.CompletionTokens)
	assert.Equal(t, float64(13), after.Cost)
}

// Test 8: Concurrent recording loses no updates
func TestRecordUsage_ConcurrentNoLostUpdates(t *testing.T) {
	engine, _, ledger := newTestEngine(t)
	key := &lg.APIKey{Key: "sk-1", Active: true}

	// Seed the counter so every concurrent update takes the CAS path.
	require.NoError(t, engine.RecordUsage(context.Background(), key, testModel, 1, 0))

	const workers = 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, engine.RecordUsage(context.Background(), key, testModel, 1, 0))
		}()
	}
	wg.Wait()

	assert.Equal(t, workers+1, ledger.Len())

	u, err := engine.Counter(context.Background(), lg.ScopeKey, lg.WindowDay, "sk-1")
	require.NoError(t, err)
	assert.Equal(t, int64(workers+1), u.PromptTokens)
}

// Test 9: Invalidate forces the next read through the ledger
func TestInvalidate_DropsCachedCounters(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	key := &lg.APIKey{Key: "sk-1", Active: true}

	require.NoError(t, engine.RecordUsage(context.Background(), key, testModel, 4, 0))
	require.NoError(t, engine.Invalidate(context.Background(), lg.ScopeKey, "sk-1"))

	u, err := engine.Counter(context.Background(), lg.ScopeKey, lg.WindowDay, "sk-1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), u.PromptTokens)
}

// Test 10: CheckQuota fails open when both cache and ledger are down
func TestCheckQuota_FailsOpenOnStorageErrors(t *testing.T) {
	engine := lg.NewQuotaEngine(&failingCache{}, &failingLedger{},
		lg.WithEngineLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		lg.WithBudgets(lg.Budgets{KeyDay: 1}),
	)
	key := &lg.APIKey{Key: "sk-1", Active: true}

	assert.NoError(t, engine.CheckQuota(context.Background(), key))
}

// Test 11: RecordUsage still succeeds when every CAS attempt conflicts
func TestRecordUsage_CASExhaustionIsBestEffort(t *testing.T) {
	ledger := ledgermem.New()
	engine := lg.NewQuotaEngine(&conflictingCache{inner: cachemem.New()}, ledger,
		lg.WithEngineLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		lg.WithCASRetries(3, time.Microsecond),
	)
	key := &lg.APIKey{Key: "sk-1", Active: true}

	// The ledger append is the durability anchor; losing the counter
	// update must not surface as an error.
	require.NoError(t, engine.RecordUsage(context.Background(), key, testModel, 1, 1))
	assert.Equal(t, 1, ledger.Len())
}

// Test 12: A blown budget keeps rejecting until the window moves
func TestCheckQuota_Monotonic(t *testing.T) {
	engine, _, _ := newTestEngine(t, lg.WithBudgets(lg.Budgets{KeyDay: 3}))
	key := &lg.APIKey{Key: "sk-1", Active: true}

	require.NoError(t, engine.RecordUsage(context.Background(), key, testModel, 3, 0))

	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, engine.CheckQuota(context.Background(), key), lg.ErrQuotaExceeded)
	}
}

// Test 13: Crossing midnight resets the day counter but not the week counter
func TestCounter_DayRollover(t *testing.T) {
	// Wednesday 23:59:50; both the engine and cache share the clock.
	now := time.Date(2025, 6, 18, 23, 59, 50, 0, time.UTC)
	clock := func() time.Time { return now }

	cache := cachemem.New(cachemem.WithClock(clock))
	ledger := ledgermem.New()
	engine := lg.NewQuotaEngine(cache, ledger,
		lg.WithEngineLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		lg.WithClock(clock),
	)
	key := &lg.APIKey{Key: "sk-1", Active: true}

	require.NoError(t, engine.RecordUsage(context.Background(), key, testModel, 6, 0))

	u, err := engine.Counter(context.Background(), lg.ScopeKey, lg.WindowDay, "sk-1")
	require.NoError(t, err)
	require.Equal(t, int64(6), u.PromptTokens)

	// 21 seconds later it is Thursday; the day counter has expired and
	// the rebuild window no longer covers yesterday's record.
	now = now.Add(21 * time.Second)

	u, err = engine.Counter(context.Background(), lg.ScopeKey, lg.WindowDay, "sk-1")
	require.NoError(t, err)
	assert.True(t, u.IsZero())

	// The week window still covers Wednesday.
	u, err = engine.Counter(context.Background(), lg.ScopeKey, lg.WindowWeek, "sk-1")
	require.NoError(t, err)
	assert.Equal(t, int64(6), u.PromptTokens)
}

// failingCache errors on every operation.
type failingCache struct{}

func (failingCache) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("cache down")
}
func (failingCache) SetWithTTL(context.Context, string, []byte, time.Duration) error {
	return errors.New("cache down")
}
func (failingCache) CompareAndSwap(context.Context, string, []byte, []byte, time.Duration) (bool, error) {
	return false, errors.New("cache down")
}
func (failingCache) Delete(context.Context, string) error {
	return errors.New("cache down")
}

// failingLedger errors on every operation.
type failingLedger struct{}

func (failingLedger) Append(context.Context, lg.UsageRecord) error {
	return errors.New("ledger down")
}
func (failingLedger) Aggregate(context.Context, lg.Filter, ...lg.GroupBy) ([]lg.UsageRow, error) {
	return nil, errors.New("ledger down")
}
func (failingLedger) Purge(context.Context, time.Time) (int64, error) {
	return 0, errors.New("ledger down")
}

// conflictingCache reads through but reports every swap as lost.
type conflictingCache struct {
	inner *cachemem.Cache
}

func (c *conflictingCache) Get(ctx context.Context, key string) ([]byte, error) {
	return c.inner.Get(ctx, key)
}
func (c *conflictingCache) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.inner.SetWithTTL(ctx, key, value, ttl)
}
func (c *conflictingCache) CompareAndSwap(context.Context, string, []byte, []byte, time.Duration) (bool, error) {
	return false, nil
}
func (c *conflictingCache) Delete(ctx context.Context, key string) error {
	return c.inner.Delete(ctx, key)
}
