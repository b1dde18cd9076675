package llmgate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

const (
	defaultCASRetries = 16
	defaultCASBackoff = time.Millisecond
	maxCASBackoff     = 100 * time.Millisecond
)

// Budgets holds the default cost budgets applied per window and scope.
// A non-positive budget disables the corresponding check. Key-scope
// defaults are overridden by keys carrying fixed budgets.
type Budgets struct {
	KeyDay   float64 `yaml:"key_day"`
	KeyWeek  float64 `yaml:"key_week"`
	UserDay  float64 `yaml:"user_day"`
	UserWeek float64 `yaml:"user_week"`
}

// DefaultBudgets returns the stock budgets.
func DefaultBudgets() Budgets {
	return Budgets{KeyDay: 20, KeyWeek: 50, UserDay: 50, UserWeek: 150}
}

// QuotaEngine composes the fast cache and the ledger into quota
// decisions and durable usage accounting.
type QuotaEngine struct {
	cache      QuotaCache
	ledger     UsageLedger
	budgets    Budgets
	logger     *slog.Logger
	now        func() time.Time
	casRetries int
	casBackoff time.Duration
}

var _ UsageRecorder = (*QuotaEngine)(nil)

// EngineOption configures a QuotaEngine.
type EngineOption func(*QuotaEngine)

// WithBudgets sets the default cost budgets.
func WithBudgets(b Budgets) EngineOption {
	return func(e *QuotaEngine) { e.budgets = b }
}

// WithEngineLogger sets the logger. Nil keeps slog.Default().
func WithEngineLogger(l *slog.Logger) EngineOption {
	return func(e *QuotaEngine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) EngineOption {
	return func(e *QuotaEngine) { e.now = now }
}

// WithCASRetries bounds the optimistic counter-update loop. retries is
// the number of additional attempts after the first; backoff is the
// initial sleep, doubled per attempt up to a fixed cap.
func WithCASRetries(retries int, backoff time.Duration) EngineOption {
	return func(e *QuotaEngine) {
		e.casRetries = retries
		e.casBackoff = backoff
	}
}

// NewQuotaEngine creates a QuotaEngine over the given cache and ledger.
func NewQuotaEngine(cache QuotaCache, ledger UsageLedger, opts ...EngineOption) *QuotaEngine {
	e := &QuotaEngine{
		cache:      cache,
		ledger:     ledger,
		budgets:    DefaultBudgets(),
		logger:     slog.Default(),
		now:        time.Now,
		casRetries: defaultCASRetries,
		casBackoff: defaultCASBackoff,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type counterRef struct {
	scope  Scope
	window Window
	id     string
}

// applicableCounters returns the counters checked for a key, broadest
// scope first: user-week, user-day, key-week, key-day. The order is
// fixed so the widest violation is always the one reported.
func applicableCounters(key *APIKey) []counterRef {
	var refs []counterRef
	if key.User != "" {
		refs = append(refs,
			counterRef{ScopeUser, WindowWeek, key.User},
			counterRef{ScopeUser, WindowDay, key.User},
		)
	}
	return append(refs,
		counterRef{ScopeKey, WindowWeek, key.Key},
		counterRef{ScopeKey, WindowDay, key.Key},
	)
}

// CheckQuota evaluates every applicable counter against its budget and
// returns a *QuotaExceededError for the first violation, in the fixed
// order user-week, user-day, key-week, key-day.
//
// Cache or ledger unavailability fails open: the affected counter is
// treated as passing and the condition logged. This is a deliberate
// availability-over-strict-enforcement trade-off; the ledger remains
// ground truth and counters reconcile on the next successful rebuild.
func (e *QuotaEngine) CheckQuota(ctx context.Context, key *APIKey) error {
	for _, ref := range applicableCounters(key) {
		budget := e.budgetFor(key, ref.scope, ref.window)
		if budget <= 0 {
			continue
		}
		usage, err := e.Counter(ctx, ref.scope, ref.window, ref.id)
		if err != nil {
			e.logger.Error("quota counter unavailable, failing open",
				"scope", ref.scope, "window", ref.window, "error", err)
			continue
		}
		if usage.Cost >= budget {
			return &QuotaExceededError{Scope: ref.scope, Window: ref.window}
		}
	}
	return nil
}

// Counter returns the accumulated usage for a scope/window counter. On
// cache miss the counter is rebuilt from the ledger aggregate for the
// window's start-to-now range and written back with the window TTL.
func (e *QuotaEngine) Counter(ctx context.Context, scope Scope, window Window, id string) (Usage, error) {
	now := e.now()
	k := counterKey(scope, window, id)

	b, err := e.cache.Get(ctx, k)
	if err == nil {
		if u, derr := decodeCounter(b); derr == nil {
			return u, nil
		}
		// Undecodable payload, treat as a miss and rebuild.
	} else if !errors.Is(err, ErrCacheMiss) {
		e.logger.Warn("quota cache read failed, falling back to ledger", "key", k, "error", err)
	}

	u, err := e.rebuild(ctx, scope, window, id, now)
	if err != nil {
		return Usage{}, err
	}

	// Best-effort warm: only create, never clobber a concurrent write.
	if _, err := e.cache.CompareAndSwap(ctx, k, nil, encodeCounter(u), window.TTL(now)); err != nil {
		e.logger.Warn("quota cache warm failed", "key", k, "error", err)
	}
	return u, nil
}

// RecordUsage computes the request cost, appends the ledger record, and
// applies the delta to every applicable counter.
//
// The ledger append is the durability anchor and its error is the only
// one returned. Counter updates are best effort: if they are lost the
// counters rebuild correctly from the ledger on next access.
func (e *QuotaEngine) RecordUsage(ctx context.Context, key *APIKey, model *Model, promptTokens, completionTokens int64) error {
	rec := UsageRecord{
		ID:               uuid.NewString(),
		Key:              key.Key,
		User:             key.User,
		Model:            model.ID,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		Cost:             model.CostFor(promptTokens, completionTokens),
		Timestamp:        e.now(),
	}

	appendErr := e.ledger.Append(ctx, rec)
	if appendErr != nil {
		appendErr = fmt.Errorf("llmgate: ledger append: %w", appendErr)
		e.logger.Error("ledger append failed", "key", rec.Key, "model", rec.Model, "error", appendErr)
	}

	delta := rec.Usage()
	for _, ref := range applicableCounters(key) {
		if err := e.addToCounter(ctx, ref, delta); err != nil {
			e.logger.Warn("quota counter update failed",
				"scope", ref.scope, "window", ref.window, "error", err)
		}
	}

	return appendErr
}

// Invalidate drops the cached day and week counters for a scope,
// forcing a ledger rebuild on next access. Used when budgets change.
func (e *QuotaEngine) Invalidate(ctx context.Context, scope Scope, id string) error {
	for _, w := range []Window{WindowDay, WindowWeek} {
		if err := e.cache.Delete(ctx, counterKey(scope, w, id)); err != nil {
			return err
		}
	}
	return nil
}

// addToCounter applies a usage delta with an optimistic compare-and-swap
// loop: watch the current value, apply in memory, write back only if
// unchanged, retry with doubling backoff otherwise. Each delta is
// applied exactly once; no update is lost under contention.
func (e *QuotaEngine) addToCounter(ctx context.Context, ref counterRef, delta Usage) error {
	k := counterKey(ref.scope, ref.window, ref.id)

	for attempt := 0; ; attempt++ {
		now := e.now()

		var old []byte
		var next Usage
		cur, err := e.cache.Get(ctx, k)
		switch {
		case errors.Is(err, ErrCacheMiss):
			// Rebuild from the ledger. The aggregate already contains
			// the record this delta came from, so the delta is not
			// re-applied on this path. A writer that appended between
			// this aggregate and our CAS-create gets its record counted
			// here and again by its own CAS-add; the over-count is
			// transient and clears when the counter expires.
			next, err = e.rebuild(ctx, ref.scope, ref.window, ref.id, now)
			if err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			next, err = decodeCounter(cur)
			if err != nil {
				return err
			}
			next.Add(delta)
			old = cur
		}

		ok, err := e.cache.CompareAndSwap(ctx, k, old, encodeCounter(next), ref.window.TTL(now))
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if attempt >= e.casRetries {
			return fmt.Errorf("llmgate: counter %s: retries exhausted after %d attempts", k, attempt+1)
		}

		backoff := e.casBackoff << attempt
		if backoff > maxCASBackoff {
			backoff = maxCASBackoff
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
}

func (e *QuotaEngine) rebuild(ctx context.Context, scope Scope, window Window, id string, now time.Time) (Usage, error) {
	f := Filter{From: window.Start(now)}
	switch scope {
	case ScopeKey:
		f.Key = id
	case ScopeUser:
		f.User = id
	}

	rows, err := e.ledger.Aggregate(ctx, f)
	if err != nil {
		return Usage{}, fmt.Errorf("llmgate: counter rebuild: %w", err)
	}

	var u Usage
	for _, row := range rows {
		u.Add(row.Usage)
	}
	return u, nil
}

func (e *QuotaEngine) budgetFor(key *APIKey, scope Scope, window Window) float64 {
	if scope == ScopeUser {
		if window == WindowDay {
			return e.budgets.UserDay
		}
		return e.budgets.UserWeek
	}
	if key.HasBudget {
		if window == WindowDay {
			return key.DayBudget
		}
		return key.WeekBudget
	}
	if window == WindowDay {
		return e.budgets.KeyDay
	}
	return e.budgets.KeyWeek
}
