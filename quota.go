package llmgate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// QuotaCache is the fast cache holding hot quota counters. It must be
// safe for concurrent read-modify-write from multiple gateway replicas;
// the engine layers a compare-and-swap retry loop on top of it.
type QuotaCache interface {
	// Get returns the raw counter payload, or ErrCacheMiss if the key
	// is absent or expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// SetWithTTL writes a payload with the given time to live.
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// CompareAndSwap writes value only if the current payload equals
	// old (nil old means the key must be absent). It returns false
	// without error when the comparison fails.
	CompareAndSwap(ctx context.Context, key string, old, value []byte, ttl time.Duration) (bool, error)

	// Delete removes a key. Missing keys are not an error.
	Delete(ctx context.Context, key string) error
}

// GroupBy names a grouping dimension for ledger aggregation.
type GroupBy string

const (
	GroupByKey   GroupBy = "key"
	GroupByUser  GroupBy = "user"
	GroupByModel GroupBy = "model"
	GroupByHour  GroupBy = "hour"
)

// Filter restricts a ledger aggregation. Zero fields are ignored.
type Filter struct {
	Key   string
	User  string
	Model string
	From  time.Time
	To    time.Time
}

// UsageRow is one aggregated ledger row. Only the fields named in the
// aggregation's grouping are populated; Bucket is the truncated-to-hour
// timestamp when grouping by hour.
type UsageRow struct {
	Key    string    `json:"key,omitempty"`
	User   string    `json:"user,omitempty"`
	Model  string    `json:"model,omitempty"`
	Bucket time.Time `json:"timestamp,omitempty"`
	Usage  Usage     `json:"usage"`
}

// UsageLedger is the durable, append-only store of usage records and the
// ground truth for any counter rebuild.
type UsageLedger interface {
	// Append durably stores a record.
	Append(ctx context.Context, rec UsageRecord) error

	// Aggregate sums matching records, grouped by the given dimensions.
	// No grouping returns at most one row with the overall totals; a
	// filter matching nothing returns no rows, not an error.
	Aggregate(ctx context.Context, f Filter, group ...GroupBy) ([]UsageRow, error)

	// Purge deletes records older than before, returning the count.
	Purge(ctx context.Context, before time.Time) (int64, error)
}

// KeyDirectory resolves presented credentials to key records. Key
// lifecycle management lives in an external collaborator; the gateway
// only reads.
type KeyDirectory interface {
	// Resolve returns the key record for a presented token, or
	// ErrKeyNotFound.
	Resolve(ctx context.Context, token string) (*APIKey, error)

	// ListForUser returns all keys owned by a user, used or not.
	ListForUser(ctx context.Context, user string) ([]APIKey, error)
}

// ModelRegistry resolves model ids to upstream paths and cost
// coefficients.
type ModelRegistry interface {
	// Resolve returns the model for an id, or ErrModelNotFound.
	Resolve(id string) (*Model, error)

	// List returns all registered models.
	List() []Model
}

// UsageRecorder is the narrow surface the stream tracker needs from the
// quota engine.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, key *APIKey, model *Model, promptTokens, completionTokens int64) error
}

// counterKey builds the cache key for a scope/window counter.
func counterKey(scope Scope, window Window, id string) string {
	return fmt.Sprintf("%s:%s:%s", scope, window, id)
}

func encodeCounter(u Usage) []byte {
	b, _ := json.Marshal(u)
	return b
}

func decodeCounter(b []byte) (Usage, error) {
	var u Usage
	if err := json.Unmarshal(b, &u); err != nil {
		return Usage{}, fmt.Errorf("llmgate: decode counter: %w", err)
	}
	return u, nil
}
