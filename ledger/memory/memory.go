// Package memory provides an in-memory UsageLedger, for tests and
// ephemeral deployments.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/ineyio/llmgate"
)

// Ledger is an in-memory UsageLedger.
type Ledger struct {
	mu      sync.RWMutex
	records []llmgate.UsageRecord
}

var _ llmgate.UsageLedger = (*Ledger)(nil)

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{}
}

// Append stores a record.
func (l *Ledger) Append(_ context.Context, rec llmgate.UsageRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.records = append(l.records, rec)
	return nil
}

// Aggregate sums matching records grouped by the given dimensions.
func (l *Ledger) Aggregate(_ context.Context, f llmgate.Filter, group ...llmgate.GroupBy) ([]llmgate.UsageRow, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	grouped := make(map[string]*llmgate.UsageRow)
	var order []string

	for _, rec := range l.records {
		if !matches(rec, f) {
			continue
		}

		row := llmgate.UsageRow{}
		var key string
		for _, g := range group {
			switch g {
			case llmgate.GroupByKey:
				row.Key = rec.Key
				key += "k=" + rec.Key + ";"
			case llmgate.GroupByUser:
				row.User = rec.User
				key += "u=" + rec.User + ";"
			case llmgate.GroupByModel:
				row.Model = rec.Model
				key += "m=" + rec.Model + ";"
			case llmgate.GroupByHour:
				row.Bucket = rec.Timestamp.UTC().Truncate(time.Hour)
				key += "h=" + row.Bucket.Format(time.RFC3339) + ";"
			}
		}

		agg, ok := grouped[key]
		if !ok {
			agg = &row
			grouped[key] = agg
			order = append(order, key)
		}
		agg.Usage.Add(rec.Usage())
	}

	out := make([]llmgate.UsageRow, 0, len(order))
	for _, k := range order {
		out = append(out, *grouped[k])
	}
	return out, nil
}

// Purge deletes records older than before.
func (l *Ledger) Purge(_ context.Context, before time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.records[:0]
	var deleted int64
	for _, rec := range l.records {
		if rec.Timestamp.Before(before) {
			deleted++
			continue
		}
		kept = append(kept, rec)
	}
	l.records = kept
	return deleted, nil
}

// Len returns the number of stored records.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

func matches(rec llmgate.UsageRecord, f llmgate.Filter) bool {
	if f.Key != "" && rec.Key != f.Key {
		return false
	}
	if f.User != "" && rec.User != f.User {
		return false
	}
	if f.Model != "" && rec.Model != f.Model {
		return false
	}
	if !f.From.IsZero() && rec.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && rec.Timestamp.After(f.To) {
		return false
	}
	return true
}
