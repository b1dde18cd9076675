package llmgate

import (
	"context"
	"sort"
	"time"
)

// Reports answers usage queries over the ledger. All queries are pure
// reads; a scope with no matching records yields zero-usage results,
// never an error.
type Reports struct {
	ledger UsageLedger
	keys   KeyDirectory
}

// NewReports creates a Reports over the given ledger and key directory.
func NewReports(ledger UsageLedger, keys KeyDirectory) *Reports {
	return &Reports{ledger: ledger, keys: keys}
}

// TimePoint is one hour bucket in a usage series. Buckets without
// activity are absent from a series, not zero-filled.
type TimePoint struct {
	Timestamp time.Time `json:"timestamp"`
	Usage
}

// ModelUsage is aggregated usage attributed to one model.
type ModelUsage struct {
	Model string `json:"model"`
	Usage Usage  `json:"usage"`
}

// KeyUsage is aggregated usage attributed to one key, with a per-model
// breakdown. A key that exists but was never used appears with zero
// totals and no models.
type KeyUsage struct {
	Key  string `json:"key"`
	Name string `json:"name"`
	Usage
	Models []ModelUsage `json:"models"`
}

// UserKeyUsage is a user's total usage broken down per key.
type UserKeyUsage struct {
	Usage
	Keys []KeyUsage `json:"keys"`
}

// UsageForUser returns the user's total usage in the time range.
func (r *Reports) UsageForUser(ctx context.Context, user string, from, to time.Time) (Usage, error) {
	rows, err := r.ledger.Aggregate(ctx, Filter{User: user, From: from, To: to})
	if err != nil {
		return Usage{}, err
	}
	var u Usage
	for _, row := range rows {
		u.Add(row.Usage)
	}
	return u, nil
}

// UsagePerKeyForUser returns the user's usage per key with per-model
// breakdowns. The result is the union of keys with usage and keys that
// exist but were idle, the latter with explicit zero entries.
func (r *Reports) UsagePerKeyForUser(ctx context.Context, user string, from, to time.Time) (*UserKeyUsage, error) {
	rows, err := r.ledger.Aggregate(ctx, Filter{User: user, From: from, To: to}, GroupByKey, GroupByModel)
	if err != nil {
		return nil, err
	}

	byKey := make(map[string]*KeyUsage)
	for _, row := range rows {
		ku, ok := byKey[row.Key]
		if !ok {
			ku = &KeyUsage{Key: row.Key, Models: []ModelUsage{}}
			byKey[row.Key] = ku
		}
		ku.Models = append(ku.Models, ModelUsage{Model: row.Model, Usage: row.Usage})
		ku.Usage.Add(row.Usage)
	}

	known, err := r.keys.ListForUser(ctx, user)
	if err != nil {
		return nil, err
	}
	for _, k := range known {
		if ku, ok := byKey[k.Key]; ok {
			ku.Name = k.Name
			continue
		}
		byKey[k.Key] = &KeyUsage{Key: k.Key, Name: k.Name, Models: []ModelUsage{}}
	}

	out := &UserKeyUsage{Keys: make([]KeyUsage, 0, len(byKey))}
	for _, ku := range byKey {
		sort.Slice(ku.Models, func(i, j int) bool { return ku.Models[i].Model < ku.Models[j].Model })
		out.Usage.Add(ku.Usage)
		out.Keys = append(out.Keys, *ku)
	}
	sort.Slice(out.Keys, func(i, j int) bool { return out.Keys[i].Key < out.Keys[j].Key })
	return out, nil
}

// UsagePerModel returns total usage grouped by model.
func (r *Reports) UsagePerModel(ctx context.Context, from, to time.Time) ([]ModelUsage, error) {
	rows, err := r.ledger.Aggregate(ctx, Filter{From: from, To: to}, GroupByModel)
	if err != nil {
		return nil, err
	}
	out := make([]ModelUsage, 0, len(rows))
	for _, row := range rows {
		out = append(out, ModelUsage{Model: row.Model, Usage: row.Usage})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out, nil
}

// UsageOverTimeForUser returns the user's hour-bucketed usage series.
func (r *Reports) UsageOverTimeForUser(ctx context.Context, user string, from, to time.Time) ([]TimePoint, error) {
	return r.overTime(ctx, Filter{User: user, From: from, To: to})
}

// UsageOverTimeForModel returns a model's hour-bucketed usage series.
func (r *Reports) UsageOverTimeForModel(ctx context.Context, model string, from, to time.Time) ([]TimePoint, error) {
	return r.overTime(ctx, Filter{Model: model, From: from, To: to})
}

func (r *Reports) overTime(ctx context.Context, f Filter) ([]TimePoint, error) {
	rows, err := r.ledger.Aggregate(ctx, f, GroupByHour)
	if err != nil {
		return nil, err
	}
	out := make([]TimePoint, 0, len(rows))
	for _, row := range rows {
		out = append(out, TimePoint{Timestamp: row.Bucket, Usage: row.Usage})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// UsagePerUserPerHour returns hour-bucketed usage rows per user.
func (r *Reports) UsagePerUserPerHour(ctx context.Context, from, to time.Time) ([]UsageRow, error) {
	return r.perHour(ctx, Filter{From: from, To: to}, GroupByUser)
}

// UsagePerModelPerHour returns hour-bucketed usage rows per model.
func (r *Reports) UsagePerModelPerHour(ctx context.Context, from, to time.Time) ([]UsageRow, error) {
	return r.perHour(ctx, Filter{From: from, To: to}, GroupByModel)
}

func (r *Reports) perHour(ctx context.Context, f Filter, dim GroupBy) ([]UsageRow, error) {
	rows, err := r.ledger.Aggregate(ctx, f, dim, GroupByHour)
	if err != nil {
		return nil, err
	}
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].Bucket.Equal(rows[j].Bucket) {
			return rows[i].Bucket.Before(rows[j].Bucket)
		}
		return rows[i].Key+rows[i].User+rows[i].Model < rows[j].Key+rows[j].User+rows[j].Model
	})
	return rows, nil
}
