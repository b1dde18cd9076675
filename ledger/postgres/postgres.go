// Package postgres provides a PostgreSQL-backed UsageLedger and
// KeyDirectory for multi-instance deployments, where every gateway
// writes to the same usage history and reads the same key records.
package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ineyio/llmgate"
)

// Store is a PostgreSQL-backed UsageLedger and KeyDirectory.
type Store struct {
	pool        *pgxpool.Pool
	tablePrefix string
}

var (
	_ llmgate.UsageLedger  = (*Store)(nil)
	_ llmgate.KeyDirectory = (*Store)(nil)
)

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "llmgate_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// New creates a new PostgreSQL-backed Store.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:        pool,
		tablePrefix: "llmgate_",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) usageTable() string { return s.tablePrefix + "usage_records" }
func (s *Store) keysTable() string  { return s.tablePrefix + "api_keys" }

// EnsureSchema creates the required tables if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id TEXT PRIMARY KEY,
			api_key TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL,
			prompt_tokens BIGINT NOT NULL,
			completion_tokens BIGINT NOT NULL,
			cost DOUBLE PRECISION NOT NULL,
			at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS %[2]s_key_at ON %[1]s (api_key, at);
		CREATE INDEX IF NOT EXISTS %[2]s_user_at ON %[1]s (user_id, at);

		CREATE TABLE IF NOT EXISTS %[3]s (
			token TEXT PRIMARY KEY,
			user_id TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL,
			active BOOLEAN NOT NULL DEFAULT true,
			has_budget BOOLEAN NOT NULL DEFAULT false,
			day_budget DOUBLE PRECISION NOT NULL DEFAULT 0,
			week_budget DOUBLE PRECISION NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS %[4]s_user ON %[3]s (user_id);
	`, s.usageTable(), s.tablePrefix+"usage", s.keysTable(), s.tablePrefix+"keys")
	if _, err := s.pool.Exec(ctx, q); err != nil {
		return fmt.Errorf("llmgate/postgres: ensure schema: %w", err)
	}
	return nil
}

// Append durably stores a record.
func (s *Store) Append(ctx context.Context, rec llmgate.UsageRecord) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s
			(id, api_key, user_id, model, prompt_tokens, completion_tokens, cost, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`, s.usageTable()),
		rec.ID, rec.Key, rec.User, rec.Model,
		rec.PromptTokens, rec.CompletionTokens, rec.Cost,
		rec.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("llmgate/postgres: append: %w", err)
	}
	return nil
}

// Aggregate sums matching records grouped by the given dimensions.
func (s *Store) Aggregate(ctx context.Context, f llmgate.Filter, group ...llmgate.GroupBy) ([]llmgate.UsageRow, error) {
	var selectCols, groupCols []string
	for _, g := range group {
		switch g {
		case llmgate.GroupByKey:
			selectCols = append(selectCols, "api_key")
			groupCols = append(groupCols, "api_key")
		case llmgate.GroupByUser:
			selectCols = append(selectCols, "user_id")
			groupCols = append(groupCols, "user_id")
		case llmgate.GroupByModel:
			selectCols = append(selectCols, "model")
			groupCols = append(groupCols, "model")
		case llmgate.GroupByHour:
			selectCols = append(selectCols, "date_trunc('hour', at) AS bucket")
			groupCols = append(groupCols, "bucket")
		default:
			return nil, fmt.Errorf("llmgate/postgres: unknown grouping %q", g)
		}
	}

	where, args := buildWhere(f)

	q := "SELECT "
	if len(selectCols) > 0 {
		q += strings.Join(selectCols, ", ") + ", "
	}
	q += fmt.Sprintf(
		"COALESCE(SUM(prompt_tokens), 0), COALESCE(SUM(completion_tokens), 0), COALESCE(SUM(cost), 0) FROM %s%s",
		s.usageTable(), where)
	if len(groupCols) > 0 {
		q += " GROUP BY " + strings.Join(groupCols, ", ")
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("llmgate/postgres: aggregate: %w", err)
	}
	defer rows.Close()

	var out []llmgate.UsageRow
	for rows.Next() {
		var row llmgate.UsageRow
		dests := make([]any, 0, len(group)+3)
		for _, g := range group {
			switch g {
			case llmgate.GroupByKey:
				dests = append(dests, &row.Key)
			case llmgate.GroupByUser:
				dests = append(dests, &row.User)
			case llmgate.GroupByModel:
				dests = append(dests, &row.Model)
			case llmgate.GroupByHour:
				dests = append(dests, &row.Bucket)
			}
		}
		dests = append(dests, &row.Usage.PromptTokens, &row.Usage.CompletionTokens, &row.Usage.Cost)

		if err := rows.Scan(dests...); err != nil {
			return nil, fmt.Errorf("llmgate/postgres: aggregate scan: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Purge deletes records older than before, returning the count.
func (s *Store) Purge(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE at < $1", s.usageTable()),
		before.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("llmgate/postgres: purge: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Resolve returns the key record for a token, or ErrKeyNotFound.
func (s *Store) Resolve(ctx context.Context, token string) (*llmgate.APIKey, error) {
	var key llmgate.APIKey
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT token, user_id, name, active, has_budget, day_budget, week_budget
		FROM %s WHERE token = $1`, s.keysTable()), token,
	).Scan(&key.Key, &key.User, &key.Name, &key.Active,
		&key.HasBudget, &key.DayBudget, &key.WeekBudget)
	if err == pgx.ErrNoRows {
		return nil, llmgate.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("llmgate/postgres: resolve key: %w", err)
	}
	return &key, nil
}

// ListForUser returns all keys owned by a user.
func (s *Store) ListForUser(ctx context.Context, user string) ([]llmgate.APIKey, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT token, user_id, name, active, has_budget, day_budget, week_budget
		FROM %s WHERE user_id = $1 ORDER BY token`, s.keysTable()), user)
	if err != nil {
		return nil, fmt.Errorf("llmgate/postgres: list keys: %w", err)
	}
	defer rows.Close()

	var out []llmgate.APIKey
	for rows.Next() {
		var key llmgate.APIKey
		if err := rows.Scan(&key.Key, &key.User, &key.Name, &key.Active,
			&key.HasBudget, &key.DayBudget, &key.WeekBudget); err != nil {
			return nil, fmt.Errorf("llmgate/postgres: list keys: %w", err)
		}
		out = append(out, key)
	}
	return out, rows.Err()
}

// PutKey inserts or replaces a key record.
func (s *Store) PutKey(ctx context.Context, key llmgate.APIKey) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (token, user_id, name, active, has_budget, day_budget, week_budget)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (token) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			name = EXCLUDED.name,
			active = EXCLUDED.active,
			has_budget = EXCLUDED.has_budget,
			day_budget = EXCLUDED.day_budget,
			week_budget = EXCLUDED.week_budget`, s.keysTable()),
		key.Key, key.User, key.Name, key.Active, key.HasBudget, key.DayBudget, key.WeekBudget,
	)
	if err != nil {
		return fmt.Errorf("llmgate/postgres: put key: %w", err)
	}
	return nil
}

func buildWhere(f llmgate.Filter) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.Key != "" {
		add("api_key = $%d", f.Key)
	}
	if f.User != "" {
		add("user_id = $%d", f.User)
	}
	if f.Model != "" {
		add("model = $%d", f.Model)
	}
	if !f.From.IsZero() {
		add("at >= $%d", f.From.UTC())
	}
	if !f.To.IsZero() {
		add("at <= $%d", f.To.UTC())
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}
