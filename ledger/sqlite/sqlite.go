// Package sqlite provides a SQLite-backed UsageLedger and KeyDirectory
// for single-node deployments, where one file holds both the usage
// history and the key records shared with the key-management tooling.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ineyio/llmgate"
)

// Store is a SQLite-backed UsageLedger and KeyDirectory.
type Store struct {
	db *sql.DB
}

var (
	_ llmgate.UsageLedger  = (*Store)(nil)
	_ llmgate.KeyDirectory = (*Store)(nil)
)

// timeLayout is fixed-width so the TEXT range filters in buildWhere
// compare chronologically. RFC3339Nano trims trailing zeros, which
// sorts "00:00:00.5Z" before "00:00:00Z" and drops boundary records.
const timeLayout = "2006-01-02 15:04:05.000000000"

const schema = `
CREATE TABLE IF NOT EXISTS usage_records (
	id TEXT PRIMARY KEY,
	api_key TEXT NOT NULL,
	user_id TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL,
	prompt_tokens INTEGER NOT NULL,
	completion_tokens INTEGER NOT NULL,
	cost REAL NOT NULL,
	at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_key_at ON usage_records(api_key, at);
CREATE INDEX IF NOT EXISTS idx_usage_user_at ON usage_records(user_id, at);

CREATE TABLE IF NOT EXISTS api_keys (
	token TEXT PRIMARY KEY,
	user_id TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL,
	active INTEGER NOT NULL DEFAULT 1,
	has_budget INTEGER NOT NULL DEFAULT 0,
	day_budget REAL NOT NULL DEFAULT 0,
	week_budget REAL NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_keys_user ON api_keys(user_id);
`

// New opens (or creates) the database at path and runs auto-migration.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("llmgate/sqlite: open: %w", err)
	}
	// modernc sqlite is single-writer; serialize access through one
	// connection rather than surfacing SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("llmgate/sqlite: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append durably stores a record.
func (s *Store) Append(ctx context.Context, rec llmgate.UsageRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_records
			(id, api_key, user_id, model, prompt_tokens, completion_tokens, cost, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Key, rec.User, rec.Model,
		rec.PromptTokens, rec.CompletionTokens, rec.Cost,
		rec.Timestamp.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("llmgate/sqlite: append: %w", err)
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
			selectCols = append(selectCols, "strftime('%Y-%m-%dT%H:00:00Z', at) AS bucket")
			groupCols = append(groupCols, "bucket")
		default:
			return nil, fmt.Errorf("llmgate/sqlite: unknown grouping %q", g)
		}
	}

	where, args := buildWhere(f)

	q := "SELECT "
	if len(selectCols) > 0 {
		q += strings.Join(selectCols, ", ") + ", "
	}
	q += "SUM(prompt_tokens), SUM(completion_tokens), SUM(cost) FROM usage_records" + where
	if len(groupCols) > 0 {
		q += " GROUP BY " + strings.Join(groupCols, ", ")
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("llmgate/sqlite: aggregate: %w", err)
	}
	defer rows.Close()

	var out []llmgate.UsageRow
	for rows.Next() {
		var row llmgate.UsageRow
		var bucket string
		var prompt, completion sql.NullInt64
		var cost sql.NullFloat64

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
				dests = append(dests, &bucket)
			}
		}
		dests = append(dests, &prompt, &completion, &cost)

		if err := rows.Scan(dests...); err != nil {
			return nil, fmt.Errorf("llmgate/sqlite: aggregate scan: %w", err)
		}
		if bucket != "" {
			t, err := time.Parse(time.RFC3339, bucket)
			if err != nil {
				return nil, fmt.Errorf("llmgate/sqlite: aggregate bucket: %w", err)
			}
			row.Bucket = t
		}

		// SUM over zero rows is NULL; an ungrouped aggregate still
		// returns one row, which callers expect to be zero usage.
		row.Usage = llmgate.Usage{
			PromptTokens:     prompt.Int64,
			CompletionTokens: completion.Int64,
			Cost:             cost.Float64,
		}
		if len(group) == 0 && !prompt.Valid && !completion.Valid && !cost.Valid {
			continue
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Purge deletes records older than before, returning the count.
func (s *Store) Purge(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM usage_records WHERE at < ?",
		before.UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("llmgate/sqlite: purge: %w", err)
	}
	return res.RowsAffected()
}

// Resolve returns the key record for a token, or ErrKeyNotFound.
func (s *Store) Resolve(ctx context.Context, token string) (*llmgate.APIKey, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT token, user_id, name, active, has_budget, day_budget, week_budget
		FROM api_keys WHERE token = ?`, token)

	key, err := scanKey(row)
	if err == sql.ErrNoRows {
		return nil, llmgate.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("llmgate/sqlite: resolve key: %w", err)
	}
	return key, nil
}

// ListForUser returns all keys owned by a user.
func (s *Store) ListForUser(ctx context.Context, user string) ([]llmgate.APIKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT token, user_id, name, active, has_budget, day_budget, week_budget
		FROM api_keys WHERE user_id = ? ORDER BY token`, user)
	if err != nil {
		return nil, fmt.Errorf("llmgate/sqlite: list keys: %w", err)
	}
	defer rows.Close()

	var out []llmgate.APIKey
	for rows.Next() {
		key, err := scanKey(rows)
		if err != nil {
			return nil, fmt.Errorf("llmgate/sqlite: list keys: %w", err)
		}
		out = append(out, *key)
	}
	return out, rows.Err()
}

// PutKey inserts or replaces a key record. Exposed for the external
// key-management tooling sharing this database.
func (s *Store) PutKey(ctx context.Context, key llmgate.APIKey) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys (token, user_id, name, active, has_budget, day_budget, week_budget)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(token) DO UPDATE SET
			user_id = excluded.user_id,
			name = excluded.name,
			active = excluded.active,
			has_budget = excluded.has_budget,
			day_budget = excluded.day_budget,
			week_budget = excluded.week_budget`,
		key.Key, key.User, key.Name, key.Active, key.HasBudget, key.DayBudget, key.WeekBudget,
	)
	if err != nil {
		return fmt.Errorf("llmgate/sqlite: put key: %w", err)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanKey(row scannable) (*llmgate.APIKey, error) {
	var key llmgate.APIKey
	if err := row.Scan(&key.Key, &key.User, &key.Name, &key.Active,
		&key.HasBudget, &key.DayBudget, &key.WeekBudget); err != nil {
		return nil, err
	}
	return &key, nil
}

func buildWhere(f llmgate.Filter) (string, []any) {
	var conds []string
	var args []any
	if f.Key != "" {
		conds = append(conds, "api_key = ?")
		args = append(args, f.Key)
	}
	if f.User != "" {
		conds = append(conds, "user_id = ?")
		args = append(args, f.User)
	}
	if f.Model != "" {
		conds = append(conds, "model = ?")
		args = append(args, f.Model)
	}
	if !f.From.IsZero() {
		conds = append(conds, "at >= ?")
		args = append(args, f.From.UTC().Format(timeLayout))
	}
	if !f.To.IsZero() {
		conds = append(conds, "at <= ?")
		args = append(args, f.To.UTC().Format(timeLayout))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}
