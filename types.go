package llmgate

import "time"

// Usage accumulates token counts and the cost they translate to.
// It doubles as the cache-resident counter payload for a quota window.
type Usage struct {
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	Cost             float64 `json:"cost"`
}

// Add accumulates another usage into u.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.Cost += other.Cost
}

// TotalTokens returns prompt plus completion tokens.
func (u Usage) TotalTokens() int64 {
	return u.PromptTokens + u.CompletionTokens
}

// IsZero reports whether no usage has been accumulated.
func (u Usage) IsZero() bool {
	return u.PromptTokens == 0 && u.CompletionTokens == 0 && u.Cost == 0
}

// UsageRecord is one immutable, append-only ledger entry. Exactly one
// record is written per completed request or completed stream; records
// are never mutated (retention pruning aside).
type UsageRecord struct {
	ID               string    `json:"id"`
	Key              string    `json:"key"`
	User             string    `json:"user,omitempty"`
	Model            string    `json:"model"`
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	Cost             float64   `json:"cost"`
	Timestamp        time.Time `json:"timestamp"`
}

// Usage returns the record's token counts and cost as a Usage value.
func (r UsageRecord) Usage() Usage {
	return Usage{
		PromptTokens:     r.PromptTokens,
		CompletionTokens: r.CompletionTokens,
		Cost:             r.Cost,
	}
}

// APIKey is the identity record handed to the gateway by the key
// management collaborator. The gateway only reads it.
type APIKey struct {
	Key    string `json:"key" yaml:"key"`
	User   string `json:"user,omitempty" yaml:"user"` // empty for backend-service keys
	Name   string `json:"name" yaml:"name"`
	Active bool   `json:"active" yaml:"active"`

	// HasBudget marks a key carrying fixed budgets that override the
	// configured per-key defaults. User-scope budgets are never
	// overridden per key.
	HasBudget  bool    `json:"has_budget,omitempty" yaml:"has_budget"`
	DayBudget  float64 `json:"day_budget,omitempty" yaml:"day_budget"`
	WeekBudget float64 `json:"week_budget,omitempty" yaml:"week_budget"`
}

// Model describes one model served by the upstream inference backend.
// Cost coefficients are per token and read at request time; recorded
// costs are not retroactively adjusted when coefficients change.
type Model struct {
	ID             string  `json:"id" yaml:"id"`
	Path           string  `json:"path" yaml:"path"` // upstream path prefix for this model
	OwnedBy        string  `json:"owned_by,omitempty" yaml:"owned_by"`
	PromptCost     float64 `json:"prompt_cost" yaml:"prompt_cost"`
	CompletionCost float64 `json:"completion_cost" yaml:"completion_cost"`
}

// CostFor computes the cost of a request against this model.
func (m Model) CostFor(promptTokens, completionTokens int64) float64 {
	return float64(promptTokens)*m.PromptCost + float64(completionTokens)*m.CompletionCost
}

// Scope is the accounting subject of a quota counter.
type Scope string

const (
	ScopeKey  Scope = "key"
	ScopeUser Scope = "user"
)
