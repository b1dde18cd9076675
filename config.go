package llmgate

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level gateway configuration.
type Config struct {
	Listen   string         `yaml:"listen"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Cache    CacheConfig    `yaml:"cache"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Quota    QuotaConfig    `yaml:"quota"`
	Models   []Model        `yaml:"models"`

	// ModelsFile optionally points at a yaml model list reloaded on
	// change. When set it takes precedence over Models.
	ModelsFile string `yaml:"models_file"`

	// Keys seeds a static key directory, mainly for development and
	// single-tenant deployments. Production deployments use the sqlite
	// directory managed by the key-management service.
	Keys []APIKey `yaml:"keys"`
}

// UpstreamConfig points at the inference backend.
type UpstreamConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// CacheConfig selects and configures the quota cache backend.
type CacheConfig struct {
	Backend   string `yaml:"backend"` // memory | redis
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// LedgerConfig selects and configures the usage ledger backend.
type LedgerConfig struct {
	Backend string `yaml:"backend"` // memory | sqlite | postgres
	Path    string `yaml:"path"`    // sqlite database file
	DSN     string `yaml:"dsn"`     // postgres connection string

	// PruneSchedule is a cron expression for retention pruning; empty
	// disables pruning. RetentionDays bounds record age.
	PruneSchedule string `yaml:"prune_schedule"`
	RetentionDays int    `yaml:"retention_days"`
}

// QuotaConfig tunes the quota engine.
type QuotaConfig struct {
	Budgets      Budgets `yaml:"budgets"`
	CASRetries   int     `yaml:"cas_retries"`
	CASBackoffMS int     `yaml:"cas_backoff_ms"`
}

// Backoff returns the configured CAS backoff as a duration.
func (q QuotaConfig) Backoff() time.Duration {
	if q.CASBackoffMS <= 0 {
		return defaultCASBackoff
	}
	return time.Duration(q.CASBackoffMS) * time.Millisecond
}

// LoadConfig reads and parses a YAML config file.
// Environment variables in the format ${VAR} are expanded before parsing.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("llmgate: read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Config{
		Listen: ":8080",
		Cache:  CacheConfig{Backend: "memory", KeyPrefix: "llmgate:quota:"},
		Ledger: LedgerConfig{Backend: "memory"},
		Quota:  QuotaConfig{Budgets: DefaultBudgets()},
	}
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("llmgate: parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks the config for required fields and consistency.
func (c Config) Validate() error {
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("llmgate: config: upstream.base_url is required")
	}

	switch c.Cache.Backend {
	case "memory":
	case "redis":
		if c.Cache.Addr == "" {
			return fmt.Errorf("llmgate: config: cache.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("llmgate: config: unknown cache backend %q", c.Cache.Backend)
	}

	switch c.Ledger.Backend {
	case "memory":
	case "sqlite":
		if c.Ledger.Path == "" {
			return fmt.Errorf("llmgate: config: ledger.path is required for the sqlite backend")
		}
	case "postgres":
		if c.Ledger.DSN == "" {
			return fmt.Errorf("llmgate: config: ledger.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("llmgate: config: unknown ledger backend %q", c.Ledger.Backend)
	}

	if c.Ledger.PruneSchedule != "" && c.Ledger.RetentionDays <= 0 {
		return fmt.Errorf("llmgate: config: ledger.retention_days is required when pruning is scheduled")
	}

	if c.ModelsFile == "" && len(c.Models) == 0 {
		return fmt.Errorf("llmgate: config: at least one model is required")
	}

	ids := make(map[string]bool, len(c.Models))
	for i, m := range c.Models {
		if m.ID == "" {
			return fmt.Errorf("llmgate: config: models[%d]: id is required", i)
		}
		if ids[m.ID] {
			return fmt.Errorf("llmgate: config: duplicate model id %q", m.ID)
		}
		ids[m.ID] = true
		if m.Path == "" {
			return fmt.Errorf("llmgate: config: models[%d] (%s): path is required", i, m.ID)
		}
	}

	keys := make(map[string]bool, len(c.Keys))
	for i, k := range c.Keys {
		if k.Key == "" {
			return fmt.Errorf("llmgate: config: keys[%d]: key is required", i)
		}
		if keys[k.Key] {
			return fmt.Errorf("llmgate: config: duplicate key %q", k.Name)
		}
		keys[k.Key] = true
	}

	return nil
}
