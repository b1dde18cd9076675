package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/ineyio/llmgate"
	memcache "github.com/ineyio/llmgate/cache/memory"
	rediscache "github.com/ineyio/llmgate/cache/redis"
	memledger "github.com/ineyio/llmgate/ledger/memory"
	pgledger "github.com/ineyio/llmgate/ledger/postgres"
	sqliteledger "github.com/ineyio/llmgate/ledger/sqlite"
	"github.com/ineyio/llmgate/meter"
)

var runFlags struct {
	listen string
	dryRun bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the gateway",
	Long: `Start the gateway with the specified configuration.

Examples:
  # Start with default config
  llmgate run

  # Start with custom config
  llmgate run --config /etc/llmgate/config.yaml

  # Validate config without starting
  llmgate run --dry-run`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runFlags.listen, "listen", "l", "", "override listen address")
	runCmd.Flags().BoolVar(&runFlags.dryRun, "dry-run", false, "validate config without starting")
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := llmgate.LoadConfig(cfgFile)
	if err != nil {
		return err
	}
	if runFlags.listen != "" {
		cfg.Listen = runFlags.listen
	}

	if runFlags.dryRun {
		fmt.Println("configuration valid")
		return nil
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cache, err := buildCache(cfg)
	if err != nil {
		return err
	}

	ledger, keys, cleanup, err := buildLedger(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	registry, err := buildRegistry(ctx, cfg, logger)
	if err != nil {
		return err
	}

	engineOpts := []llmgate.EngineOption{
		llmgate.WithBudgets(cfg.Quota.Budgets),
		llmgate.WithEngineLogger(logger),
	}
	if cfg.Quota.CASRetries > 0 {
		engineOpts = append(engineOpts, llmgate.WithCASRetries(cfg.Quota.CASRetries, cfg.Quota.Backoff()))
	}
	engine := llmgate.NewQuotaEngine(cache, ledger, engineOpts...)

	forwarder, err := llmgate.NewForwarder(registry, cfg.Upstream.BaseURL, cfg.Upstream.APIKey)
	if err != nil {
		return err
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	gateway := llmgate.NewGateway(engine, forwarder, keys,
		llmgate.WithMeter(meter.NewPromMeter(promReg)),
		llmgate.WithGatewayLogger(logger),
		llmgate.WithReports(llmgate.NewReports(ledger, keys)),
	)

	if cfg.Ledger.PruneSchedule != "" {
		pruner := llmgate.NewRetentionPruner(ledger, cfg.Ledger.PruneSchedule, cfg.Ledger.RetentionDays, logger)
		if err := pruner.Start(ctx); err != nil {
			return err
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/", gateway.Handler())
	mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		state := gateway.Health()
		status := http.StatusOK
		if state == llmgate.HealthUnhealthy {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		fmt.Fprintf(w, `{"status":%q}`+"\n", state)
	})

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.Listen, "upstream", cfg.Upstream.BaseURL)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func buildCache(cfg llmgate.Config) (llmgate.QuotaCache, error) {
	switch cfg.Cache.Backend {
	case "redis":
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Cache.Addr,
			Password: cfg.Cache.Password,
			DB:       cfg.Cache.DB,
		})
		return rediscache.New(client, rediscache.WithKeyPrefix(cfg.Cache.KeyPrefix)), nil
	default:
		return memcache.New(), nil
	}
}

// buildLedger returns the usage ledger and the key directory backing
// authentication. The sqlite and postgres backends serve both; keys
// listed in the config always take precedence as a static directory.
func buildLedger(ctx context.Context, cfg llmgate.Config) (llmgate.UsageLedger, llmgate.KeyDirectory, func(), error) {
	noop := func() {}

	switch cfg.Ledger.Backend {
	case "sqlite":
		store, err := sqliteledger.New(cfg.Ledger.Path)
		if err != nil {
			return nil, nil, noop, err
		}
		keys := llmgate.KeyDirectory(store)
		if len(cfg.Keys) > 0 {
			keys = llmgate.NewStaticKeyDirectory(cfg.Keys)
		}
		return store, keys, func() { store.Close() }, nil

	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Ledger.DSN)
		if err != nil {
			return nil, nil, noop, fmt.Errorf("llmgate: connect postgres: %w", err)
		}
		store := pgledger.New(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, noop, err
		}
		keys := llmgate.KeyDirectory(store)
		if len(cfg.Keys) > 0 {
			keys = llmgate.NewStaticKeyDirectory(cfg.Keys)
		}
		return store, keys, pool.Close, nil

	default:
		return memledger.New(), llmgate.NewStaticKeyDirectory(cfg.Keys), noop, nil
	}
}

func buildRegistry(ctx context.Context, cfg llmgate.Config, logger *slog.Logger) (llmgate.ModelRegistry, error) {
	if cfg.ModelsFile == "" {
		return llmgate.NewStaticRegistry(cfg.Models), nil
	}

	registry, err := llmgate.NewFileRegistry(cfg.ModelsFile, logger)
	if err != nil {
		return nil, err
	}
	go func() {
		if err := registry.Watch(ctx); err != nil {
			logger.Error("model file watcher stopped", "error", err)
		}
	}()
	return registry, nil
}
