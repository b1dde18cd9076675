package llmgate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// RetentionPruner deletes ledger records older than a retention horizon
// on a cron schedule. Counters are unaffected: pruning only ever removes
// records older than a week, outside every active window.
type RetentionPruner struct {
	ledger   UsageLedger
	schedule string
	maxAge   time.Duration
	cron     *cron.Cron
	logger   *slog.Logger
}

// NewRetentionPruner creates a pruner. An empty schedule disables it.
func NewRetentionPruner(ledger UsageLedger, schedule string, retentionDays int, logger *slog.Logger) *RetentionPruner {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetentionPruner{
		ledger:   ledger,
		schedule: schedule,
		maxAge:   time.Duration(retentionDays) * 24 * time.Hour,
		cron:     cron.New(),
		logger:   logger,
	}
}

// Start schedules pruning and returns. Stop cancels the schedule.
func (p *RetentionPruner) Start(ctx context.Context) error {
	if p.schedule == "" {
		p.logger.Info("ledger pruning not scheduled")
		return nil
	}
	if p.maxAge < 7*24*time.Hour {
		return fmt.Errorf("llmgate: retention shorter than the week window would break counter rebuilds")
	}

	if _, err := cron.ParseStandard(p.schedule); err != nil {
		return fmt.Errorf("llmgate: invalid prune schedule %q: %w", p.schedule, err)
	}
	if _, err := p.cron.AddFunc(p.schedule, func() { p.PruneOnce(ctx) }); err != nil {
		return fmt.Errorf("llmgate: schedule pruning: %w", err)
	}

	p.cron.Start()
	p.logger.Info("ledger pruning scheduled", "schedule", p.schedule, "retention", p.maxAge)

	go func() {
		<-ctx.Done()
		p.Stop()
	}()
	return nil
}

// Stop cancels the schedule. In-flight pruning finishes.
func (p *RetentionPruner) Stop() {
	p.cron.Stop()
}

// PruneOnce runs a single pruning cycle.
func (p *RetentionPruner) PruneOnce(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	before := time.Now().Add(-p.maxAge)
	deleted, err := p.ledger.Purge(ctx, before)
	if err != nil {
		p.logger.Error("ledger pruning failed", "error", err)
		return
	}
	p.logger.Info("ledger pruned", "deleted", deleted, "before", before)
}
