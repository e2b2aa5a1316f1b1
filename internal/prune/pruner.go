// Package prune removes old actions from the store on a schedule so the
// action history does not grow without bound.
package prune

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/servicewarden/warden/internal/clock"
	"github.com/servicewarden/warden/internal/logging"
	"github.com/servicewarden/warden/internal/metrics"
)

// Defaults applied by New when the config leaves fields zero.
const (
	DefaultSchedule  = "0 3 * * *"
	DefaultRetention = 90 * 24 * time.Hour
	DefaultBatch     = 500
)

// ActionPruner is what the pruner needs from the store.
type ActionPruner interface {
	PruneActions(cutoff time.Time, batch int, dryRun bool) (int, error)
	CountActions() (int, error)
}

// Config holds pruner settings.
type Config struct {
	Schedule  string        // cron expression
	Retention time.Duration // how far back actions are kept
	Batch     int           // max rows deleted per transaction
	DryRun    bool          // count only, delete nothing
}

// Pruner deletes actions older than the retention window.
type Pruner struct {
	cfg   Config
	store ActionPruner
	clk   clock.Clock
	log   *logging.Logger
	cron  *cron.Cron
}

// New creates a Pruner. Call Start to begin the schedule.
func New(cfg Config, store ActionPruner, clk clock.Clock, log *logging.Logger) *Pruner {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.Batch <= 0 {
		cfg.Batch = DefaultBatch
	}
	return &Pruner{cfg: cfg, store: store, clk: clk, log: log}
}

// Start schedules the prune job. Returns an error only when the cron
// expression does not parse.
func (p *Pruner) Start() error {
	c := cron.New()
	if _, err := c.AddFunc(p.cfg.Schedule, func() {
		if _, err := p.RunOnce(); err != nil {
			p.log.Error("scheduled prune failed", "error", err)
		}
	}); err != nil {
		return err
	}
	p.cron = c
	c.Start()
	p.log.Info("pruner scheduled", "schedule", p.cfg.Schedule, "retention", p.cfg.Retention, "dry_run", p.cfg.DryRun)
	return nil
}

// Stop halts the schedule. Safe to call before Start.
func (p *Pruner) Stop() {
	if p.cron != nil {
		p.cron.Stop()
	}
}

// RunOnce prunes everything older than the retention cutoff, looping in
// bounded batches until a batch comes back short. Returns the total
// number of rows removed (or counted, in dry-run mode).
func (p *Pruner) RunOnce() (int, error) {
	cutoff := p.clk.Now().Add(-p.cfg.Retention)

	before, err := p.store.CountActions()
	if err != nil {
		return 0, err
	}

	total := 0
	for {
		n, err := p.store.PruneActions(cutoff, p.cfg.Batch, p.cfg.DryRun)
		if err != nil {
			return total, err
		}
		total += n
		if p.cfg.DryRun || n < p.cfg.Batch {
			break
		}
	}

	after, err := p.store.CountActions()
	if err != nil {
		return total, err
	}

	if !p.cfg.DryRun {
		metrics.PrunedActions.Add(float64(total))
	}
	p.log.Info("prune complete",
		"cutoff", cutoff.Format(time.RFC3339),
		"removed", total,
		"before", before,
		"after", after,
		"dry_run", p.cfg.DryRun,
	)
	return total, nil
}
