package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/robfig/cron/v3"

	"runline/internal/domain"
	"runline/internal/logger"
)

// DefaultReapSchedule is used when no schedule is configured.
const DefaultReapSchedule = "@every 1m"

// Reaper fails runs that outlived their kind's wall-clock budget without
// reaching a terminal state, typically because the process executing them
// died.
type Reaper struct {
	Dispatcher *Dispatcher
	Schedule   string
	Logger     *slog.Logger

	cron *cron.Cron
}

func NewReaper(d *Dispatcher, schedule string) *Reaper {
	return &Reaper{Dispatcher: d, Schedule: schedule, Logger: d.Logger}
}

// Start runs Sweep on the schedule until Stop.
func (r *Reaper) Start(ctx context.Context) error {
	spec := r.Schedule
	if spec == "" {
		spec = DefaultReapSchedule
	}
	c := cron.New(cron.WithLogger(cron.DiscardLogger), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(spec, func() {
		if _, err := r.Sweep(ctx); err != nil {
			logger.Or(r.Logger).Error("reap stale runs failed", "err", err)
		}
	}); err != nil {
		return fmt.Errorf("reap schedule %q: %w", spec, err)
	}
	r.cron = c
	c.Start()
	return nil
}

// Stop halts the schedule and waits for a running sweep.
func (r *Reaper) Stop() {
	if r.cron == nil {
		return
	}
	<-r.cron.Stop().Done()
}

// Sweep fails every stale run and returns the ids it changed.
func (r *Reaper) Sweep(ctx context.Context) ([]string, error) {
	d := r.Dispatcher
	cfg := d.Engine.Config
	if cfg == nil {
		return nil, nil
	}
	kinds := make([]string, 0, len(cfg.Runs.Kinds))
	for kind := range cfg.Runs.Kinds {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	now := d.Engine.Now()
	var reaped []string
	for _, kind := range kinds {
		budget := cfg.RunTimeout(kind)
		before := now.Add(-budget).UTC().Format(time.RFC3339)
		stale, err := d.Engine.Repo.ListStaleRuns(ctx, kind, before)
		if err != nil {
			return reaped, err
		}
		for _, run := range stale {
			if r.reap(ctx, run, budget) {
				reaped = append(reaped, run.ID)
			}
		}
	}
	return reaped, nil
}

func (r *Reaper) reap(ctx context.Context, run domain.Run, budget time.Duration) bool {
	d := r.Dispatcher
	log := logger.Or(r.Logger).With("run_id", run.ID, "kind", run.Kind)
	if run.WorkflowRunID != nil && *run.WorkflowRunID != "" {
		wfID := *run.WorkflowRunID
		BestEffort(ctx, r.Logger, "substrate_cancel", func(ctx context.Context) error {
			return d.Substrate.Cancel(ctx, wfID)
		}, "run_id", run.ID, "workflow_run_id", wfID)
	}
	reason := d.Redactor.Text(fmt.Sprintf("run exceeded its %s wall-clock budget", budget))
	changed, err := d.Engine.FailRunAndSteps(ctx, run.ID, reason)
	if err != nil {
		log.Warn("reap run failed", "err", err)
		return false
	}
	if !changed {
		return false
	}
	d.abortInflight(run.ID)
	d.closeStream(ctx, run.ID, domain.StatusFailed)
	log.Info("stale run reaped", "budget", budget.String())
	return true
}
