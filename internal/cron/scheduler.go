// Package cron fires periodic evolution tasks through the scheduler. A fired
// task goes through the same admission path as any other submission, so the
// dedup gate and the evolution breaker apply.
package cron

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/Cyber-41/ouroboros-free/internal/persistence"
	"github.com/Cyber-41/ouroboros-free/internal/scheduler"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies for the evolution trigger.
type Config struct {
	Scheduler   *scheduler.Scheduler
	Logger      *slog.Logger
	Expr        string        // cron expression for evolution runs
	Interval    time.Duration // tick interval; defaults to 1 minute if zero
	Description string        // evolution task description
	Identity    string        // model identity for spawned tasks
}

// Trigger periodically checks the cron expression and schedules an
// evolution task when due.
type Trigger struct {
	sched       *scheduler.Scheduler
	logger      *slog.Logger
	expr        string
	interval    time.Duration
	description string
	identity    string

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	nextRun time.Time
}

// New creates a Trigger. The expression is validated at Start.
func New(cfg Config) *Trigger {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	description := cfg.Description
	if description == "" {
		description = "Periodic self-evolution: review recent task outcomes and improve strategy."
	}
	return &Trigger{
		sched:       cfg.Scheduler,
		logger:      logger,
		expr:        cfg.Expr,
		interval:    interval,
		description: description,
		identity:    cfg.Identity,
	}
}

// Start begins the trigger loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (t *Trigger) Start(ctx context.Context) error {
	next, err := NextRunTime(t.expr, time.Now())
	if err != nil {
		return err
	}
	t.nextRun = next

	ctx, t.cancel = context.WithCancel(ctx)
	t.wg.Add(1)
	go t.loop(ctx)
	t.logger.Info("evolution trigger started", "expr", t.expr, "next_run", t.nextRun)
	return nil
}

// Stop cancels the trigger loop and waits for it to exit.
func (t *Trigger) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
	t.logger.Info("evolution trigger stopped")
}

func (t *Trigger) loop(ctx context.Context) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.tick(ctx)
		}
	}
}

func (t *Trigger) tick(ctx context.Context) {
	now := time.Now()
	if now.Before(t.nextRun) {
		return
	}

	taskID, err := t.sched.Schedule(ctx, scheduler.Request{
		Type:          persistence.TaskTypeEvolution,
		Description:   t.description,
		ModelIdentity: t.identity,
	})
	switch {
	case err == nil:
		t.logger.Info("evolution task scheduled", "task_id", taskID)
	case errors.Is(err, scheduler.ErrTypePaused):
		t.logger.Warn("evolution skipped: type paused")
	case errors.Is(err, scheduler.ErrDuplicateTask):
		t.logger.Info("evolution skipped: duplicate of recent run")
	default:
		t.logger.Error("evolution scheduling failed", "error", err)
	}

	next, err := NextRunTime(t.expr, now)
	if err != nil {
		t.logger.Error("compute next run failed", "expr", t.expr, "error", err)
		return
	}
	t.nextRun = next
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
