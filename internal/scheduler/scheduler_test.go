package scheduler_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Cyber-41/ouroboros-free/internal/breaker"
	"github.com/Cyber-41/ouroboros-free/internal/budget"
	"github.com/Cyber-41/ouroboros-free/internal/dedup"
	"github.com/Cyber-41/ouroboros-free/internal/persistence"
	"github.com/Cyber-41/ouroboros-free/internal/scheduler"
)

type freePricer struct{}

func (freePricer) Cost(_ context.Context, _ string, _, _ int) (float64, error) { return 0, nil }

// runnerFunc adapts a function to the Runner interface.
type runnerFunc func(ctx context.Context, task *persistence.Task) (string, error)

func (f runnerFunc) Run(ctx context.Context, task *persistence.Task) (string, error) {
	return f(ctx, task)
}

type fixture struct {
	store   *persistence.Store
	gate    *dedup.Gate
	breaker *breaker.Breaker
	ledger  *budget.Ledger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "ouroboros.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return &fixture{
		store:   store,
		gate:    dedup.New(0.82),
		breaker: breaker.New(3, nil, nil, nil),
		ledger:  budget.New(10.0, freePricer{}, nil, nil, nil),
	}
}

func (f *fixture) scheduler(runner scheduler.Runner, cfg scheduler.Config) *scheduler.Scheduler {
	return scheduler.New(f.store, f.gate, f.breaker, f.ledger, runner, cfg, nil, nil)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestSchedule_RejectsPausedType(t *testing.T) {
	f := newFixture(t)
	f.breaker = breaker.New(1, nil, nil, nil)
	f.breaker.RecordFailure(string(persistence.TaskTypeEvolution))

	s := f.scheduler(nil, scheduler.Config{})
	_, err := s.Schedule(context.Background(), scheduler.Request{
		Type:        persistence.TaskTypeEvolution,
		Description: "evolve",
	})
	if !errors.Is(err, scheduler.ErrTypePaused) {
		t.Fatalf("expected ErrTypePaused, got %v", err)
	}
}

func TestSchedule_RejectsDuplicates(t *testing.T) {
	f := newFixture(t)
	s := f.scheduler(nil, scheduler.Config{})
	ctx := context.Background()

	first, err := s.Schedule(ctx, scheduler.Request{
		Type:        persistence.TaskTypeWorker,
		Description: "index the documentation site and report broken links",
	})
	if err != nil {
		t.Fatalf("first schedule: %v", err)
	}

	_, err = s.Schedule(ctx, scheduler.Request{
		Type:        persistence.TaskTypeWorker,
		Description: "index the documentation site and report broken links",
	})
	if !errors.Is(err, scheduler.ErrDuplicateTask) {
		t.Fatalf("expected ErrDuplicateTask, got %v", err)
	}
	var dup *scheduler.DuplicateError
	if !errors.As(err, &dup) {
		t.Fatalf("expected *DuplicateError, got %T", err)
	}
	if dup.SimilarTo != first {
		t.Fatalf("expected reference to %s, got %s", first, dup.SimilarTo)
	}
	if dup.Score < 0.82 {
		t.Fatalf("expected score at threshold, got %f", dup.Score)
	}
}

func TestSchedule_RejectsWhenBudgetExhausted(t *testing.T) {
	f := newFixture(t)
	f.ledger = budget.New(0.5, freePricer{}, nil, nil, nil)
	if err := f.ledger.AuthorizeAndCommit(0.5); err != nil {
		t.Fatalf("commit: %v", err)
	}

	s := f.scheduler(nil, scheduler.Config{})
	_, err := s.Schedule(context.Background(), scheduler.Request{
		Type:        persistence.TaskTypeWorker,
		Description: "anything",
	})
	if !errors.Is(err, scheduler.ErrBudgetExhausted) {
		t.Fatalf("expected ErrBudgetExhausted, got %v", err)
	}
}

func TestSchedule_AppliesQueueBackpressure(t *testing.T) {
	f := newFixture(t)
	s := f.scheduler(nil, scheduler.Config{MaxQueueDepth: 1})
	ctx := context.Background()

	if _, err := s.Schedule(ctx, scheduler.Request{
		Type:        persistence.TaskTypeWorker,
		Description: "first completely distinct piece of work",
	}); err != nil {
		t.Fatalf("first schedule: %v", err)
	}
	_, err := s.Schedule(ctx, scheduler.Request{
		Type:        persistence.TaskTypeWorker,
		Description: "unrelated second item about gardening tips",
	})
	if !errors.Is(err, scheduler.ErrQueueSaturated) {
		t.Fatalf("expected ErrQueueSaturated, got %v", err)
	}
}

func TestSchedule_AppliesTypeDefaults(t *testing.T) {
	f := newFixture(t)
	s := f.scheduler(nil, scheduler.Config{
		TaskTimeout:        30 * time.Minute,
		EvolutionTimeout:   10 * time.Minute,
		MaxRounds:          100,
		EvolutionMaxRounds: 30,
	})
	ctx := context.Background()

	workerID, err := s.Schedule(ctx, scheduler.Request{
		Type:        persistence.TaskTypeWorker,
		Description: "regular work item",
	})
	if err != nil {
		t.Fatalf("schedule worker: %v", err)
	}
	evoID, err := s.Schedule(ctx, scheduler.Request{
		Type:        persistence.TaskTypeEvolution,
		Description: "review strategy and improve",
	})
	if err != nil {
		t.Fatalf("schedule evolution: %v", err)
	}

	worker, err := f.store.GetTask(ctx, workerID)
	if err != nil {
		t.Fatalf("get worker task: %v", err)
	}
	if worker.MaxRounds != 100 {
		t.Fatalf("expected worker round cap 100, got %d", worker.MaxRounds)
	}
	if worker.Deadline == nil {
		t.Fatalf("expected worker deadline")
	}

	evo, err := f.store.GetTask(ctx, evoID)
	if err != nil {
		t.Fatalf("get evolution task: %v", err)
	}
	if evo.MaxRounds != 30 {
		t.Fatalf("expected evolution round cap 30, got %d", evo.MaxRounds)
	}
	if evo.Deadline == nil {
		t.Fatalf("expected evolution deadline")
	}
	if !evo.Deadline.Before(*worker.Deadline) {
		t.Fatalf("expected tighter evolution window")
	}
}

func TestScheduler_RunsTaskOnSlotZero(t *testing.T) {
	f := newFixture(t)
	s := f.scheduler(runnerFunc(func(ctx context.Context, task *persistence.Task) (string, error) {
		return "all done", nil
	}), scheduler.Config{WorkerCount: 1, PollInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	id, err := s.Schedule(ctx, scheduler.Request{
		Type:        persistence.TaskTypeDirectChat,
		Description: "quick answer",
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		task, err := f.store.GetTask(context.Background(), id)
		return err == nil && task.Status == persistence.TaskStatusSucceeded
	})

	task, err := f.store.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if task.WorkerID != 0 {
		t.Fatalf("single-worker pool must use slot 0, got %d", task.WorkerID)
	}
	if task.Result != "all done" {
		t.Fatalf("expected result stored, got %q", task.Result)
	}
}

func TestScheduler_FailureFeedsBreaker(t *testing.T) {
	f := newFixture(t)
	f.breaker = breaker.New(1, nil, nil, nil)
	s := f.scheduler(runnerFunc(func(ctx context.Context, task *persistence.Task) (string, error) {
		return "", errors.New("evolution exploded")
	}), scheduler.Config{WorkerCount: 1, PollInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	id, err := s.Schedule(ctx, scheduler.Request{
		Type:        persistence.TaskTypeEvolution,
		Description: "self improve",
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		task, err := f.store.GetTask(context.Background(), id)
		return err == nil && task.Status == persistence.TaskStatusFailed
	})

	task, _ := f.store.GetTask(context.Background(), id)
	if task.Error != "evolution exploded" {
		t.Fatalf("expected error message stored, got %q", task.Error)
	}
	if f.breaker.Allow(string(persistence.TaskTypeEvolution)) {
		t.Fatalf("expected breaker paused after terminal failure at threshold 1")
	}
}

func TestScheduler_DeadlineOverrunSpawnsOneRetry(t *testing.T) {
	f := newFixture(t)
	s := f.scheduler(runnerFunc(func(ctx context.Context, task *persistence.Task) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}), scheduler.Config{
		WorkerCount:  1,
		PollInterval: 10 * time.Millisecond,
		TaskTimeout:  time.Hour,
		RetryWindow:  time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	deadline := time.Now().Add(100 * time.Millisecond)
	id, err := s.Schedule(ctx, scheduler.Request{
		Type:        persistence.TaskTypeWorker,
		Description: "slow grind",
		Deadline:    &deadline,
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		task, err := f.store.GetTask(context.Background(), id)
		return err == nil && task.Status == persistence.TaskStatusTimedOut
	})

	var retries int
	rows, err := f.store.DB().Query(`SELECT COUNT(1) FROM tasks WHERE original_task_id = ?;`, id)
	if err != nil {
		t.Fatalf("count retries: %v", err)
	}
	defer rows.Close()
	if rows.Next() {
		if err := rows.Scan(&retries); err != nil {
			t.Fatalf("scan: %v", err)
		}
	}
	if retries != 1 {
		t.Fatalf("expected exactly one lineage retry, got %d", retries)
	}
}

func TestScheduler_AbortFailsRunningTask(t *testing.T) {
	f := newFixture(t)
	started := make(chan struct{})
	s := f.scheduler(runnerFunc(func(ctx context.Context, task *persistence.Task) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	}), scheduler.Config{
		WorkerCount:  1,
		PollInterval: 10 * time.Millisecond,
		TaskTimeout:  time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	id, err := s.Schedule(ctx, scheduler.Request{
		Type:        persistence.TaskTypeWorker,
		Description: "abort me",
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatalf("task never started")
	}

	if err := s.Abort(context.Background(), id); err != nil {
		t.Fatalf("abort: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		task, err := f.store.GetTask(context.Background(), id)
		return err == nil && task.Status == persistence.TaskStatusFailed
	})

	task, _ := f.store.GetTask(context.Background(), id)
	if !task.CancelRequested {
		t.Fatalf("expected cancel flag set")
	}
}

func TestScheduler_AbortDoesNotFeedBreaker(t *testing.T) {
	f := newFixture(t)
	f.breaker = breaker.New(1, nil, nil, nil)
	started := make(chan struct{})
	s := f.scheduler(runnerFunc(func(ctx context.Context, task *persistence.Task) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	}), scheduler.Config{
		WorkerCount:  1,
		PollInterval: 10 * time.Millisecond,
		TaskTimeout:  time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	id, err := s.Schedule(ctx, scheduler.Request{
		Type:        persistence.TaskTypeEvolution,
		Description: "long evolution run",
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatalf("task never started")
	}

	if err := s.Abort(context.Background(), id); err != nil {
		t.Fatalf("abort: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		task, err := f.store.GetTask(context.Background(), id)
		return err == nil && task.Status == persistence.TaskStatusFailed
	})

	task, _ := f.store.GetTask(context.Background(), id)
	if task.Error != "aborted by operator" {
		t.Fatalf("expected abort error message, got %q", task.Error)
	}
	if !f.breaker.Allow(string(persistence.TaskTypeEvolution)) {
		t.Fatalf("operator abort must not count as a failure at threshold 1")
	}
}

func TestScheduler_ShutdownRequeuesInFlightTask(t *testing.T) {
	f := newFixture(t)
	started := make(chan struct{})
	s := f.scheduler(runnerFunc(func(ctx context.Context, task *persistence.Task) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	}), scheduler.Config{
		WorkerCount:  1,
		PollInterval: 10 * time.Millisecond,
		TaskTimeout:  time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)

	id, err := s.Schedule(ctx, scheduler.Request{
		Type:        persistence.TaskTypeWorker,
		Description: "interrupted by shutdown",
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatalf("task never started")
	}

	cancel()
	s.Wait()

	task, err := f.store.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if task.Status != persistence.TaskStatusPending {
		t.Fatalf("expected PENDING after shutdown, got %s", task.Status)
	}
	if task.WorkerID != persistence.WorkerUnassigned {
		t.Fatalf("expected worker assignment cleared, got %d", task.WorkerID)
	}
	if f.breaker.Allow(string(persistence.TaskTypeWorker)) != true {
		t.Fatalf("shutdown must not count as a failure")
	}
}

func TestScheduler_InterruptRequeuesTask(t *testing.T) {
	f := newFixture(t)
	started := make(chan struct{})
	var runs atomic.Int32
	s := f.scheduler(runnerFunc(func(ctx context.Context, task *persistence.Task) (string, error) {
		if runs.Add(1) == 1 {
			close(started)
			<-ctx.Done()
			return "", ctx.Err()
		}
		return "resumed", nil
	}), scheduler.Config{
		WorkerCount:  1,
		PollInterval: 10 * time.Millisecond,
		TaskTimeout:  time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	id, err := s.Schedule(ctx, scheduler.Request{
		Type:        persistence.TaskTypeWorker,
		Description: "restartable work",
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatalf("task never started")
	}

	if s.Interrupt("no-such-task") {
		t.Fatalf("interrupt of unknown task must report false")
	}
	if !s.Interrupt(id) {
		t.Fatalf("interrupt of running task must report true")
	}

	waitFor(t, 5*time.Second, func() bool {
		task, err := f.store.GetTask(context.Background(), id)
		return err == nil && task.Status == persistence.TaskStatusSucceeded
	})

	task, _ := f.store.GetTask(context.Background(), id)
	if task.Result != "resumed" {
		t.Fatalf("expected result from the rerun, got %q", task.Result)
	}
	if task.CancelRequested {
		t.Fatalf("interrupt must not set the cancel flag")
	}

	var requeues int
	row := f.store.DB().QueryRow(`SELECT COUNT(1) FROM task_events WHERE task_id = ? AND event_type = 'task.requeued';`, id)
	if err := row.Scan(&requeues); err != nil {
		t.Fatalf("count requeue events: %v", err)
	}
	if requeues != 1 {
		t.Fatalf("expected one requeue event, got %d", requeues)
	}
}

func TestScheduler_DrainAfterCancel(t *testing.T) {
	f := newFixture(t)
	s := f.scheduler(runnerFunc(func(ctx context.Context, task *persistence.Task) (string, error) {
		return "", nil
	}), scheduler.Config{WorkerCount: 2, PollInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		s.Drain(2 * time.Second)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("drain did not return after context cancellation")
	}
}
