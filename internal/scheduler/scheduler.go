// Package scheduler admits tasks through the dedup gate, breaker and budget
// checks, and runs them on a fixed worker pool. Worker ids are pool slot
// indexes starting at zero; slot zero is a worker like any other.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Cyber-41/ouroboros-free/internal/breaker"
	"github.com/Cyber-41/ouroboros-free/internal/budget"
	"github.com/Cyber-41/ouroboros-free/internal/bus"
	"github.com/Cyber-41/ouroboros-free/internal/dedup"
	"github.com/Cyber-41/ouroboros-free/internal/eventlog"
	"github.com/Cyber-41/ouroboros-free/internal/otel"
	"github.com/Cyber-41/ouroboros-free/internal/persistence"
	"github.com/Cyber-41/ouroboros-free/internal/shared"
	"go.opentelemetry.io/otel/metric"
)

var (
	// ErrDuplicateTask is returned when the dedup gate rejects a submission.
	// Use errors.As with *DuplicateError to get the similar task reference.
	ErrDuplicateTask = errors.New("duplicate task")

	// ErrTypePaused is returned when the task type's breaker is open.
	ErrTypePaused = errors.New("task type paused")

	// ErrQueueSaturated is returned when the pending queue exceeds the cap.
	ErrQueueSaturated = errors.New("queue saturated: backpressure applied")

	// ErrBudgetExhausted rejects new tasks once the ledger has no headroom.
	ErrBudgetExhausted = errors.New("budget exhausted")
)

// DuplicateError carries the dedup rejection details.
type DuplicateError struct {
	SimilarTo string
	Score     float64
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("duplicate task: similar to %s (score %.2f)", e.SimilarTo, e.Score)
}

func (e *DuplicateError) Unwrap() error { return ErrDuplicateTask }

// Config holds scheduler tunables.
type Config struct {
	WorkerCount   int
	PollInterval  time.Duration
	MaxQueueDepth int // 0 = unlimited

	TaskTimeout      time.Duration // deadline window for direct_chat and worker tasks
	EvolutionTimeout time.Duration // tighter window for evolution tasks
	RetryWindow      time.Duration // deadline for timeout-spawned retry tasks

	MaxRounds          int // round cap for direct_chat and worker tasks
	EvolutionMaxRounds int // tighter cap for evolution tasks

	Bus *bus.Bus
}

// Request describes a task submission.
type Request struct {
	Type          persistence.TaskType
	Description   string
	Payload       string
	ModelIdentity string
	MaxRounds     int        // 0 = type default
	Deadline      *time.Time // nil = now + type default window
}

// Runner executes one task to a terminal state. It returns the final result
// text, or an error that the worker maps to FAILED.
type Runner interface {
	Run(ctx context.Context, task *persistence.Task) (string, error)
}

type Scheduler struct {
	store   *persistence.Store
	gate    *dedup.Gate
	breaker *breaker.Breaker
	ledger  *budget.Ledger
	runner  Runner
	config  Config
	bus     *bus.Bus
	logger  *slog.Logger
	metrics *otel.Metrics // may be nil

	once sync.Once
	wg   sync.WaitGroup

	cancelMu sync.RWMutex
	cancels  map[string]context.CancelFunc

	activeTasks atomic.Int32
}

func New(store *persistence.Store, gate *dedup.Gate, brk *breaker.Breaker, ledger *budget.Ledger, runner Runner, cfg Config, logger *slog.Logger, metrics *otel.Metrics) *Scheduler {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 30 * time.Minute
	}
	if cfg.EvolutionTimeout <= 0 {
		cfg.EvolutionTimeout = 10 * time.Minute
	}
	if cfg.RetryWindow <= 0 {
		cfg.RetryWindow = cfg.TaskTimeout
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = 100
	}
	if cfg.EvolutionMaxRounds <= 0 {
		cfg.EvolutionMaxRounds = 30
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:   store,
		gate:    gate,
		breaker: brk,
		ledger:  ledger,
		runner:  runner,
		config:  cfg,
		bus:     cfg.Bus,
		logger:  logger,
		metrics: metrics,
		cancels: map[string]context.CancelFunc{},
	}
}

// Schedule admits a task: breaker, dedup, budget and queue checks in order,
// then the insert. The dedup window only records accepted submissions.
func (s *Scheduler) Schedule(ctx context.Context, req Request) (string, error) {
	if s.breaker != nil && !s.breaker.Allow(string(req.Type)) {
		return "", fmt.Errorf("%w: %s", ErrTypePaused, req.Type)
	}

	if s.gate != nil {
		decision := s.gate.Check(req.Description)
		if !decision.Allowed {
			if s.metrics != nil {
				s.metrics.DedupRejects.Add(ctx, 1)
			}
			s.logger.Info("scheduler: duplicate rejected",
				"similar_to", decision.SimilarTo, "score", decision.Score)
			return "", &DuplicateError{SimilarTo: decision.SimilarTo, Score: decision.Score}
		}
	}

	if s.ledger != nil && s.ledger.Remaining() <= 0 {
		return "", ErrBudgetExhausted
	}

	if s.config.MaxQueueDepth > 0 {
		depth, err := s.store.PendingCount(ctx)
		if err != nil {
			return "", fmt.Errorf("check queue depth: %w", err)
		}
		if depth >= s.config.MaxQueueDepth {
			s.logger.Warn("queue backpressure applied", "depth", depth, "max", s.config.MaxQueueDepth)
			return "", ErrQueueSaturated
		}
	}

	maxRounds := req.MaxRounds
	if maxRounds <= 0 {
		maxRounds = s.config.MaxRounds
		if req.Type == persistence.TaskTypeEvolution {
			maxRounds = s.config.EvolutionMaxRounds
		}
	}
	deadline := req.Deadline
	if deadline == nil {
		window := s.config.TaskTimeout
		if req.Type == persistence.TaskTypeEvolution {
			window = s.config.EvolutionTimeout
		}
		d := time.Now().UTC().Add(window)
		deadline = &d
	}

	taskID, err := s.store.CreateTask(ctx, persistence.NewTask{
		Type:          req.Type,
		Description:   req.Description,
		Payload:       req.Payload,
		MaxRounds:     maxRounds,
		Deadline:      deadline,
		ModelIdentity: req.ModelIdentity,
	})
	if err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}

	if s.gate != nil {
		s.gate.Record(taskID, req.Description)
	}
	eventlog.Record(eventlog.KindTaskScheduled, taskID, req.Description, string(req.Type))
	if s.bus != nil {
		s.bus.Publish(bus.TopicTaskScheduled, bus.TaskEvent{
			TaskID:    taskID,
			Type:      string(req.Type),
			NewStatus: string(persistence.TaskStatusPending),
			WorkerID:  persistence.WorkerUnassigned,
			Detail:    req.Description,
		})
	}
	return taskID, nil
}

// Start recovers stale tasks and launches the pool. Idempotent.
func (s *Scheduler) Start(ctx context.Context) {
	s.once.Do(func() {
		n, recErr := s.store.RecoverRunningTasks(ctx)
		if recErr != nil {
			s.logger.Error("task recovery failed", "error", recErr)
		} else if n > 0 {
			s.logger.Info("recovered stale tasks on startup", "count", n)
		}
		for i := 0; i < s.config.WorkerCount; i++ {
			workerID := i
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.worker(ctx, workerID)
			}()
		}
	})
}

// Wait blocks until all workers have exited.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Drain gracefully stops the pool: waits for active tasks to finish within
// the given timeout. An interrupted round requeues its task immediately;
// anything still RUNNING after a hard kill is requeued on next startup by
// RecoverRunningTasks, so the drain never blocks forever.
func (s *Scheduler) Drain(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("scheduler drained cleanly")
	case <-time.After(timeout):
		s.logger.Warn("scheduler drain timeout; in-flight tasks recover on next startup", "timeout", timeout)
	}
}

// ActiveTasks returns the number of tasks currently executing.
func (s *Scheduler) ActiveTasks() int32 {
	return s.activeTasks.Load()
}

// Abort cancels a running task's round context and sets the cooperative
// cancel flag for the next round boundary. The task ends FAILED without
// feeding the breaker.
func (s *Scheduler) Abort(ctx context.Context, taskID string) error {
	if err := s.store.RequestCancel(ctx, taskID); err != nil {
		return err
	}
	s.cancelMu.RLock()
	cancel, ok := s.cancels[taskID]
	s.cancelMu.RUnlock()
	if ok {
		cancel()
	}
	return nil
}

// Interrupt cancels a running task's round context without the cancel flag.
// The task goes back to PENDING with its round counter intact and is picked
// up again on a later claim. Returns false when the task is not running here.
func (s *Scheduler) Interrupt(taskID string) bool {
	s.cancelMu.RLock()
	cancel, ok := s.cancels[taskID]
	s.cancelMu.RUnlock()
	if ok {
		cancel()
	}
	return ok
}

func (s *Scheduler) worker(ctx context.Context, workerID int) {
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task, err := s.store.ClaimNextPendingTask(ctx, workerID)
		if err != nil && ctx.Err() == nil {
			s.logger.Error("claim failed", "worker_id", workerID, "error", err)
		}
		if err != nil || task == nil {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				continue
			}
		}
		s.handleTask(ctx, workerID, task)
	}
}

func (s *Scheduler) handleTask(ctx context.Context, workerID int, task *persistence.Task) {
	traceID := shared.NewTraceID()
	ctx = shared.WithTraceID(ctx, traceID)
	ctx = shared.WithTaskID(ctx, task.ID)
	ctx = shared.WithWorkerID(ctx, workerID)
	s.logger.Info("task processing",
		"task_id", task.ID, "type", task.Type, "worker_id", workerID, "trace_id", traceID)

	// The round context carries the task deadline; overrun is observed here,
	// not inside the runner.
	var taskCtx context.Context
	var cancel context.CancelFunc
	if task.Deadline != nil {
		taskCtx, cancel = context.WithDeadline(ctx, *task.Deadline)
	} else {
		taskCtx, cancel = context.WithCancel(ctx)
	}

	s.activeTasks.Add(1)
	if s.metrics != nil {
		s.metrics.ActiveWorkers.Add(ctx, 1)
	}
	started := time.Now()
	defer func() {
		s.activeTasks.Add(-1)
		if s.metrics != nil {
			s.metrics.ActiveWorkers.Add(ctx, -1)
			s.metrics.TaskDuration.Record(ctx, time.Since(started).Seconds(),
				metric.WithAttributes(otel.AttrTaskType.String(string(task.Type))))
		}
	}()

	s.cancelMu.Lock()
	s.cancels[task.ID] = cancel
	s.cancelMu.Unlock()
	defer func() {
		cancel()
		s.cancelMu.Lock()
		delete(s.cancels, task.ID)
		s.cancelMu.Unlock()
	}()

	result, err := s.runner.Run(taskCtx, task)
	if err == nil {
		if err := s.store.SucceedTask(context.Background(), task.ID, result); err != nil {
			s.logger.Error("complete task failed", "task_id", task.ID, "error", err)
			return
		}
		eventlog.Record(eventlog.KindTaskSucceeded, task.ID, "", "")
		if s.breaker != nil {
			s.breaker.RecordSuccess(string(task.Type))
		}
		return
	}

	// Deadline overrun: one TIMED_OUT transition plus one lineage retry task
	// in a single store transaction. This path is identical for every worker
	// slot, including slot zero.
	if errors.Is(taskCtx.Err(), context.DeadlineExceeded) {
		retryID, terr := s.store.TimeoutTask(context.Background(), task.ID, s.config.RetryWindow)
		if terr != nil {
			s.logger.Error("timeout transition failed", "task_id", task.ID, "error", terr)
			return
		}
		eventlog.Record(eventlog.KindTaskTimedOut, task.ID, "", "")
		if retryID != "" {
			eventlog.Record(eventlog.KindTaskRetrySpawned, retryID, "", task.ID)
			s.logger.Warn("task timed out, retry spawned",
				"task_id", task.ID, "retry_id", retryID, "worker_id", workerID)
		}
		return
	}

	// Cancellation is not failure. An operator abort ends the task FAILED but
	// never feeds the breaker; an interrupted round (shutdown, Interrupt) puts
	// the task back in the queue with its rounds intact.
	if errors.Is(err, ErrCancelRequested) || errors.Is(taskCtx.Err(), context.Canceled) {
		aborted := errors.Is(err, ErrCancelRequested)
		if !aborted {
			if flag, ferr := s.store.CancelRequested(context.Background(), task.ID); ferr == nil {
				aborted = flag
			}
		}
		if aborted {
			if ferr := s.store.FailTask(context.Background(), task.ID, "aborted by operator"); ferr != nil {
				s.logger.Error("abort transition failed", "task_id", task.ID, "error", ferr)
				return
			}
			eventlog.Record(eventlog.KindTaskFailed, task.ID, "", "aborted by operator")
			s.logger.Info("task aborted by operator", "task_id", task.ID, "worker_id", workerID)
			return
		}
		if rerr := s.store.RequeueTask(context.Background(), task.ID); rerr != nil {
			s.logger.Error("requeue after interruption failed", "task_id", task.ID, "error", rerr)
			return
		}
		s.logger.Info("task requeued after interruption", "task_id", task.ID, "worker_id", workerID)
		return
	}

	if ferr := s.store.FailTask(context.Background(), task.ID, err.Error()); ferr != nil {
		s.logger.Error("fail task failed", "task_id", task.ID, "error", ferr)
		return
	}
	eventlog.Record(eventlog.KindTaskFailed, task.ID, "", err.Error())
	s.logger.Warn("task failed", "task_id", task.ID, "worker_id", workerID, "error", err)
	if s.breaker != nil {
		s.breaker.RecordFailure(string(task.Type))
		if s.metrics != nil && !s.breaker.Allow(string(task.Type)) {
			s.metrics.BreakerTrips.Add(ctx, 1)
		}
	}
}
