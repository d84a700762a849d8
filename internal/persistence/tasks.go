package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Cyber-41/ouroboros-free/internal/bus"
	"github.com/google/uuid"
)

var (
	// ErrTaskNotFound is returned when a task id does not exist.
	ErrTaskNotFound = errors.New("task not found")
)

// NewTask describes a task to insert. Zero MaxRounds and nil Deadline mean
// the scheduler's defaults apply before insert.
type NewTask struct {
	Type           TaskType
	Description    string
	Payload        string
	MaxRounds      int
	Deadline       *time.Time
	OriginalTaskID string
	ModelIdentity  string
}

func (s *Store) CreateTask(ctx context.Context, req NewTask) (string, error) {
	switch req.Type {
	case TaskTypeDirectChat, TaskTypeWorker, TaskTypeEvolution:
	default:
		return "", fmt.Errorf("invalid task type %q", req.Type)
	}
	taskID := uuid.NewString()
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var original sql.NullString
		if req.OriginalTaskID != "" {
			original.Valid = true
			original.String = req.OriginalTaskID
		}
		var deadline sql.NullTime
		if req.Deadline != nil {
			deadline.Valid = true
			deadline.Time = req.Deadline.UTC()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (
				id, original_task_id, type, status, worker_id, description, payload,
				deadline, max_rounds, model_identity, created_at, updated_at
			)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, taskID, original, req.Type, TaskStatusPending, WorkerUnassigned,
			req.Description, req.Payload, deadline, req.MaxRounds, req.ModelIdentity); err != nil {
			return fmt.Errorf("create task: %w", err)
		}
		if err := s.appendTaskEventTx(ctx, tx, taskID, "", TaskStatusPending, "task.scheduled", "{}"); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return "", err
	}
	return taskID, nil
}

// ClaimNextPendingTask moves the oldest PENDING task to RUNNING and stamps the
// claiming pool slot in one transaction. Returns nil when nothing is pending.
// workerID 0 is a valid slot.
func (s *Store) ClaimNextPendingTask(ctx context.Context, workerID int) (*Task, error) {
	if workerID < 0 {
		return nil, fmt.Errorf("invalid worker id %d", workerID)
	}
	var claimed *Task
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var task Task
		err = scanTask(tx.QueryRowContext(ctx, selectTaskColumns+`
			FROM tasks
			WHERE status = ?
			ORDER BY created_at ASC, id ASC
			LIMIT 1;
		`, TaskStatusPending).Scan, &task)
		if errors.Is(err, sql.ErrNoRows) {
			claimed = nil
			return tx.Commit()
		}
		if err != nil {
			return fmt.Errorf("select pending task: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?, worker_id = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, TaskStatusRunning, workerID, task.ID, TaskStatusPending)
		if err != nil {
			return fmt.Errorf("claim task: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("claim rows affected: %w", err)
		}
		if affected != 1 {
			claimed = nil
			return tx.Commit()
		}
		if err := s.appendTaskEventTx(ctx, tx, task.ID, TaskStatusPending, TaskStatusRunning, "task.started",
			fmt.Sprintf(`{"worker_id":%d}`, workerID)); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		task.Status = TaskStatusRunning
		task.WorkerID = workerID
		claimed = &task
		return nil
	})
	if err != nil {
		return nil, err
	}
	if claimed != nil {
		s.publishTaskEvent(bus.TopicTaskStarted, claimed, TaskStatusPending, TaskStatusRunning, "")
	}
	return claimed, nil
}

// SucceedTask transitions RUNNING -> SUCCEEDED and stores the result.
func (s *Store) SucceedTask(ctx context.Context, taskID, result string) error {
	return s.finishTask(ctx, taskID, TaskStatusSucceeded, "task.succeeded", bus.TopicTaskSucceeded, &result, nil)
}

// FailTask transitions RUNNING -> FAILED and stores the error message.
func (s *Store) FailTask(ctx context.Context, taskID, errMsg string) error {
	return s.finishTask(ctx, taskID, TaskStatusFailed, "task.failed", bus.TopicTaskFailed, nil, &errMsg)
}

func (s *Store) finishTask(ctx context.Context, taskID string, to TaskStatus, eventType, topic string, result, errMsg *string) error {
	var finished *Task
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin finish tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		task, err := s.getTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if !canTransition(task.Status, to) {
			return fmt.Errorf("illegal transition %s -> %s for task %s", task.Status, to, taskID)
		}

		resValue := sql.NullString{}
		if result != nil {
			resValue.Valid = true
			resValue.String = *result
		}
		errValue := sql.NullString{}
		if errMsg != nil {
			errValue.Valid = true
			errValue.String = *errMsg
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?,
				result = CASE WHEN ? THEN ? ELSE result END,
				error = CASE WHEN ? THEN ? ELSE error END,
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, to, resValue.Valid, resValue.String, errValue.Valid, errValue.String, taskID, task.Status)
		if err != nil {
			return fmt.Errorf("update task transition: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("transition rows affected: %w", err)
		}
		if affected != 1 {
			return fmt.Errorf("task %s moved during transition to %s", taskID, to)
		}
		if err := s.appendTaskEventTx(ctx, tx, taskID, task.Status, to, eventType, "{}"); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		task.Status = to
		finished = task
		return nil
	})
	if err != nil {
		return err
	}
	if finished != nil {
		s.publishTaskEvent(topic, finished, TaskStatusRunning, to, derefOrEmpty(errMsg))
	}
	return nil
}

func derefOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// TimeoutTask transitions RUNNING -> TIMED_OUT and inserts the lineage retry
// task in the same transaction: exactly one retry per overrun, new id, fresh
// round counter, original_task_id pointing at the immediate predecessor only.
// retryWindow sets the new task's deadline relative to now.
func (s *Store) TimeoutTask(ctx context.Context, taskID string, retryWindow time.Duration) (retryID string, err error) {
	var timedOut *Task
	err = retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin timeout tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		task, err := s.getTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if task.Status != TaskStatusRunning {
			// Already finished by the worker or a concurrent timeout.
			retryID = ""
			timedOut = nil
			return tx.Commit()
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?, error = 'deadline exceeded', updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, TaskStatusTimedOut, taskID, TaskStatusRunning)
		if err != nil {
			return fmt.Errorf("mark task timed out: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("timeout rows affected: %w", err)
		}
		if affected != 1 {
			retryID = ""
			timedOut = nil
			return tx.Commit()
		}
		if err := s.appendTaskEventTx(ctx, tx, taskID, TaskStatusRunning, TaskStatusTimedOut, "task.timed_out", "{}"); err != nil {
			return err
		}

		newID := uuid.NewString()
		deadline := time.Now().UTC().Add(retryWindow)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (
				id, original_task_id, type, status, worker_id, description, payload,
				deadline, max_rounds, model_identity, created_at, updated_at
			)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, newID, taskID, task.Type, TaskStatusPending, WorkerUnassigned,
			task.Description, task.Payload, deadline, task.MaxRounds, task.ModelIdentity); err != nil {
			return fmt.Errorf("insert retry task: %w", err)
		}
		if err := s.appendTaskEventTx(ctx, tx, newID, "", TaskStatusPending, "task.retry_spawned",
			fmt.Sprintf(`{"original_task_id":%q}`, taskID)); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		retryID = newID
		task.Status = TaskStatusTimedOut
		timedOut = task
		return nil
	})
	if err != nil {
		return "", err
	}
	if timedOut != nil {
		s.publishTaskEvent(bus.TopicTaskTimedOut, timedOut, TaskStatusRunning, TaskStatusTimedOut, "deadline exceeded")
		if s.bus != nil && retryID != "" {
			s.bus.Publish(bus.TopicTaskRetrySpawned, bus.TaskEvent{
				TaskID:         retryID,
				OriginalTaskID: taskID,
				Type:           string(timedOut.Type),
				NewStatus:      string(TaskStatusPending),
				WorkerID:       WorkerUnassigned,
			})
		}
	}
	return retryID, nil
}

// RecoverRunningTasks requeues tasks left RUNNING by a previous process.
// Rounds executed so far are preserved; worker assignment is cleared.
func (s *Store) RecoverRunningTasks(ctx context.Context) (int, error) {
	var recovered int
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin recovery tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `SELECT id FROM tasks WHERE status = ?;`, TaskStatusRunning)
		if err != nil {
			return fmt.Errorf("select running tasks: %w", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan running task id: %w", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("running task rows: %w", err)
		}

		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks
				SET status = ?, worker_id = ?, updated_at = CURRENT_TIMESTAMP
				WHERE id = ? AND status = ?;
			`, TaskStatusPending, WorkerUnassigned, id, TaskStatusRunning); err != nil {
				return fmt.Errorf("requeue task %s: %w", id, err)
			}
			if err := s.appendTaskEventTx(ctx, tx, id, TaskStatusRunning, TaskStatusPending, "task.recovered", "{}"); err != nil {
				return err
			}
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		recovered = len(ids)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return recovered, nil
}

// RequeueTask moves a single interrupted RUNNING task back to PENDING:
// worker assignment and cancel flag cleared, rounds and spend preserved.
// A task no longer RUNNING commits as a no-op.
func (s *Store) RequeueTask(ctx context.Context, taskID string) error {
	var requeued *Task
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin requeue tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		task, err := s.getTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if task.Status != TaskStatusRunning {
			requeued = nil
			return tx.Commit()
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?, worker_id = ?, cancel_requested = 0, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, TaskStatusPending, WorkerUnassigned, taskID, TaskStatusRunning)
		if err != nil {
			return fmt.Errorf("requeue task: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("requeue rows affected: %w", err)
		}
		if affected != 1 {
			requeued = nil
			return tx.Commit()
		}
		if err := s.appendTaskEventTx(ctx, tx, taskID, TaskStatusRunning, TaskStatusPending, "task.requeued", "{}"); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		task.Status = TaskStatusPending
		task.WorkerID = WorkerUnassigned
		task.CancelRequested = false
		requeued = task
		return nil
	})
	if err != nil {
		return err
	}
	if requeued != nil {
		s.publishTaskEvent(bus.TopicTaskScheduled, requeued, TaskStatusRunning, TaskStatusPending, "requeued")
	}
	return nil
}

// RequestCancel sets the cooperative cancellation flag. The owning worker
// observes it between rounds.
func (s *Store) RequestCancel(ctx context.Context, taskID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET cancel_requested = 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?;
	`, taskID)
	if err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("cancel rows affected: %w", err)
	}
	if affected == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// CancelRequested reports the cooperative cancellation flag.
func (s *Store) CancelRequested(ctx context.Context, taskID string) (bool, error) {
	var flag int
	err := s.db.QueryRowContext(ctx, `SELECT cancel_requested FROM tasks WHERE id = ?;`, taskID).Scan(&flag)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrTaskNotFound
	}
	if err != nil {
		return false, fmt.Errorf("read cancel flag: %w", err)
	}
	return flag != 0, nil
}

// RecordRound persists the round counter and the task's cumulative spend
// after a completed round.
func (s *Store) RecordRound(ctx context.Context, taskID string, roundsExecuted int, spendUSD float64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET rounds_executed = ?, spend_usd = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?;
	`, roundsExecuted, spendUSD, taskID)
	if err != nil {
		return fmt.Errorf("record round: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("record round rows affected: %w", err)
	}
	if affected == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// SetModelIdentity records a fallback substitution for subsequent rounds of
// the same task. Idempotent when the identity is unchanged.
func (s *Store) SetModelIdentity(ctx context.Context, taskID, identity string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET model_identity = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?;
	`, identity, taskID)
	if err != nil {
		return fmt.Errorf("set model identity: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("identity rows affected: %w", err)
	}
	if affected == 0 {
		return ErrTaskNotFound
	}
	return nil
}

const selectTaskColumns = `
	SELECT id, COALESCE(original_task_id, ''), type, status, worker_id, description, payload,
		COALESCE(result, ''), COALESCE(error, ''), deadline,
		rounds_executed, max_rounds, spend_usd, model_identity, cancel_requested,
		created_at, updated_at
`

func scanTask(scanFn func(dest ...any) error, task *Task) error {
	var deadline sql.NullTime
	var cancelRequested int
	if err := scanFn(
		&task.ID,
		&task.OriginalTaskID,
		&task.Type,
		&task.Status,
		&task.WorkerID,
		&task.Description,
		&task.Payload,
		&task.Result,
		&task.Error,
		&deadline,
		&task.RoundsExecuted,
		&task.MaxRounds,
		&task.SpendUSD,
		&task.ModelIdentity,
		&cancelRequested,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		return err
	}
	if deadline.Valid {
		t := deadline.Time
		task.Deadline = &t
	} else {
		task.Deadline = nil
	}
	task.CancelRequested = cancelRequested != 0
	return nil
}

func (s *Store) getTaskTx(ctx context.Context, tx *sql.Tx, taskID string) (*Task, error) {
	var task Task
	err := scanTask(tx.QueryRowContext(ctx, selectTaskColumns+`FROM tasks WHERE id = ?;`, taskID).Scan, &task)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select task: %w", err)
	}
	return &task, nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	var task Task
	err := scanTask(s.db.QueryRowContext(ctx, selectTaskColumns+`FROM tasks WHERE id = ?;`, taskID).Scan, &task)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select task: %w", err)
	}
	return &task, nil
}

// CountTasksByStatus returns status -> count for the /status summary.
func (s *Store) CountTasksByStatus(ctx context.Context) (map[TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM tasks GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	out := make(map[TaskStatus]int)
	for rows.Next() {
		var status TaskStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan task count: %w", err)
		}
		out[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task count rows: %w", err)
	}
	return out, nil
}

// PendingCount returns the queue depth for saturation checks.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM tasks WHERE status = ?;`, TaskStatusPending).Scan(&count); err != nil {
		return 0, fmt.Errorf("pending count: %w", err)
	}
	return count, nil
}

// ListRecentTasks returns the newest tasks for operator summaries.
func (s *Store) ListRecentTasks(ctx context.Context, limit int) ([]Task, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, selectTaskColumns+`
		FROM tasks
		ORDER BY created_at DESC, id DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var task Task
		if err := scanTask(rows.Scan, &task); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}
	return out, nil
}
