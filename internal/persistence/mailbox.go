package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Cyber-41/ouroboros-free/internal/bus"
	"github.com/Cyber-41/ouroboros-free/internal/eventlog"
	"github.com/google/uuid"
)

// ErrTaskNotActive is returned when posting to a task that does not exist or
// has reached a terminal status.
var ErrTaskNotActive = errors.New("task not active")

type MailboxMessage struct {
	MessageID string    `json:"message_id"`
	TaskID    string    `json:"task_id"`
	Payload   string    `json:"payload"`
	Seq       int64     `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
}

// PostMessage appends a message to a task's mailbox. The target must exist
// and be non-terminal; anything else is a routing error surfaced to the
// caller, never silently queued.
func (s *Store) PostMessage(ctx context.Context, taskID, payload string) (string, error) {
	messageID := uuid.NewString()
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin post tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var status TaskStatus
		err = tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?;`, taskID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrTaskNotActive
		}
		if err != nil {
			return fmt.Errorf("select mailbox task: %w", err)
		}
		if status.IsTerminal() {
			return ErrTaskNotActive
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO mailbox_messages (message_id, task_id, payload, seen, created_at)
			VALUES (?, ?, ?, 0, CURRENT_TIMESTAMP);
		`, messageID, taskID, payload); err != nil {
			return fmt.Errorf("insert mailbox message: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		if errors.Is(err, ErrTaskNotActive) {
			eventlog.Record(eventlog.KindMailboxDropped, taskID, "", "target not active")
		}
		return "", err
	}
	eventlog.Record(eventlog.KindMailboxPosted, taskID, "", messageID)
	if s.bus != nil {
		s.bus.Publish(bus.TopicMailboxPosted, MailboxMessage{MessageID: messageID, TaskID: taskID, Payload: payload})
	}
	return messageID, nil
}

// PollMessages returns all unseen messages for a task in post order and marks
// them seen in the same transaction. A message is returned at most once, even
// across process restarts, because the seen flag is persisted with the read.
func (s *Store) PollMessages(ctx context.Context, taskID string) ([]MailboxMessage, error) {
	var out []MailboxMessage
	err := retryOnBusy(ctx, 5, func() error {
		out = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin poll tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `
			SELECT seq, message_id, task_id, payload, created_at
			FROM mailbox_messages
			WHERE task_id = ? AND seen = 0
			ORDER BY seq ASC;
		`, taskID)
		if err != nil {
			return fmt.Errorf("select unseen messages: %w", err)
		}
		for rows.Next() {
			var msg MailboxMessage
			if err := rows.Scan(&msg.Seq, &msg.MessageID, &msg.TaskID, &msg.Payload, &msg.CreatedAt); err != nil {
				rows.Close()
				return fmt.Errorf("scan mailbox message: %w", err)
			}
			out = append(out, msg)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("mailbox rows: %w", err)
		}
		if len(out) == 0 {
			return tx.Commit()
		}

		// Mark seen before the caller ever sees the batch: redelivery after a
		// crash would violate at-most-once, a lost batch does not.
		maxSeq := out[len(out)-1].Seq
		if _, err := tx.ExecContext(ctx, `
			UPDATE mailbox_messages SET seen = 1
			WHERE task_id = ? AND seen = 0 AND seq <= ?;
		`, taskID, maxSeq); err != nil {
			return fmt.Errorf("mark messages seen: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	for _, msg := range out {
		eventlog.Record(eventlog.KindMailboxConsumed, taskID, "", msg.MessageID)
		if s.bus != nil {
			s.bus.Publish(bus.TopicMailboxConsumed, msg)
		}
	}
	return out, nil
}

// HasUnseen reports whether a task has pending mailbox messages without
// consuming them.
func (s *Store) HasUnseen(ctx context.Context, taskID string) (bool, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM mailbox_messages WHERE task_id = ? AND seen = 0;
	`, taskID).Scan(&count); err != nil {
		return false, fmt.Errorf("count unseen messages: %w", err)
	}
	return count > 0, nil
}
