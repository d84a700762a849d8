// Package eventlog appends task lifecycle events to logs/events.jsonl and,
// when a database is attached, mirrors them into the event_log table.
package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Cyber-41/ouroboros-free/internal/shared"
)

// Event kinds.
const (
	KindTaskScheduled    = "task.scheduled"
	KindTaskStarted      = "task.started"
	KindTaskSucceeded    = "task.succeeded"
	KindTaskFailed       = "task.failed"
	KindTaskTimedOut     = "task.timed_out"
	KindTaskRetrySpawned = "task.retry_spawned"
	KindMailboxPosted    = "mailbox.posted"
	KindMailboxConsumed  = "mailbox.consumed"
	KindMailboxDropped   = "mailbox.dropped"
	KindBudgetCommitted  = "budget.committed"
	KindBudgetDenied     = "budget.denied"
	KindBreakerTripped   = "breaker.tripped"
	KindBreakerReset     = "breaker.reset"
	KindRouterDispatched = "router.dispatched"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Kind      string `json:"kind"`
	TaskID    string `json:"task_id,omitempty"`
	DedupKey  string `json:"dedup_key,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

var (
	mu         sync.Mutex
	file       *os.File
	db         *sql.DB
	eventCount atomic.Int64
)

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "events.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// SetDB configures the database for event_log table writes.
func SetDB(d *sql.DB) {
	mu.Lock()
	defer mu.Unlock()
	db = d
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// Count returns the total number of events recorded since startup.
func Count() int64 {
	return eventCount.Load()
}

func Record(kind, taskID, dedupKey, detail string) {
	eventCount.Add(1)

	// Redact secrets before persistence.
	detail = shared.Redact(detail)

	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		ev := entry{
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			Kind:      kind,
			TaskID:    taskID,
			DedupKey:  dedupKey,
			Detail:    detail,
		}
		b, err := json.Marshal(ev)
		if err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}

	if db != nil {
		_, _ = db.ExecContext(context.Background(), `
			INSERT INTO event_log (kind, task_id, dedup_key, detail)
			VALUES (?, ?, ?, ?);
		`, kind, taskID, dedupKey, detail)
	}
}
