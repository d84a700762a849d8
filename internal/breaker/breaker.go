// Package breaker pauses scheduling of a task type after consecutive
// failures. Built for the evolution type, which can fail in a tight
// self-scheduled loop, but any type can be guarded.
package breaker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/Cyber-41/ouroboros-free/internal/bus"
	"github.com/Cyber-41/ouroboros-free/internal/eventlog"
)

const DefaultThreshold = 3

// KVStore is the minimal interface needed for breaker state persistence.
type KVStore interface {
	KVSet(ctx context.Context, key, val string) error
	KVGet(ctx context.Context, key string) (string, error)
}

type state struct {
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"last_failure"`
	Paused      bool      `json:"paused"`
}

// Breaker tracks consecutive failures per task type. There is no automatic
// cooldown: a paused type stays paused until RecordSuccess or an explicit
// Reset, so a broken self-modification loop cannot reopen itself.
type Breaker struct {
	mu        sync.Mutex
	states    map[string]*state
	threshold int
	kv        KVStore  // may be nil in tests
	bus       *bus.Bus // may be nil in tests
	logger    *slog.Logger
}

// New creates a Breaker. threshold <= 0 uses DefaultThreshold.
func New(threshold int, kv KVStore, eventBus *bus.Bus, logger *slog.Logger) *Breaker {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Breaker{
		states:    make(map[string]*state),
		threshold: threshold,
		kv:        kv,
		bus:       eventBus,
		logger:    logger,
	}
}

// Allow reports whether new tasks of the type may be scheduled.
func (b *Breaker) Allow(taskType string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.states[taskType]
	if !ok {
		return true
	}
	return !st.Paused
}

// RecordFailure counts a terminal failure. At the threshold the type is
// paused and the pause is persisted.
func (b *Breaker) RecordFailure(taskType string) {
	b.mu.Lock()
	st, ok := b.states[taskType]
	if !ok {
		st = &state{}
		b.states[taskType] = st
	}
	st.Failures++
	st.LastFailure = time.Now().UTC()
	tripped := false
	if st.Failures >= b.threshold && !st.Paused {
		st.Paused = true
		tripped = true
	}
	snapshot := *st
	b.mu.Unlock()

	b.persist(taskType, snapshot)
	if tripped {
		b.logger.Warn("breaker: task type paused", "task_type", taskType, "failures", snapshot.Failures)
		eventlog.Record(eventlog.KindBreakerTripped, "", "", taskType)
		if b.bus != nil {
			b.bus.Publish(bus.TopicBreakerTripped, bus.BreakerEvent{TaskType: taskType, Failures: snapshot.Failures})
		}
	}
}

// RecordSuccess clears the failure count and unpauses the type.
func (b *Breaker) RecordSuccess(taskType string) {
	b.resolve(taskType, "success")
}

// Reset is the operator escape hatch: clears the counter and unpauses.
func (b *Breaker) Reset(taskType string) {
	b.resolve(taskType, "manual reset")
}

func (b *Breaker) resolve(taskType, reason string) {
	b.mu.Lock()
	st, ok := b.states[taskType]
	if !ok {
		b.mu.Unlock()
		return
	}
	wasPaused := st.Paused
	st.Failures = 0
	st.Paused = false
	snapshot := *st
	b.mu.Unlock()

	b.persist(taskType, snapshot)
	if wasPaused {
		b.logger.Info("breaker: task type resumed", "task_type", taskType, "reason", reason)
		eventlog.Record(eventlog.KindBreakerReset, "", "", taskType)
		if b.bus != nil {
			b.bus.Publish(bus.TopicBreakerReset, bus.BreakerEvent{TaskType: taskType})
		}
	}
}

// Failures returns the current consecutive failure count for a type.
func (b *Breaker) Failures(taskType string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.states[taskType]; ok {
		return st.Failures
	}
	return 0
}

// Paused lists the currently paused task types.
func (b *Breaker) Paused() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for taskType, st := range b.states {
		if st.Paused {
			out = append(out, taskType)
		}
	}
	return out
}

func (b *Breaker) persist(taskType string, st state) {
	if b.kv == nil {
		return
	}
	data, err := json.Marshal(st)
	if err != nil {
		return
	}
	if err := b.kv.KVSet(context.Background(), "breaker:"+taskType, string(data)); err != nil {
		b.logger.Warn("breaker: persist failed", "task_type", taskType, "error", err)
	}
}

// Load restores breaker state from the KV store for the given task types, so
// a restart keeps a tripped breaker tripped.
func (b *Breaker) Load(ctx context.Context, taskTypes ...string) {
	if b.kv == nil {
		return
	}
	for _, taskType := range taskTypes {
		val, err := b.kv.KVGet(ctx, "breaker:"+taskType)
		if err != nil || val == "" {
			continue
		}
		var st state
		if err := json.Unmarshal([]byte(val), &st); err != nil {
			continue
		}
		b.mu.Lock()
		b.states[taskType] = &st
		b.mu.Unlock()
	}
}
