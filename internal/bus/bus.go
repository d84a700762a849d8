package bus

import (
	"strings"
	"sync"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload interface{}
}

// Task lifecycle topics.
const (
	TopicTaskScheduled    = "task.scheduled"
	TopicTaskStarted      = "task.started"
	TopicTaskSucceeded    = "task.succeeded"
	TopicTaskFailed       = "task.failed"
	TopicTaskTimedOut     = "task.timed_out"
	TopicTaskRetrySpawned = "task.retry_spawned"
)

// Budget and degradation topics.
const (
	TopicBudgetCommitted = "budget.committed"
	TopicBudgetDenied    = "budget.denied"
	TopicBreakerTripped  = "breaker.tripped"
	TopicBreakerReset    = "breaker.reset"
	TopicModelFallback   = "model.fallback"
)

// Mailbox and router topics.
const (
	TopicMailboxPosted    = "mailbox.posted"
	TopicMailboxConsumed  = "mailbox.consumed"
	TopicMailboxDropped   = "mailbox.dropped"
	TopicRouterDispatched = "router.dispatched"
)

// TaskEvent is published on every task lifecycle transition.
type TaskEvent struct {
	TaskID         string // Task ID
	OriginalTaskID string // Lineage back-reference, empty for fresh tasks
	Type           string // direct_chat, worker or evolution
	OldStatus      string // Previous status (e.g. PENDING)
	NewStatus      string // New status (e.g. RUNNING)
	WorkerID       int    // Pool slot, -1 when unassigned
	Detail         string // Human-readable summary for operator replies
}

// BudgetEvent is published on every ledger commit or denial.
type BudgetEvent struct {
	TaskID    string  // Task that incurred the spend
	Identity  string  // Model identity the usage was priced against
	InTokens  int     // Prompt tokens
	OutTokens int     // Completion tokens
	CostUSD   float64 // Priced cost of this commit
	SpentUSD  float64 // Ledger total after the commit
	Denied    bool    // True when the commit was rejected
}

// BreakerEvent is published when a task-type breaker trips or resets.
type BreakerEvent struct {
	TaskType string // Task type the breaker guards
	Failures int    // Consecutive failures at the time of the event
}

// Subscription represents an active subscription.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus is a simple in-process pub/sub message bus with topic prefix matching.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
	}
}

// Subscribe creates a subscription for events matching the given topic prefix.
// An empty prefix matches all topics.
// The returned channel has a buffer of 100 events; slow consumers will miss events
// (non-blocking send).
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish sends an event to all matching subscribers.
// Delivery is non-blocking: if a subscriber's buffer is full, the event is dropped.
func (b *Bus) Publish(topic string, payload interface{}) {
	event := Event{
		Topic:   topic,
		Payload: payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			// Non-blocking send.
			select {
			case sub.ch <- event:
			default:
				// Buffer full, drop event for this subscriber.
			}
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
