// Package budget tracks cumulative USD spend against a hard cap shared by
// every worker in the process.
package budget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Cyber-41/ouroboros-free/internal/bus"
	"github.com/Cyber-41/ouroboros-free/internal/eventlog"
)

// ErrBudgetExceeded is returned when a commit would push spend past the cap.
// The whole amount is rejected; there are no partial commits.
var ErrBudgetExceeded = errors.New("budget exceeded")

// Pricer converts token usage into USD. Implementations may do network I/O,
// so the ledger never calls it while holding its mutex.
type Pricer interface {
	Cost(ctx context.Context, identity string, inTokens, outTokens int) (float64, error)
}

// SpendStore persists the running total across restarts.
type SpendStore interface {
	LoadSpentUSD(ctx context.Context) (float64, error)
	SaveSpentUSD(ctx context.Context, spent float64) error
}

// Snapshot is a point-in-time view of the ledger.
type Snapshot struct {
	TotalUSD     float64
	SpentUSD     float64
	RemainingUSD float64
}

// Ledger is the shared budget. The mutex guards only the arithmetic; pricing
// and persistence happen outside it.
type Ledger struct {
	mu    sync.Mutex
	total float64
	spent float64

	pricer Pricer
	store  SpendStore
	bus    *bus.Bus // may be nil in tests
	logger *slog.Logger
}

// New builds a ledger with the given cap. store and eventBus may be nil.
func New(totalUSD float64, pricer Pricer, store SpendStore, eventBus *bus.Bus, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		total:  totalUSD,
		pricer: pricer,
		store:  store,
		bus:    eventBus,
		logger: logger,
	}
}

// Restore loads the persisted total so a restart does not reset spend.
func (l *Ledger) Restore(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	spent, err := l.store.LoadSpentUSD(ctx)
	if err != nil {
		return fmt.Errorf("restore ledger: %w", err)
	}
	l.mu.Lock()
	l.spent = spent
	l.mu.Unlock()
	return nil
}

// commit does the check-and-add arithmetic plus persistence. Callers publish
// exactly one event per outcome.
func (l *Ledger) commit(amount float64) (spent float64, err error) {
	if amount < 0 {
		return 0, fmt.Errorf("negative commit amount %f", amount)
	}
	l.mu.Lock()
	if l.spent+amount > l.total {
		spent = l.spent
		l.mu.Unlock()
		return spent, ErrBudgetExceeded
	}
	l.spent += amount
	spent = l.spent
	l.mu.Unlock()

	l.flush(spent)
	return spent, nil
}

// AuthorizeAndCommit atomically checks and records a spend. Either the whole
// amount is committed or nothing is.
func (l *Ledger) AuthorizeAndCommit(amount float64) error {
	spent, err := l.commit(amount)
	if errors.Is(err, ErrBudgetExceeded) {
		l.publish(bus.BudgetEvent{CostUSD: amount, SpentUSD: spent, Denied: true})
		eventlog.Record(eventlog.KindBudgetDenied, "", "", fmt.Sprintf("amount=%.6f spent=%.6f total=%.6f", amount, spent, l.total))
	}
	return err
}

// Reconcile prices a round's usage and commits the cost. The pricing call can
// hit the network and therefore runs before the ledger lock is taken. Each
// outcome publishes a single budget event carrying the task detail.
func (l *Ledger) Reconcile(ctx context.Context, taskID, identity string, inTokens, outTokens int) (float64, error) {
	cost, err := l.pricer.Cost(ctx, identity, inTokens, outTokens)
	if err != nil {
		return 0, fmt.Errorf("price usage: %w", err)
	}

	spent, err := l.commit(cost)
	if err != nil {
		if errors.Is(err, ErrBudgetExceeded) {
			l.publish(bus.BudgetEvent{
				TaskID: taskID, Identity: identity,
				InTokens: inTokens, OutTokens: outTokens,
				CostUSD: cost, SpentUSD: spent, Denied: true,
			})
			eventlog.Record(eventlog.KindBudgetDenied, taskID, "", fmt.Sprintf("identity=%s cost=%.6f spent=%.6f", identity, cost, spent))
		}
		return cost, err
	}

	l.publish(bus.BudgetEvent{
		TaskID: taskID, Identity: identity,
		InTokens: inTokens, OutTokens: outTokens,
		CostUSD: cost, SpentUSD: spent,
	})
	eventlog.Record(eventlog.KindBudgetCommitted, taskID, "", fmt.Sprintf("identity=%s cost=%.6f", identity, cost))
	return cost, nil
}

// Remaining returns the unspent headroom.
func (l *Ledger) Remaining() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total - l.spent
}

// Spent returns the committed total.
func (l *Ledger) Spent() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.spent
}

// View returns a consistent snapshot.
func (l *Ledger) View() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Snapshot{
		TotalUSD:     l.total,
		SpentUSD:     l.spent,
		RemainingUSD: l.total - l.spent,
	}
}

// Flush persists the current total; called on shutdown.
func (l *Ledger) Flush(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	return l.store.SaveSpentUSD(ctx, l.Spent())
}

func (l *Ledger) flush(spent float64) {
	if l.store == nil {
		return
	}
	if err := l.store.SaveSpentUSD(context.Background(), spent); err != nil {
		l.logger.Warn("budget: persist failed", "error", err)
	}
}

func (l *Ledger) publish(ev bus.BudgetEvent) {
	if l.bus == nil {
		return
	}
	topic := bus.TopicBudgetCommitted
	if ev.Denied {
		topic = bus.TopicBudgetDenied
	}
	l.bus.Publish(topic, ev)
}
