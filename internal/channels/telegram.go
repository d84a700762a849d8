package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Cyber-41/ouroboros-free/internal/breaker"
	"github.com/Cyber-41/ouroboros-free/internal/budget"
	"github.com/Cyber-41/ouroboros-free/internal/bus"
	"github.com/Cyber-41/ouroboros-free/internal/persistence"
	"github.com/Cyber-41/ouroboros-free/internal/router"
	"github.com/Cyber-41/ouroboros-free/internal/scheduler"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// commandTick is the batching interval for supervisor commands. A burst of
// identical commands between two ticks is handled once.
const commandTick = time.Second

// TelegramChannel is the operator surface: inbound free text and slash
// commands, outbound task lifecycle replies.
type TelegramChannel struct {
	token      string
	allowedIDs map[int64]struct{}
	routes     *router.Router
	sched      *scheduler.Scheduler
	store      *persistence.Store
	ledger     *budget.Ledger
	breaker    *breaker.Breaker
	eventBus   *bus.Bus
	logger     *slog.Logger
	bot        *tgbotapi.BotAPI
	identity   string // model identity for operator-scheduled tasks

	pendingMu    sync.Mutex
	pendingTasks map[string]int64 // taskID -> chatID
	lastChatID   int64            // chat for supervisor command replies
}

// NewTelegramChannel creates a new Telegram channel.
func NewTelegramChannel(token string, allowedIDs []int64, routes *router.Router, sched *scheduler.Scheduler, store *persistence.Store, ledger *budget.Ledger, brk *breaker.Breaker, eventBus *bus.Bus, identity string, logger *slog.Logger) *TelegramChannel {
	allowed := make(map[int64]struct{})
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramChannel{
		token:        token,
		allowedIDs:   allowed,
		routes:       routes,
		sched:        sched,
		store:        store,
		ledger:       ledger,
		breaker:      brk,
		eventBus:     eventBus,
		identity:     identity,
		logger:       logger,
		pendingTasks: make(map[string]int64),
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	var err error
	t.bot, err = tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}

	t.logger.Info("telegram bot started", "user", t.bot.Self.UserName)

	go t.monitorCompletions(ctx)
	go t.commandLoop(ctx)

	// Reconnection loop with exponential backoff.
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)

		// Always clean up the old polling goroutine before reconnecting.
		t.bot.StopReceivingUpdates()

		if pollErr != nil {
			t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		// pollUpdates returned nil means ctx was cancelled.
		return nil
	}
}

// pollUpdates reads from the update channel until ctx is done, the channel
// closes, or no updates arrive within 2x the long-poll timeout (stall detection).
// Returns nil on context cancellation, or an error to trigger reconnection.
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	// tgbotapi uses a 60s long-poll timeout. If we see nothing for 2.5 minutes,
	// the connection is likely dead (the library blocks rather than closing the channel).
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}

			// Reset stall timer on every received update (including empty long-poll returns).
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message == nil {
				continue
			}
			if _, ok := t.allowedIDs[update.Message.From.ID]; !ok {
				t.logger.Warn("telegram access denied", "user_id", update.Message.From.ID, "user_name", update.Message.From.UserName)
				continue
			}
			t.handleMessage(ctx, update.Message)

		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	content := strings.TrimSpace(msg.Text)
	if content == "" {
		return
	}

	t.pendingMu.Lock()
	t.lastChatID = msg.Chat.ID
	t.pendingMu.Unlock()

	decision, err := t.routes.Route(ctx, router.Message{
		ID:   fmt.Sprintf("telegram-%d-%d", msg.Chat.ID, msg.MessageID),
		Text: content,
	})
	if errors.Is(err, router.ErrAlreadyConsumed) {
		// Redelivered update after a reconnect; already handled once.
		return
	}
	if err != nil {
		t.logger.Error("routing failed", "error", err)
		t.reply(msg.Chat.ID, fmt.Sprintf("Error: could not route message: %v", err))
		return
	}

	switch decision.Kind {
	case router.KindSupervisor:
		// Handled by the batched command loop; nothing to do per message.
	case router.KindForwardToWorker:
		if _, err := t.store.PostMessage(ctx, decision.TaskID, content); err != nil {
			if errors.Is(err, persistence.ErrTaskNotActive) {
				t.logger.Warn("message to inactive task dropped", "task_id", decision.TaskID)
				t.reply(msg.Chat.ID, fmt.Sprintf("Task %s is no longer active; message dropped.", decision.TaskID))
				return
			}
			t.logger.Error("mailbox post failed", "task_id", decision.TaskID, "error", err)
			t.reply(msg.Chat.ID, fmt.Sprintf("Error: could not forward message: %v", err))
			return
		}
		t.reply(msg.Chat.ID, fmt.Sprintf("Forwarded to task %s.", shortID(decision.TaskID)))
	case router.KindDirectChat:
		taskID, err := t.sched.Schedule(ctx, scheduler.Request{
			Type:          persistence.TaskTypeDirectChat,
			Description:   content,
			ModelIdentity: t.identity,
		})
		if err != nil {
			t.replyScheduleError(msg.Chat.ID, err)
			return
		}
		t.trackReply(taskID, msg.Chat.ID)
	}
}

// commandLoop drains the supervisor command batch once per tick and handles
// each command synchronously.
func (t *TelegramChannel) commandLoop(ctx context.Context) {
	ticker := time.NewTicker(commandTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, cmd := range t.routes.DrainCommands() {
				t.handleCommand(ctx, cmd)
			}
		}
	}
}

func (t *TelegramChannel) handleCommand(ctx context.Context, d router.Decision) {
	t.pendingMu.Lock()
	chatID := t.lastChatID
	t.pendingMu.Unlock()

	switch d.Command {
	case router.CommandStatus:
		t.reply(chatID, t.statusText(ctx))

	case router.CommandBg:
		if d.Args == "" {
			t.reply(chatID, "Usage: /bg <task description>")
			return
		}
		taskID, err := t.sched.Schedule(ctx, scheduler.Request{
			Type:          persistence.TaskTypeWorker,
			Description:   d.Args,
			ModelIdentity: t.identity,
		})
		if err != nil {
			t.replyScheduleError(chatID, err)
			return
		}
		t.trackReply(taskID, chatID)
		t.reply(chatID, fmt.Sprintf("Background task %s scheduled.", shortID(taskID)))

	case router.CommandEvolve:
		if t.breaker != nil {
			t.breaker.Reset(string(persistence.TaskTypeEvolution))
		}
		taskID, err := t.sched.Schedule(ctx, scheduler.Request{
			Type:          persistence.TaskTypeEvolution,
			Description:   "Operator-requested evolution run.",
			ModelIdentity: t.identity,
		})
		if err != nil {
			t.replyScheduleError(chatID, err)
			return
		}
		t.trackReply(taskID, chatID)
		t.reply(chatID, fmt.Sprintf("Evolution task %s scheduled.", shortID(taskID)))

	case router.CommandRestart:
		n := t.interruptRunning(ctx)
		t.reply(chatID, fmt.Sprintf("Restarting: %d running task(s) requeued on next claim.", n))

	case router.CommandPanic:
		n := t.abortRunning(ctx)
		t.reply(chatID, fmt.Sprintf("Emergency stop: %d running task(s) aborted.", n))
	}
}

// interruptRunning cancels each running task's round without the cancel flag,
// so the scheduler requeues it instead of failing it.
func (t *TelegramChannel) interruptRunning(ctx context.Context) int {
	recent, err := t.store.ListRecentTasks(ctx, 100)
	if err != nil {
		t.logger.Error("list tasks for restart failed", "error", err)
		return 0
	}
	n := 0
	for _, task := range recent {
		if task.Status != persistence.TaskStatusRunning {
			continue
		}
		if t.sched.Interrupt(task.ID) {
			n++
		}
	}
	return n
}

func (t *TelegramChannel) abortRunning(ctx context.Context) int {
	recent, err := t.store.ListRecentTasks(ctx, 100)
	if err != nil {
		t.logger.Error("list tasks for abort failed", "error", err)
		return 0
	}
	n := 0
	for _, task := range recent {
		if task.Status != persistence.TaskStatusRunning {
			continue
		}
		if err := t.sched.Abort(ctx, task.ID); err != nil {
			t.logger.Warn("abort failed", "task_id", task.ID, "error", err)
			continue
		}
		n++
	}
	return n
}

func (t *TelegramChannel) statusText(ctx context.Context) string {
	var sb strings.Builder
	if t.ledger != nil {
		snap := t.ledger.View()
		fmt.Fprintf(&sb, "Budget: %.2f / %.2f USD spent (%.2f remaining)\n",
			snap.SpentUSD, snap.TotalUSD, snap.RemainingUSD)
	}
	fmt.Fprintf(&sb, "Active workers: %d\n", t.sched.ActiveTasks())
	if counts, err := t.store.CountTasksByStatus(ctx); err == nil {
		fmt.Fprintf(&sb, "Tasks: %d pending, %d running, %d succeeded, %d failed, %d timed out\n",
			counts[persistence.TaskStatusPending],
			counts[persistence.TaskStatusRunning],
			counts[persistence.TaskStatusSucceeded],
			counts[persistence.TaskStatusFailed],
			counts[persistence.TaskStatusTimedOut])
	}
	if t.breaker != nil {
		if paused := t.breaker.Paused(); len(paused) > 0 {
			fmt.Fprintf(&sb, "Paused types: %s\n", strings.Join(paused, ", "))
		}
	}
	return strings.TrimSpace(sb.String())
}

// monitorCompletions subscribes to task lifecycle events and replies to the
// chat that originated each task.
func (t *TelegramChannel) monitorCompletions(ctx context.Context) {
	sub := t.eventBus.Subscribe("task.")
	defer t.eventBus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Ch():
			if !ok {
				return
			}
			ev, ok := event.Payload.(bus.TaskEvent)
			if !ok {
				continue
			}
			t.handleTaskEvent(ctx, event.Topic, ev)
		}
	}
}

func (t *TelegramChannel) handleTaskEvent(ctx context.Context, topic string, ev bus.TaskEvent) {
	t.pendingMu.Lock()
	chatID, tracked := t.pendingTasks[ev.TaskID]
	if tracked && persistence.TaskStatus(ev.NewStatus).IsTerminal() {
		delete(t.pendingTasks, ev.TaskID)
	}
	t.pendingMu.Unlock()
	if !tracked {
		return
	}

	switch topic {
	case bus.TopicTaskSucceeded:
		task, err := t.store.GetTask(ctx, ev.TaskID)
		if err != nil {
			t.logger.Warn("load finished task failed", "task_id", ev.TaskID, "error", err)
			return
		}
		text := task.Result
		if text == "" {
			text = fmt.Sprintf("Task %s finished.", shortID(ev.TaskID))
		}
		t.reply(chatID, text)
	case bus.TopicTaskFailed:
		t.reply(chatID, fmt.Sprintf("Task %s failed: %s", shortID(ev.TaskID), ev.Detail))
	case bus.TopicTaskTimedOut:
		t.reply(chatID, fmt.Sprintf("Task %s timed out; a retry was scheduled.", shortID(ev.TaskID)))
	}
}

func (t *TelegramChannel) trackReply(taskID string, chatID int64) {
	t.pendingMu.Lock()
	t.pendingTasks[taskID] = chatID
	t.pendingMu.Unlock()
}

func (t *TelegramChannel) replyScheduleError(chatID int64, err error) {
	var dup *scheduler.DuplicateError
	switch {
	case errors.As(err, &dup):
		t.reply(chatID, fmt.Sprintf("Looks like a duplicate of task %s (similarity %.2f); not scheduled.",
			shortID(dup.SimilarTo), dup.Score))
	case errors.Is(err, scheduler.ErrTypePaused):
		t.reply(chatID, "That task type is paused after repeated failures. Use /evolve to reset and retry.")
	case errors.Is(err, scheduler.ErrQueueSaturated):
		t.reply(chatID, "Queue is full; try again shortly.")
	case errors.Is(err, scheduler.ErrBudgetExhausted):
		t.reply(chatID, "Budget exhausted; no new tasks can be scheduled.")
	default:
		t.reply(chatID, fmt.Sprintf("Error: could not schedule task: %v", err))
	}
}

func (t *TelegramChannel) reply(chatID int64, text string) {
	if chatID == 0 || text == "" {
		return
	}
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Warn("telegram send failed", "error", err)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
