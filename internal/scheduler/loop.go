package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Cyber-41/ouroboros-free/internal/budget"
	"github.com/Cyber-41/ouroboros-free/internal/bus"
	"github.com/Cyber-41/ouroboros-free/internal/model"
	"github.com/Cyber-41/ouroboros-free/internal/otel"
	"github.com/Cyber-41/ouroboros-free/internal/persistence"
	"github.com/Cyber-41/ouroboros-free/internal/tools"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ErrCancelRequested aborts a task at a round boundary when the operator has
// asked for cancellation.
var ErrCancelRequested = errors.New("cancel requested")

// ErrRoundCapReached ends a task that ran out of rounds without finishing.
var ErrRoundCapReached = errors.New("round cap reached")

// StopMarker in assistant output terminates the loop with everything before
// the marker as the result.
const StopMarker = "<<TASK_DONE>>"

const (
	checkpointEvery     = 50
	budgetCheckEvery    = 10
	budgetWarnFraction  = 0.30
	budgetFinalFraction = 0.50
	roundRetries        = 2
	retryBaseDelay      = 2 * time.Second
)

// LoopConfig holds round-loop tunables.
type LoopConfig struct {
	MaxTokensPerRound          int
	EvolutionMaxTokensPerRound int // tighter ceiling for evolution tasks
}

// Loop runs a claimed task round by round until a terminal condition. It
// implements Runner.
type Loop struct {
	store   *persistence.Store
	model   model.Model
	chain   model.Chain
	ledger  *budget.Ledger
	tools   *tools.Registry
	bus     *bus.Bus // may be nil in tests
	logger  *slog.Logger
	tracer  trace.Tracer  // may be nil
	metrics *otel.Metrics // may be nil
	config  LoopConfig
}

func NewLoop(store *persistence.Store, m model.Model, chain model.Chain, ledger *budget.Ledger, registry *tools.Registry, eventBus *bus.Bus, cfg LoopConfig, logger *slog.Logger, tracer trace.Tracer, metrics *otel.Metrics) *Loop {
	if cfg.MaxTokensPerRound <= 0 {
		cfg.MaxTokensPerRound = 8192
	}
	if cfg.EvolutionMaxTokensPerRound <= 0 {
		cfg.EvolutionMaxTokensPerRound = 4096
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		store:   store,
		model:   m,
		chain:   chain,
		ledger:  ledger,
		tools:   registry,
		bus:     eventBus,
		logger:  logger,
		tracer:  tracer,
		metrics: metrics,
		config:  cfg,
	}
}

// Run implements Runner. The context carries the task deadline; Run returns
// ctx.Err() on overrun and the scheduler maps it to the timeout transition.
func (l *Loop) Run(ctx context.Context, task *persistence.Task) (string, error) {
	identity := task.ModelIdentity
	if identity == "" {
		identity = l.chain.Primary()
	}

	maxTokens := l.config.MaxTokensPerRound
	if task.Type == persistence.TaskTypeEvolution {
		maxTokens = l.config.EvolutionMaxTokensPerRound
	}

	messages := []model.Message{
		{Role: model.RoleSystem, Content: l.systemPrompt(task)},
		{Role: model.RoleUser, Content: task.Description},
	}
	if task.Payload != "" {
		messages = append(messages, model.Message{Role: model.RoleUser, Content: task.Payload})
	}

	rounds := task.RoundsExecuted
	finalRound := false

	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if rounds >= task.MaxRounds {
			return "", fmt.Errorf("%w: %d rounds", ErrRoundCapReached, rounds)
		}
		if cancelled, err := l.store.CancelRequested(ctx, task.ID); err == nil && cancelled {
			return "", ErrCancelRequested
		}

		// Operator messages posted since the last round are injected before
		// the model sees the conversation again. At-most-once: the poll marks
		// them seen in its own transaction.
		inbox, err := l.store.PollMessages(ctx, task.ID)
		if err != nil {
			return "", fmt.Errorf("poll mailbox: %w", err)
		}
		for _, msg := range inbox {
			messages = append(messages, model.Message{Role: model.RoleUser, Content: msg.Payload})
			if l.metrics != nil {
				l.metrics.MailboxMessages.Add(ctx, 1)
			}
		}

		if notice := l.roundNotices(task, rounds, &finalRound); notice != "" {
			messages = append(messages, model.Message{Role: model.RoleSystem, Content: notice})
		}

		resp, newIdentity, err := l.invoke(ctx, task, identity, messages, maxTokens, rounds)
		if err != nil {
			return "", err
		}
		identity = newIdentity

		cost, err := l.ledger.Reconcile(ctx, task.ID, identity, resp.Usage.InTokens, resp.Usage.OutTokens)
		if err != nil {
			return "", fmt.Errorf("reconcile round spend: %w", err)
		}
		task.SpendUSD += cost
		rounds++
		if rerr := l.store.RecordRound(ctx, task.ID, rounds, task.SpendUSD); rerr != nil {
			l.logger.Warn("record round failed", "task_id", task.ID, "error", rerr)
		}
		if l.metrics != nil {
			l.metrics.RoundsTotal.Add(ctx, 1)
			l.metrics.TokensUsed.Add(ctx, int64(resp.Usage.InTokens+resp.Usage.OutTokens))
			l.metrics.SpendUSD.Add(ctx, cost, metric.WithAttributes(otel.AttrModel.String(identity)))
		}

		assistant := model.Message{Role: model.RoleAssistant, Content: resp.Content, ToolCalls: resp.ToolCalls}
		messages = append(messages, assistant)

		if idx := strings.Index(resp.Content, StopMarker); idx >= 0 {
			return strings.TrimSpace(resp.Content[:idx]), nil
		}

		if len(resp.ToolCalls) == 0 {
			// No work requested: the content is the final answer.
			return strings.TrimSpace(resp.Content), nil
		}
		if finalRound {
			return strings.TrimSpace(resp.Content), nil
		}

		for _, call := range resp.ToolCalls {
			output := l.executeTool(ctx, task, call)
			messages = append(messages, model.Message{
				Role:       model.RoleTool,
				Content:    output,
				ToolCallID: call.ID,
			})
		}
	}
}

// invoke calls the model with per-class handling: rate limits and timeouts
// retry against the same identity with backoff; empty or invalid-model
// responses substitute the fallback identity for the rest of this task.
func (l *Loop) invoke(ctx context.Context, task *persistence.Task, identity string, messages []model.Message, maxTokens, round int) (*model.Response, string, error) {
	var schemas []model.ToolSchema
	if l.tools != nil {
		schemas = l.tools.Schemas()
	}

	attempt := 0
	for {
		start := time.Now()
		var span trace.Span
		callCtx := ctx
		if l.tracer != nil {
			callCtx, span = otel.StartClientSpan(ctx, l.tracer, "model.invoke",
				otel.AttrTaskID.String(task.ID),
				otel.AttrModel.String(identity),
				otel.AttrRound.Int(round),
			)
		}
		resp, err := l.model.Invoke(callCtx, model.Request{
			Identity:  identity,
			Messages:  messages,
			Tools:     schemas,
			MaxTokens: maxTokens,
		})
		if span != nil {
			span.End()
		}
		if l.metrics != nil {
			l.metrics.ModelDuration.Record(ctx, time.Since(start).Seconds())
		}
		if err == nil {
			return resp, identity, nil
		}
		if ctx.Err() != nil {
			return nil, identity, ctx.Err()
		}

		class := model.ClassifyError(err)
		switch {
		case class.Retryable() && attempt < roundRetries:
			attempt++
			delay := retryBaseDelay << uint(attempt-1)
			l.logger.Warn("model call retrying",
				"task_id", task.ID, "identity", identity, "error_class", string(class), "attempt", attempt)
			select {
			case <-ctx.Done():
				return nil, identity, ctx.Err()
			case <-time.After(delay):
			}
		case class.TriggersFallback():
			next := l.chain.Next(identity)
			if next == identity {
				// End of the chain; substitution is a no-op and the error stands.
				return nil, identity, fmt.Errorf("model failed with no fallback left (%s): %w", class, err)
			}
			l.logger.Warn("model fallback substitution",
				"task_id", task.ID, "from", identity, "to", next, "error_class", string(class))
			if serr := l.store.SetModelIdentity(ctx, task.ID, next); serr != nil {
				l.logger.Warn("persist identity failed", "task_id", task.ID, "error", serr)
			}
			if l.bus != nil {
				l.bus.Publish(bus.TopicModelFallback, bus.TaskEvent{
					TaskID: task.ID, Type: string(task.Type), Detail: next,
				})
			}
			if l.metrics != nil {
				l.metrics.FallbackSwitches.Add(ctx, 1)
			}
			identity = next
			task.ModelIdentity = next
			attempt = 0
		default:
			return nil, identity, fmt.Errorf("model invoke (%s): %w", class, err)
		}
	}
}

func (l *Loop) executeTool(ctx context.Context, task *persistence.Task, call model.ToolCall) string {
	if l.tools == nil {
		return "error: no tools registered"
	}
	output, err := l.tools.Execute(ctx, call)
	if err != nil {
		l.logger.Warn("tool call failed",
			"task_id", task.ID, "tool", call.Name, "error", err)
		return fmt.Sprintf("error: %v", err)
	}
	return output
}

// roundNotices builds the system notice for this round: periodic self-check
// reminders and budget pressure warnings. Crossing half the remaining budget
// forces the next round to be the last.
func (l *Loop) roundNotices(task *persistence.Task, rounds int, finalRound *bool) string {
	var parts []string

	if rounds > 0 && rounds%checkpointEvery == 0 {
		parts = append(parts, fmt.Sprintf(
			"Checkpoint: %d rounds executed, %.4f USD spent on this task. Review progress and wrap up if the goal is met.",
			rounds, task.SpendUSD))
	}

	if l.ledger != nil {
		remaining := l.ledger.Remaining()
		if remaining > 0 {
			frac := task.SpendUSD / (task.SpendUSD + remaining)
			if frac > budgetFinalFraction {
				*finalRound = true
				parts = append(parts, "Budget critical: this task has consumed over half of the remaining budget. This is the final round; produce your best answer now.")
			} else if frac > budgetWarnFraction && rounds%budgetCheckEvery == 0 {
				parts = append(parts, fmt.Sprintf(
					"Budget notice: this task has consumed %.0f%% of the remaining budget. Be economical.", frac*100))
			}
		}
	}

	return strings.Join(parts, "\n")
}

func (l *Loop) systemPrompt(task *persistence.Task) string {
	return fmt.Sprintf(
		"You are an autonomous worker executing one task of type %s. "+
			"Work in rounds: call tools to make progress, reply without tool calls when done. "+
			"Emit %s after your final answer to terminate early.",
		task.Type, StopMarker)
}
