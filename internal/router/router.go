// Package router routes inbound operator messages: slash commands to the
// supervisor, free text either to direct chat or to a running task's
// mailbox. Every message id is consumed exactly once.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/Cyber-41/ouroboros-free/internal/bus"
	"github.com/Cyber-41/ouroboros-free/internal/eventlog"
)

// ErrAlreadyConsumed is returned when a message id was routed before,
// in this process or a previous one.
var ErrAlreadyConsumed = errors.New("message already consumed")

// Kind is the closed decision set. There is no default branch anywhere the
// set is switched on; adding a kind must break compilation, not fall through.
type Kind int

const (
	KindDirectChat Kind = iota
	KindForwardToWorker
	KindSupervisor
)

func (k Kind) String() string {
	switch k {
	case KindDirectChat:
		return "direct_chat"
	case KindForwardToWorker:
		return "forward_to_worker"
	case KindSupervisor:
		return "supervisor"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Command is a recognized supervisor slash command.
type Command string

const (
	CommandStatus  Command = "/status"
	CommandRestart Command = "/restart"
	CommandBg      Command = "/bg"
	CommandEvolve  Command = "/evolve"
	CommandPanic   Command = "/panic"
)

var knownCommands = map[Command]struct{}{
	CommandStatus:  {},
	CommandRestart: {},
	CommandBg:      {},
	CommandEvolve:  {},
	CommandPanic:   {},
}

// Message is an inbound operator message.
type Message struct {
	ID   string // stable message id from the channel
	Text string
}

// Decision is the routing outcome.
type Decision struct {
	Kind    Kind
	TaskID  string  // set for KindForwardToWorker
	Command Command // set for KindSupervisor
	Args    string  // command arguments, e.g. the /bg task description
}

// Decider chooses between direct chat and forwarding for non-command text.
type Decider interface {
	Decide(ctx context.Context, text string) (Decision, error)
}

// MessageStore persists consumed message ids.
type MessageStore interface {
	ConsumeMessageID(ctx context.Context, messageID string) (bool, error)
}

// Router routes operator messages. Supervisor commands are buffered and
// collapsed into one batch per scheduling tick rather than handled per
// message.
type Router struct {
	store   MessageStore
	decider Decider
	bus     *bus.Bus // may be nil in tests
	logger  *slog.Logger

	mu    sync.Mutex
	batch map[Command]Decision // latest decision per command wins within a tick
}

func New(store MessageStore, decider Decider, eventBus *bus.Bus, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		store:   store,
		decider: decider,
		bus:     eventBus,
		logger:  logger,
		batch:   make(map[Command]Decision),
	}
}

// Route consumes and routes one message. The id is marked consumed before
// any handler or decider runs: a crash mid-handling drops the message, it
// never delivers twice, and it can never reach both the direct-chat and
// forward paths.
func (r *Router) Route(ctx context.Context, msg Message) (Decision, error) {
	if msg.ID == "" {
		return Decision{}, fmt.Errorf("message id is required")
	}
	first, err := r.store.ConsumeMessageID(ctx, msg.ID)
	if err != nil {
		return Decision{}, fmt.Errorf("consume message: %w", err)
	}
	if !first {
		return Decision{}, ErrAlreadyConsumed
	}

	if cmd, args, ok := parseCommand(msg.Text); ok {
		decision := Decision{Kind: KindSupervisor, Command: cmd, Args: args}
		r.mu.Lock()
		r.batch[cmd] = decision
		r.mu.Unlock()
		r.dispatched(msg.ID, decision)
		return decision, nil
	}

	decision, err := r.decider.Decide(ctx, msg.Text)
	if err != nil {
		return Decision{}, fmt.Errorf("decide route: %w", err)
	}
	switch decision.Kind {
	case KindDirectChat, KindForwardToWorker:
	case KindSupervisor:
		return Decision{}, fmt.Errorf("decider returned supervisor decision for free text")
	}
	r.dispatched(msg.ID, decision)
	return decision, nil
}

// DrainCommands returns the supervisor commands buffered since the last
// call, one entry per command, and clears the batch. Called once per
// scheduling tick so a burst of identical commands is handled once.
func (r *Router) DrainCommands() []Decision {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.batch) == 0 {
		return nil
	}
	out := make([]Decision, 0, len(r.batch))
	for _, d := range r.batch {
		out = append(out, d)
	}
	r.batch = make(map[Command]Decision)
	return out
}

func (r *Router) dispatched(messageID string, d Decision) {
	eventlog.Record(eventlog.KindRouterDispatched, d.TaskID, "", fmt.Sprintf("message_id=%s kind=%s", messageID, d.Kind))
	if r.bus != nil {
		r.bus.Publish(bus.TopicRouterDispatched, d)
	}
}

// parseCommand recognizes supervisor slash commands textually. Unknown
// slash-prefixed text is not a command and flows to the decider.
func parseCommand(text string) (Command, string, bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") {
		return "", "", false
	}
	word, rest, _ := strings.Cut(trimmed, " ")
	// Strip a bot mention suffix like /status@ouroboros_bot.
	if at := strings.Index(word, "@"); at > 0 {
		word = word[:at]
	}
	cmd := Command(strings.ToLower(word))
	if _, ok := knownCommands[cmd]; !ok {
		return "", "", false
	}
	return cmd, strings.TrimSpace(rest), true
}
