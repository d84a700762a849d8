package router

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Cyber-41/ouroboros-free/internal/model"
	"github.com/Cyber-41/ouroboros-free/internal/persistence"
)

// TaskLister exposes the running tasks a message could be forwarded to.
type TaskLister interface {
	ListRecentTasks(ctx context.Context, limit int) ([]persistence.Task, error)
}

// ModelDecider asks the model whether free text is a new conversation or an
// instruction for a running task. It never decides supervisor routing; slash
// commands are handled textually before the decider is consulted.
type ModelDecider struct {
	model    model.Model
	tasks    TaskLister
	identity string
}

func NewModelDecider(m model.Model, tasks TaskLister, identity string) *ModelDecider {
	return &ModelDecider{model: m, tasks: tasks, identity: identity}
}

const deciderPrompt = `You route an operator message for an autonomous agent.
Reply with JSON only: {"route":"direct_chat"} to answer the operator directly,
or {"route":"forward","task_id":"<id>"} to forward the message to one of the
running tasks listed below. Forward only when the message clearly addresses
that task's work.`

func (d *ModelDecider) Decide(ctx context.Context, text string) (Decision, error) {
	running, err := d.runningTasks(ctx)
	if err != nil {
		return Decision{}, err
	}
	// Nothing running: direct chat is the only possible route.
	if len(running) == 0 {
		return Decision{Kind: KindDirectChat}, nil
	}

	var sb strings.Builder
	sb.WriteString(deciderPrompt)
	sb.WriteString("\n\nRunning tasks:\n")
	for _, t := range running {
		fmt.Fprintf(&sb, "- %s: %s\n", t.ID, t.Description)
	}

	resp, err := d.model.Invoke(ctx, model.Request{
		Identity: d.identity,
		Messages: []model.Message{
			{Role: model.RoleSystem, Content: sb.String()},
			{Role: model.RoleUser, Content: text},
		},
		MaxTokens: 200,
	})
	if err != nil {
		// Routing must not lose operator messages to model flakiness.
		return Decision{Kind: KindDirectChat}, nil
	}

	var parsed struct {
		Route  string `json:"route"`
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal([]byte(extractJSONObject(resp.Content)), &parsed); err != nil {
		return Decision{Kind: KindDirectChat}, nil
	}
	if parsed.Route == "forward" && parsed.TaskID != "" {
		for _, t := range running {
			if t.ID == parsed.TaskID {
				return Decision{Kind: KindForwardToWorker, TaskID: parsed.TaskID}, nil
			}
		}
	}
	return Decision{Kind: KindDirectChat}, nil
}

func (d *ModelDecider) runningTasks(ctx context.Context) ([]persistence.Task, error) {
	recent, err := d.tasks.ListRecentTasks(ctx, 50)
	if err != nil {
		return nil, fmt.Errorf("list tasks for routing: %w", err)
	}
	var out []persistence.Task
	for _, t := range recent {
		if t.Status == persistence.TaskStatusRunning {
			out = append(out, t)
		}
	}
	return out, nil
}

func extractJSONObject(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return "{}"
	}
	return text[start : end+1]
}
