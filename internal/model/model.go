// Package model defines the language-model collaborator. The orchestration
// core treats the model as opaque: it sends a conversation plus tool schemas
// and gets back text, tool calls and token usage.
package model

import "context"

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one turn of a task's conversation.
type Message struct {
	Role       string
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
}

// ToolCall is a model-requested tool invocation. Arguments is raw JSON,
// validated against the tool's schema before execution.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ToolSchema describes a callable tool offered to the model.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
}

// Usage is the token accounting for one invocation.
type Usage struct {
	InTokens  int
	OutTokens int
}

// Request is one model invocation.
type Request struct {
	Identity  string // model identity to invoke, e.g. "anthropic/claude-sonnet-4"
	Messages  []Message
	Tools     []ToolSchema
	MaxTokens int
}

// Response is the model's reply.
type Response struct {
	Content    string
	ToolCalls  []ToolCall
	StopReason string
	Usage      Usage
}

// Model is the invocation interface. Implementations do network I/O and must
// honor context cancellation.
type Model interface {
	Invoke(ctx context.Context, req Request) (*Response, error)
}
