// Package tools holds the schemas the model can call against and validates
// tool-call arguments before any execution function runs. The execution
// functions themselves are injected by the embedding process; this core
// never implements tool side effects.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/Cyber-41/ouroboros-free/internal/model"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

var (
	// ErrUnknownTool is returned for calls naming an unregistered tool.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrInvalidArguments is returned when arguments fail schema validation.
	ErrInvalidArguments = errors.New("invalid tool arguments")
)

// ExecFunc runs a validated tool call and returns its textual result.
type ExecFunc func(ctx context.Context, args map[string]interface{}) (string, error)

type tool struct {
	schema   model.ToolSchema
	compiled *jsonschema.Schema
	exec     ExecFunc
}

// Registry is the set of callable tools.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*tool)}
}

// Register compiles the parameter schema and stores the tool. Registering an
// existing name replaces it.
func (r *Registry) Register(schema model.ToolSchema, exec ExecFunc) error {
	if schema.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if exec == nil {
		return fmt.Errorf("tool %s: exec function is required", schema.Name)
	}

	params := schema.Parameters
	if params == nil {
		params = map[string]interface{}{"type": "object"}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("tool %s: marshal parameters: %w", schema.Name, err)
	}
	// Use jsonschema.UnmarshalJSON for correct number handling (json.Number).
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return fmt.Errorf("tool %s: unmarshal schema JSON: %w", schema.Name, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return fmt.Errorf("tool %s: add schema resource: %w", schema.Name, err)
	}
	compiled, err := c.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("tool %s: compile schema: %w", schema.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[schema.Name] = &tool{schema: schema, compiled: compiled, exec: exec}
	return nil
}

// Schemas returns the registered tool schemas in no particular order, for
// inclusion in model requests.
func (r *Registry) Schemas() []model.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.ToolSchema, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.schema)
	}
	return out
}

// Execute validates a tool call's arguments against the registered schema and
// runs its exec function. Validation failures never reach the exec function.
func (r *Registry) Execute(ctx context.Context, call model.ToolCall) (string, error) {
	r.mu.RLock()
	t, ok := r.tools[call.Name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, call.Name)
	}

	args := call.Arguments
	if strings.TrimSpace(args) == "" {
		args = "{}"
	}
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(args))
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrInvalidArguments, call.Name, err)
	}
	if err := t.compiled.Validate(parsed); err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrInvalidArguments, call.Name, err)
	}

	// Re-decode with encoding/json so exec functions see plain Go values
	// rather than json.Number.
	var execArgs map[string]interface{}
	if err := json.Unmarshal([]byte(args), &execArgs); err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrInvalidArguments, call.Name, err)
	}
	return t.exec(ctx, execArgs)
}

// Names returns the registered tool names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	return out
}
