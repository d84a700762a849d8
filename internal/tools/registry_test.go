package tools_test

import (
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/Cyber-41/ouroboros-free/internal/model"
	"github.com/Cyber-41/ouroboros-free/internal/tools"
)

func echoSchema() model.ToolSchema {
	return model.ToolSchema{
		Name:        "echo",
		Description: "returns its input",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"text":  map[string]interface{}{"type": "string"},
				"count": map[string]interface{}{"type": "integer", "minimum": 1},
			},
			"required": []interface{}{"text"},
		},
	}
}

func TestRegister_RequiresNameAndExec(t *testing.T) {
	r := tools.NewRegistry()
	if err := r.Register(model.ToolSchema{}, func(context.Context, map[string]interface{}) (string, error) {
		return "", nil
	}); err == nil {
		t.Fatalf("expected error for missing name")
	}
	if err := r.Register(model.ToolSchema{Name: "x"}, nil); err == nil {
		t.Fatalf("expected error for nil exec")
	}
}

func TestRegister_RejectsBrokenSchema(t *testing.T) {
	r := tools.NewRegistry()
	err := r.Register(model.ToolSchema{
		Name:       "bad",
		Parameters: map[string]interface{}{"type": 42},
	}, func(context.Context, map[string]interface{}) (string, error) { return "", nil })
	if err == nil {
		t.Fatalf("expected schema compilation error")
	}
}

func TestExecute_ValidatesBeforeRunning(t *testing.T) {
	r := tools.NewRegistry()
	var ran bool
	if err := r.Register(echoSchema(), func(_ context.Context, args map[string]interface{}) (string, error) {
		ran = true
		text, _ := args["text"].(string)
		return text, nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	// Missing required field never reaches the exec function.
	_, err := r.Execute(context.Background(), model.ToolCall{Name: "echo", Arguments: `{"count":2}`})
	if !errors.Is(err, tools.ErrInvalidArguments) {
		t.Fatalf("expected ErrInvalidArguments, got %v", err)
	}
	if ran {
		t.Fatalf("exec must not run on validation failure")
	}

	// Wrong type is also rejected.
	_, err = r.Execute(context.Background(), model.ToolCall{Name: "echo", Arguments: `{"text":5}`})
	if !errors.Is(err, tools.ErrInvalidArguments) {
		t.Fatalf("expected ErrInvalidArguments for wrong type, got %v", err)
	}

	out, err := r.Execute(context.Background(), model.ToolCall{Name: "echo", Arguments: `{"text":"hi","count":3}`})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out != "hi" {
		t.Fatalf("expected 'hi', got %q", out)
	}
}

func TestExecute_UnknownTool(t *testing.T) {
	r := tools.NewRegistry()
	_, err := r.Execute(context.Background(), model.ToolCall{Name: "missing", Arguments: "{}"})
	if !errors.Is(err, tools.ErrUnknownTool) {
		t.Fatalf("expected ErrUnknownTool, got %v", err)
	}
}

func TestExecute_MalformedJSONArguments(t *testing.T) {
	r := tools.NewRegistry()
	if err := r.Register(echoSchema(), func(context.Context, map[string]interface{}) (string, error) {
		return "", nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	_, err := r.Execute(context.Background(), model.ToolCall{Name: "echo", Arguments: `{"text":`})
	if !errors.Is(err, tools.ErrInvalidArguments) {
		t.Fatalf("expected ErrInvalidArguments for malformed JSON, got %v", err)
	}
}

func TestExecute_EmptyArgumentsDefaultToEmptyObject(t *testing.T) {
	r := tools.NewRegistry()
	// No Parameters: any object is accepted.
	if err := r.Register(model.ToolSchema{Name: "ping"}, func(_ context.Context, args map[string]interface{}) (string, error) {
		if len(args) != 0 {
			t.Fatalf("expected empty args, got %v", args)
		}
		return "pong", nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	out, err := r.Execute(context.Background(), model.ToolCall{Name: "ping", Arguments: "  "})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out != "pong" {
		t.Fatalf("expected pong, got %q", out)
	}
}

func TestExecute_ExecSeesPlainGoValues(t *testing.T) {
	r := tools.NewRegistry()
	if err := r.Register(echoSchema(), func(_ context.Context, args map[string]interface{}) (string, error) {
		// encoding/json decodes numbers as float64, not json.Number.
		if _, ok := args["count"].(float64); !ok {
			t.Fatalf("expected float64 count, got %T", args["count"])
		}
		return "ok", nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := r.Execute(context.Background(), model.ToolCall{Name: "echo", Arguments: `{"text":"a","count":2}`}); err != nil {
		t.Fatalf("execute: %v", err)
	}
}

func TestSchemasAndNames(t *testing.T) {
	r := tools.NewRegistry()
	for _, name := range []string{"alpha", "beta"} {
		if err := r.Register(model.ToolSchema{Name: name}, func(context.Context, map[string]interface{}) (string, error) {
			return "", nil
		}); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	names := r.Names()
	sort.Strings(names)
	if len(names) != 2 || names[0] != "alpha" || names[1] != "beta" {
		t.Fatalf("unexpected names: %v", names)
	}
	if len(r.Schemas()) != 2 {
		t.Fatalf("expected 2 schemas")
	}
}

func TestRegister_ReplacesExistingName(t *testing.T) {
	r := tools.NewRegistry()
	register := func(reply string) {
		if err := r.Register(model.ToolSchema{Name: "dup"}, func(context.Context, map[string]interface{}) (string, error) {
			return reply, nil
		}); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	register("first")
	register("second")

	out, err := r.Execute(context.Background(), model.ToolCall{Name: "dup", Arguments: "{}"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out != "second" {
		t.Fatalf("expected replacement to win, got %q", out)
	}
	if len(r.Names()) != 1 {
		t.Fatalf("expected a single entry after replacement")
	}
}
