package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Cyber-41/ouroboros-free/internal/model"
	"github.com/Cyber-41/ouroboros-free/internal/persistence"
	"github.com/Cyber-41/ouroboros-free/internal/tools"
)

// registerBuiltinTools wires the daemon's built-in tool set against the store.
func registerBuiltinTools(registry *tools.Registry, store *persistence.Store) error {
	builtins := []struct {
		schema model.ToolSchema
		exec   tools.ExecFunc
	}{
		{
			schema: model.ToolSchema{
				Name:        "memory_get",
				Description: "Read a value from persistent key-value memory. Returns an empty string for missing keys.",
				Parameters: map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"key": map[string]interface{}{"type": "string"},
					},
					"required": []interface{}{"key"},
				},
			},
			exec: func(ctx context.Context, args map[string]interface{}) (string, error) {
				key, _ := args["key"].(string)
				return store.KVGet(ctx, "memory:"+key)
			},
		},
		{
			schema: model.ToolSchema{
				Name:        "memory_set",
				Description: "Write a value to persistent key-value memory. Survives restarts.",
				Parameters: map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"key":   map[string]interface{}{"type": "string"},
						"value": map[string]interface{}{"type": "string"},
					},
					"required": []interface{}{"key", "value"},
				},
			},
			exec: func(ctx context.Context, args map[string]interface{}) (string, error) {
				key, _ := args["key"].(string)
				value, _ := args["value"].(string)
				if err := store.KVSet(ctx, "memory:"+key, value); err != nil {
					return "", err
				}
				return "ok", nil
			},
		},
		{
			schema: model.ToolSchema{
				Name:        "task_status",
				Description: "Look up the status, rounds and spend of a task by id.",
				Parameters: map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"task_id": map[string]interface{}{"type": "string"},
					},
					"required": []interface{}{"task_id"},
				},
			},
			exec: func(ctx context.Context, args map[string]interface{}) (string, error) {
				taskID, _ := args["task_id"].(string)
				task, err := store.GetTask(ctx, taskID)
				if err != nil {
					return "", err
				}
				out, err := json.Marshal(map[string]interface{}{
					"id":        task.ID,
					"type":      task.Type,
					"status":    task.Status,
					"rounds":    task.RoundsExecuted,
					"spend_usd": task.SpendUSD,
					"result":    task.Result,
					"error":     task.Error,
				})
				if err != nil {
					return "", err
				}
				return string(out), nil
			},
		},
		{
			schema: model.ToolSchema{
				Name:        "recent_tasks",
				Description: "List recent tasks with status and type, newest first.",
				Parameters: map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"limit": map[string]interface{}{"type": "integer", "minimum": 1, "maximum": 50},
					},
				},
			},
			exec: func(ctx context.Context, args map[string]interface{}) (string, error) {
				limit := 10
				if raw, ok := args["limit"].(float64); ok && raw > 0 {
					limit = int(raw)
				}
				recent, err := store.ListRecentTasks(ctx, limit)
				if err != nil {
					return "", err
				}
				summaries := make([]map[string]interface{}, 0, len(recent))
				for _, task := range recent {
					summaries = append(summaries, map[string]interface{}{
						"id":     task.ID,
						"type":   task.Type,
						"status": task.Status,
					})
				}
				out, err := json.Marshal(summaries)
				if err != nil {
					return "", err
				}
				return string(out), nil
			},
		},
	}

	for _, b := range builtins {
		if err := registry.Register(b.schema, b.exec); err != nil {
			return fmt.Errorf("register %s: %w", b.schema.Name, err)
		}
	}
	return nil
}
