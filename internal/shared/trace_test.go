package shared_test

import (
	"context"
	"testing"

	"github.com/Cyber-41/ouroboros-free/internal/shared"
)

func TestTraceID_DefaultAndRoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := shared.TraceID(ctx); got != "-" {
		t.Fatalf("expected '-' for absent trace id, got %q", got)
	}

	id := shared.NewTraceID()
	if id == "" {
		t.Fatalf("expected non-empty trace id")
	}
	ctx = shared.WithTraceID(ctx, id)
	if got := shared.TraceID(ctx); got != id {
		t.Fatalf("expected %q, got %q", id, got)
	}
}

func TestTaskID_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := shared.TaskID(ctx); got != "" {
		t.Fatalf("expected empty task id, got %q", got)
	}
	ctx = shared.WithTaskID(ctx, "task-1")
	if got := shared.TaskID(ctx); got != "task-1" {
		t.Fatalf("expected task-1, got %q", got)
	}
}

func TestWorkerID_ZeroSlotIsPresent(t *testing.T) {
	ctx := context.Background()
	if _, ok := shared.WorkerID(ctx); ok {
		t.Fatalf("expected absent worker id")
	}

	ctx = shared.WithWorkerID(ctx, 0)
	id, ok := shared.WorkerID(ctx)
	if !ok {
		t.Fatalf("slot 0 must read back as present")
	}
	if id != 0 {
		t.Fatalf("expected slot 0, got %d", id)
	}
}
