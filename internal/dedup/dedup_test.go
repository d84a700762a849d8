package dedup_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/Cyber-41/ouroboros-free/internal/dedup"
)

func TestJaccardScorer(t *testing.T) {
	scorer := dedup.JaccardScorer{}
	tests := []struct {
		name string
		a, b string
		want float64
	}{
		{"identical", "fetch the weather report", "fetch the weather report", 1.0},
		{"disjoint", "fetch weather", "compile kernel", 0.0},
		{"case and punctuation ignored", "Fetch, the Weather!", "fetch the weather", 1.0},
		{"empty", "", "fetch weather", 0.0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := scorer.Score(tc.a, tc.b); got != tc.want {
				t.Fatalf("Score(%q, %q) = %f, want %f", tc.a, tc.b, got, tc.want)
			}
		})
	}
}

func TestGate_RejectsAboveThreshold(t *testing.T) {
	gate := dedup.New(0.82)
	gate.Record("task-1", "summarize the latest deployment logs for errors")

	decision := gate.Check("summarize the latest deployment logs for errors")
	if decision.Allowed {
		t.Fatalf("expected near-identical submission rejected, score %f", decision.Score)
	}
	if decision.SimilarTo != "task-1" {
		t.Fatalf("expected reference to task-1, got %q", decision.SimilarTo)
	}
	if decision.Score < 0.82 {
		t.Fatalf("expected score at or above threshold, got %f", decision.Score)
	}
}

func TestGate_AllowsBelowThreshold(t *testing.T) {
	gate := dedup.New(0.82)
	gate.Record("task-1", "summarize the latest deployment logs for errors")

	decision := gate.Check("write a haiku about databases")
	if !decision.Allowed {
		t.Fatalf("expected dissimilar submission allowed, score %f against %s", decision.Score, decision.SimilarTo)
	}
}

func TestGate_ZeroThresholdDisables(t *testing.T) {
	gate := dedup.New(0)
	gate.Record("task-1", "same text")
	if decision := gate.Check("same text"); !decision.Allowed {
		t.Fatalf("expected disabled gate to allow everything")
	}
}

func TestGate_WindowAgesOut(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	gate := dedup.New(0.82, dedup.WithMaxAge(10*time.Minute), dedup.WithClock(clock))

	gate.Record("task-1", "rotate the signing keys")
	if decision := gate.Check("rotate the signing keys"); decision.Allowed {
		t.Fatalf("expected fresh entry to block")
	}

	now = now.Add(11 * time.Minute)
	if decision := gate.Check("rotate the signing keys"); !decision.Allowed {
		t.Fatalf("expected aged-out entry to stop blocking")
	}
	if gate.Size() != 0 {
		t.Fatalf("expected pruned window, size %d", gate.Size())
	}
}

func TestGate_WindowCapsSize(t *testing.T) {
	gate := dedup.New(0.82, dedup.WithMaxSize(5))
	for i := 0; i < 10; i++ {
		gate.Record(fmt.Sprintf("task-%d", i), fmt.Sprintf("unique description number %d alpha beta", i))
	}
	if gate.Size() != 5 {
		t.Fatalf("expected window capped at 5, got %d", gate.Size())
	}
	// Oldest entries are gone: their text no longer blocks.
	if decision := gate.Check("unique description number 0 alpha beta"); !decision.Allowed {
		t.Fatalf("expected evicted entry not to block")
	}
	if decision := gate.Check("unique description number 9 alpha beta"); decision.Allowed {
		t.Fatalf("expected retained entry to block")
	}
}

type constantScorer struct{ score float64 }

func (s constantScorer) Score(_, _ string) float64 { return s.score }

func TestGate_CustomScorer(t *testing.T) {
	gate := dedup.New(0.5, dedup.WithScorer(constantScorer{score: 0.9}))
	gate.Record("task-1", "anything")
	if decision := gate.Check("whatever"); decision.Allowed {
		t.Fatalf("expected injected scorer to drive rejection")
	}
}
