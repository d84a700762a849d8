package model_test

import (
	"reflect"
	"testing"

	"github.com/Cyber-41/ouroboros-free/internal/model"
)

func TestChain_NextWalksInOrder(t *testing.T) {
	chain := model.NewChain("a", []string{"b", "c"})

	if got := chain.Next("a"); got != "b" {
		t.Fatalf("Next(a) = %s, want b", got)
	}
	if got := chain.Next("b"); got != "c" {
		t.Fatalf("Next(b) = %s, want c", got)
	}
}

func TestChain_NextAtEndIsNoOp(t *testing.T) {
	chain := model.NewChain("a", []string{"b"})
	if got := chain.Next("b"); got != "b" {
		t.Fatalf("Next at end of chain must return current, got %s", got)
	}
	// Repeated substitution stays stable.
	if got := chain.Next(chain.Next("b")); got != "b" {
		t.Fatalf("repeated Next must be idempotent, got %s", got)
	}
}

func TestChain_NextUnknownIdentityIsNoOp(t *testing.T) {
	chain := model.NewChain("a", []string{"b"})
	if got := chain.Next("zz"); got != "zz" {
		t.Fatalf("Next(unknown) must return current, got %s", got)
	}
}

func TestChain_DropsDuplicatesOfPrimary(t *testing.T) {
	chain := model.NewChain("a", []string{"a", "b", "b", ""})
	want := []string{"a", "b"}
	if got := chain.Identities(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Identities() = %v, want %v", got, want)
	}
	// Primary equals its only fallback: substitution is stable.
	same := model.NewChain("a", []string{"a"})
	if got := same.Next("a"); got != "a" {
		t.Fatalf("expected no-op when chain collapses to one identity, got %s", got)
	}
}

func TestChain_Primary(t *testing.T) {
	chain := model.NewChain("a", nil)
	if got := chain.Primary(); got != "a" {
		t.Fatalf("Primary() = %s, want a", got)
	}
}
