package pricing_test

import (
	"context"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Cyber-41/ouroboros-free/internal/pricing"
)

func TestCost_StaticTable(t *testing.T) {
	table := pricing.New("", nil)

	// claude-sonnet-4 is 3.00 in / 15.00 out per million tokens.
	cost, err := table.Cost(context.Background(), "anthropic/claude-sonnet-4", 1_000_000, 1_000_000)
	if err != nil {
		t.Fatalf("cost: %v", err)
	}
	if math.Abs(cost-18.0) > 1e-9 {
		t.Fatalf("expected 18.00 for a million tokens each way, got %f", cost)
	}

	cost, err = table.Cost(context.Background(), "anthropic/claude-sonnet-4", 100_000, 50_000)
	if err != nil {
		t.Fatalf("cost: %v", err)
	}
	if math.Abs(cost-(0.3+0.75)) > 1e-9 {
		t.Fatalf("expected 1.05, got %f", cost)
	}
}

func TestCost_UnknownIdentityUsesConservativeDefault(t *testing.T) {
	table := pricing.New("", nil)

	cost, err := table.Cost(context.Background(), "someone/new-model", 1_000_000, 1_000_000)
	if err != nil {
		t.Fatalf("cost: %v", err)
	}
	// The default (15/75) is priced above every static entry.
	if math.Abs(cost-90.0) > 1e-9 {
		t.Fatalf("expected default pricing 90.00, got %f", cost)
	}
	if table.Known("someone/new-model") {
		t.Fatalf("default pricing must not create a table entry")
	}
}

func TestCost_ZeroUsageIsFree(t *testing.T) {
	table := pricing.New("", nil)
	cost, err := table.Cost(context.Background(), "anthropic/claude-sonnet-4", 0, 0)
	if err != nil {
		t.Fatalf("cost: %v", err)
	}
	if cost != 0 {
		t.Fatalf("expected zero cost, got %f", cost)
	}
}

func TestLiveRefresh_MergesOverStatic(t *testing.T) {
	// The live list quotes USD per token as decimal strings.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[
			{"id":"anthropic/claude-sonnet-4","pricing":{"prompt":"0.000004","completion":"0.00002"}},
			{"id":"vendor/fresh-model","pricing":{"prompt":"0.000001","completion":"0.000002"}},
			{"id":"vendor/broken","pricing":{"prompt":"n/a","completion":"0.1"}}
		]}`))
	}))
	defer srv.Close()

	table := pricing.New(srv.URL, nil)
	ctx := context.Background()

	// Live entry overrides the static 3/15 with 4/20.
	cost, err := table.Cost(ctx, "anthropic/claude-sonnet-4", 1_000_000, 1_000_000)
	if err != nil {
		t.Fatalf("cost: %v", err)
	}
	if math.Abs(cost-24.0) > 1e-9 {
		t.Fatalf("expected merged live price 24.00, got %f", cost)
	}

	// A model the static table never heard of is now priced.
	if !table.Known("vendor/fresh-model") {
		t.Fatalf("expected live entry for vendor/fresh-model")
	}
	cost, err = table.Cost(ctx, "vendor/fresh-model", 1_000_000, 1_000_000)
	if err != nil {
		t.Fatalf("cost: %v", err)
	}
	if math.Abs(cost-3.0) > 1e-9 {
		t.Fatalf("expected 3.00, got %f", cost)
	}

	// Unparseable entries are skipped, not imported as garbage.
	if table.Known("vendor/broken") {
		t.Fatalf("expected broken entry skipped")
	}
}

func TestLiveRefresh_FailureKeepsStaticTable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	table := pricing.New(srv.URL, nil)
	cost, err := table.Cost(context.Background(), "anthropic/claude-sonnet-4", 1_000_000, 0)
	if err != nil {
		t.Fatalf("cost: %v", err)
	}
	if math.Abs(cost-3.0) > 1e-9 {
		t.Fatalf("expected static price to survive a failed refresh, got %f", cost)
	}
}

func TestLiveRefresh_FetchedAtMostOncePerInterval(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		_, _ = w.Write([]byte(`{"data":[{"id":"vendor/x","pricing":{"prompt":"0.000001","completion":"0.000001"}}]}`))
	}))
	defer srv.Close()

	table := pricing.New(srv.URL, nil)
	table.SetRefreshInterval(time.Hour)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := table.Cost(ctx, "vendor/x", 10, 10); err != nil {
			t.Fatalf("cost: %v", err)
		}
	}
	if hits != 1 {
		t.Fatalf("expected a single fetch within the interval, got %d", hits)
	}
}

func TestEmptyListURLDisablesRefresh(t *testing.T) {
	table := pricing.New("", nil)
	// Must not attempt any network call; a hang or error here would fail fast.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := table.Cost(ctx, "openai/gpt-4o", 1000, 1000); err != nil {
		t.Fatalf("cost: %v", err)
	}
}
