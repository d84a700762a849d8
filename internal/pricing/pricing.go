// Package pricing converts model token usage into USD cost. A static table
// ships with the binary; a live price list is fetched lazily over HTTP and
// merged on top, with the static entries as the fallback when the fetch
// fails or a model is missing from the response.
package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Price is USD per one million tokens.
type Price struct {
	InputPerM  float64
	OutputPerM float64
}

// staticPrices covers the identities the daemon is normally configured with.
// Values are deliberately on the high side so cost estimates stay conservative
// when the live list is unavailable.
var staticPrices = map[string]Price{
	"anthropic/claude-sonnet-4":  {InputPerM: 3.00, OutputPerM: 15.00},
	"anthropic/claude-opus-4":    {InputPerM: 15.00, OutputPerM: 75.00},
	"anthropic/claude-haiku-3.5": {InputPerM: 0.80, OutputPerM: 4.00},
	"openai/gpt-4o":              {InputPerM: 2.50, OutputPerM: 10.00},
	"openai/gpt-4o-mini":         {InputPerM: 0.15, OutputPerM: 0.60},
	"google/gemini-2.5-pro":      {InputPerM: 1.25, OutputPerM: 10.00},
	"google/gemini-2.5-flash":    {InputPerM: 0.30, OutputPerM: 2.50},
	"deepseek/deepseek-chat":     {InputPerM: 0.27, OutputPerM: 1.10},
}

// defaultPrice is used for unknown identities; unknown should cost more than
// a wrong cheap guess.
var defaultPrice = Price{InputPerM: 15.00, OutputPerM: 75.00}

const (
	defaultListURL      = "https://openrouter.ai/api/v1/models"
	defaultFetchTimeout = 10 * time.Second
)

// Table prices usage. The live list is fetched at most once per refresh
// interval, guarded by a mutex that is never held across the HTTP call.
type Table struct {
	mu       sync.Mutex
	prices   map[string]Price
	fetched  bool
	fetchAt  time.Time
	listURL  string
	client   *http.Client
	logger   *slog.Logger
	interval time.Duration
}

// New builds a Table with the static entries loaded. listURL may be empty to
// disable live refresh entirely.
func New(listURL string, logger *slog.Logger) *Table {
	prices := make(map[string]Price, len(staticPrices))
	for k, v := range staticPrices {
		prices[k] = v
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Table{
		prices:   prices,
		listURL:  listURL,
		client:   &http.Client{Timeout: defaultFetchTimeout},
		logger:   logger,
		interval: time.Hour,
	}
}

// Cost prices a single round's token usage for the given identity. The first
// call (and the first call after each refresh interval) triggers a live fetch;
// the fetch happens outside the price map lock.
func (t *Table) Cost(ctx context.Context, identity string, inTokens, outTokens int) (float64, error) {
	t.maybeRefresh(ctx)

	t.mu.Lock()
	price, ok := t.prices[identity]
	t.mu.Unlock()
	if !ok {
		price = defaultPrice
	}
	cost := float64(inTokens)/1e6*price.InputPerM + float64(outTokens)/1e6*price.OutputPerM
	if cost < 0 {
		return 0, fmt.Errorf("negative cost for %s: in=%d out=%d", identity, inTokens, outTokens)
	}
	return cost, nil
}

// SetRefreshInterval overrides the hourly default. Non-positive values are
// ignored.
func (t *Table) SetRefreshInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	t.mu.Lock()
	t.interval = d
	t.mu.Unlock()
}

// Known reports whether an identity has a static or live price entry.
func (t *Table) Known(identity string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.prices[identity]
	return ok
}

func (t *Table) maybeRefresh(ctx context.Context) {
	t.mu.Lock()
	if t.listURL == "" || (t.fetched && time.Since(t.fetchAt) < t.interval) {
		t.mu.Unlock()
		return
	}
	// Claim the refresh slot before releasing the lock so concurrent callers
	// don't stack up fetches; a failed fetch retries next interval.
	t.fetched = true
	t.fetchAt = time.Now()
	url := t.listURL
	t.mu.Unlock()

	live, err := t.fetchPrices(ctx, url)
	if err != nil {
		t.logger.Warn("pricing: live refresh failed, keeping cached table", "error", err)
		return
	}

	t.mu.Lock()
	for identity, price := range live {
		t.prices[identity] = price
	}
	t.mu.Unlock()
	t.logger.Info("pricing: live table merged", "models", len(live))
}

type listResponse struct {
	Data []struct {
		ID      string `json:"id"`
		Pricing struct {
			Prompt     string `json:"prompt"`
			Completion string `json:"completion"`
		} `json:"pricing"`
	} `json:"data"`
}

func (t *Table) fetchPrices(ctx context.Context, url string) (map[string]Price, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build price request: %w", err)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch price list: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("price list status %d", resp.StatusCode)
	}

	var list listResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decode price list: %w", err)
	}

	out := make(map[string]Price, len(list.Data))
	for _, m := range list.Data {
		// The list quotes USD per token as decimal strings.
		in, err1 := strconv.ParseFloat(m.Pricing.Prompt, 64)
		outp, err2 := strconv.ParseFloat(m.Pricing.Completion, 64)
		if err1 != nil || err2 != nil || in < 0 || outp < 0 {
			continue
		}
		out[m.ID] = Price{InputPerM: in * 1e6, OutputPerM: outp * 1e6}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("price list empty")
	}
	return out, nil
}
