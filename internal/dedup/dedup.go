// Package dedup rejects near-duplicate task submissions against a sliding
// window of recently scheduled descriptions.
package dedup

import (
	"strings"
	"sync"
	"time"
	"unicode"
)

// Decision is the outcome of a duplicate check.
type Decision struct {
	Allowed   bool
	SimilarTo string  // task id of the closest prior entry when rejected
	Score     float64 // similarity against that entry
}

// Scorer computes similarity between two descriptions in [0,1].
type Scorer interface {
	Score(a, b string) float64
}

// JaccardScorer compares lexical token sets. Fast and deterministic; a
// semantic scorer can be swapped in behind the same interface.
type JaccardScorer struct{}

func (JaccardScorer) Score(a, b string) float64 {
	ta := tokenSet(a)
	tb := tokenSet(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	inter := 0
	for tok := range ta {
		if _, ok := tb[tok]; ok {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	return float64(inter) / float64(union)
}

func tokenSet(s string) map[string]struct{} {
	out := make(map[string]struct{})
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	for _, f := range fields {
		out[f] = struct{}{}
	}
	return out
}

type record struct {
	taskID      string
	description string
	createdAt   time.Time
}

// Gate holds the sliding window. Entries age out by count and by time.
type Gate struct {
	mu        sync.Mutex
	window    []record
	scorer    Scorer
	threshold float64
	maxSize   int
	maxAge    time.Duration
	now       func() time.Time
}

// Option tweaks gate construction.
type Option func(*Gate)

func WithScorer(s Scorer) Option            { return func(g *Gate) { g.scorer = s } }
func WithMaxSize(n int) Option              { return func(g *Gate) { g.maxSize = n } }
func WithMaxAge(d time.Duration) Option     { return func(g *Gate) { g.maxAge = d } }
func WithClock(now func() time.Time) Option { return func(g *Gate) { g.now = now } }

// New builds a gate. threshold <= 0 disables rejection entirely.
func New(threshold float64, opts ...Option) *Gate {
	g := &Gate{
		scorer:    JaccardScorer{},
		threshold: threshold,
		maxSize:   200,
		maxAge:    30 * time.Minute,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Check scores the description against the window. Allowed submissions are
// recorded under their task id by a later Record call; Check itself does not
// mutate the window beyond pruning.
func (g *Gate) Check(description string) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.pruneLocked()
	if g.threshold <= 0 {
		return Decision{Allowed: true}
	}

	best := Decision{Allowed: true}
	for _, rec := range g.window {
		score := g.scorer.Score(description, rec.description)
		if score > best.Score {
			best.Score = score
			best.SimilarTo = rec.taskID
		}
	}
	if best.Score >= g.threshold {
		best.Allowed = false
	}
	return best
}

// Record adds an accepted submission to the window.
func (g *Gate) Record(taskID, description string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.window = append(g.window, record{taskID: taskID, description: description, createdAt: g.now()})
	g.pruneLocked()
}

// Size returns the current window length.
func (g *Gate) Size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.window)
}

func (g *Gate) pruneLocked() {
	cutoff := g.now().Add(-g.maxAge)
	// Entries are appended in time order; find the first still-fresh one.
	i := 0
	for i < len(g.window) && g.window[i].createdAt.Before(cutoff) {
		i++
	}
	if i > 0 {
		g.window = append(g.window[:0], g.window[i:]...)
	}
	if over := len(g.window) - g.maxSize; over > 0 {
		g.window = append(g.window[:0], g.window[over:]...)
	}
}
