package backfill

import (
	"sort"
	"sync"
	"time"

	"github.com/rodoHasArrived/marketpulse/internal/schema"
)

// SymbolProgress accumulates backfill outcomes for one symbol.
type SymbolProgress struct {
	Symbol            string    `json:"symbol"`
	BarsRetrieved     int64     `json:"bars_retrieved"`
	RequestsCompleted int64     `json:"requests_completed"`
	RequestsFailed    int64     `json:"requests_failed"`
	LastFailureReason string    `json:"last_failure_reason,omitempty"`
	LastUpdated       time.Time `json:"last_updated"`
}

// ProgressTracker keeps per-symbol running totals of backfill outcomes.
type ProgressTracker struct {
	mu      sync.Mutex
	symbols map[string]*SymbolProgress
	clock   func() time.Time
}

// NewProgressTracker constructs an empty tracker. A nil clock uses time.Now.
func NewProgressTracker(clock func() time.Time) *ProgressTracker {
	if clock == nil {
		clock = time.Now
	}
	return &ProgressTracker{
		symbols: make(map[string]*SymbolProgress),
		clock:   clock,
	}
}

// RecordSuccess folds one completed request into the symbol's totals.
func (t *ProgressTracker) RecordSuccess(symbol string, bars int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.entryLocked(symbol)
	p.BarsRetrieved += int64(bars)
	p.RequestsCompleted++
	p.LastUpdated = t.clock()
}

// RecordFailure folds one failed request into the symbol's totals.
func (t *ProgressTracker) RecordFailure(symbol, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.entryLocked(symbol)
	p.RequestsFailed++
	p.LastFailureReason = reason
	p.LastUpdated = t.clock()
}

func (t *ProgressTracker) entryLocked(symbol string) *SymbolProgress {
	symbol = schema.NormalizeSymbol(symbol)
	p, ok := t.symbols[symbol]
	if !ok {
		p = &SymbolProgress{Symbol: symbol}
		t.symbols[symbol] = p
	}
	return p
}

// Progress returns the totals for one symbol.
func (t *ProgressTracker) Progress(symbol string) (SymbolProgress, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.symbols[schema.NormalizeSymbol(symbol)]
	if !ok {
		return SymbolProgress{}, false
	}
	return *p, true
}

// Snapshot returns every symbol's totals, sorted by symbol.
func (t *ProgressTracker) Snapshot() []SymbolProgress {
	t.mu.Lock()
	out := make([]SymbolProgress, 0, len(t.symbols))
	for _, p := range t.symbols {
		out = append(out, *p)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
