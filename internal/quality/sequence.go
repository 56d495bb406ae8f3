package quality

import (
	"sync"
	"time"

	"github.com/rodoHasArrived/marketpulse/internal/schema"
)

// SequenceConfig tunes the sequence tracker.
type SequenceConfig struct {
	// GapThreshold is the largest forward jump still considered normal.
	GapThreshold int64
	// ResetThreshold is how far below lastSeq a value must fall to be
	// treated as a provider restart rather than an out-of-order delivery.
	ResetThreshold int64
	// RecentWindow bounds the ring of recently seen sequences per stream.
	RecentWindow int
}

// DefaultSequenceConfig matches Polygon's per-stream sequencing behavior.
func DefaultSequenceConfig() SequenceConfig {
	return SequenceConfig{
		GapThreshold:   1,
		ResetThreshold: 1000,
		RecentWindow:   1000,
	}
}

type seqKey struct {
	symbol   string
	kind     schema.EventKind
	streamID string
}

// seqStreamState is the per-stream tracking window. lastSeq starts at -1 so
// the first observed sequence always primes without error.
type seqStreamState struct {
	lastSeq     int64
	recentSet   map[int64]struct{}
	recentQueue []int64
	checked     int64
	byType      map[schema.SequenceErrorType]int64
}

func newSeqStreamState() *seqStreamState {
	return &seqStreamState{
		lastSeq:   -1,
		recentSet: make(map[int64]struct{}),
		byType:    make(map[schema.SequenceErrorType]int64),
	}
}

// SequenceTracker classifies per-stream sequence numbers into duplicate,
// reset, out-of-order, and gap errors. Classification order matters:
// duplicate wins over everything, reset over out-of-order.
type SequenceTracker struct {
	cfg       SequenceConfig
	listeners Listeners

	mu      sync.Mutex
	streams map[seqKey]*seqStreamState
	totals  map[schema.SequenceErrorType]int64
	checked int64
}

// NewSequenceTracker constructs a tracker.
func NewSequenceTracker(cfg SequenceConfig, listeners Listeners) *SequenceTracker {
	if cfg.GapThreshold <= 0 {
		cfg.GapThreshold = DefaultSequenceConfig().GapThreshold
	}
	if cfg.ResetThreshold <= 0 {
		cfg.ResetThreshold = DefaultSequenceConfig().ResetThreshold
	}
	if cfg.RecentWindow <= 0 {
		cfg.RecentWindow = DefaultSequenceConfig().RecentWindow
	}
	return &SequenceTracker{
		cfg:       cfg,
		listeners: listeners,
		streams:   make(map[seqKey]*seqStreamState),
		totals:    make(map[schema.SequenceErrorType]int64),
	}
}

// CheckSequence classifies one sequence number. It returns the detected error,
// or nil when the sequence advances normally. The recent-sequence ring is
// updated on every path, including error paths.
func (t *SequenceTracker) CheckSequence(symbol string, kind schema.EventKind, streamID string, seq int64, timestamp time.Time, provider string) *schema.SequenceError {
	symbol = schema.NormalizeSymbol(symbol)
	key := seqKey{symbol: symbol, kind: kind, streamID: streamID}

	t.mu.Lock()
	state, ok := t.streams[key]
	if !ok {
		state = newSeqStreamState()
		t.streams[key] = state
	}
	state.checked++
	t.checked++

	var detected *schema.SequenceError
	switch {
	case state.lastSeq == -1:
		state.lastSeq = seq
	case t.inRecent(state, seq):
		detected = t.errorLocked(state, key, schema.SeqErrDuplicate, seq, timestamp, provider, 0)
	case seq < state.lastSeq-t.cfg.ResetThreshold:
		detected = t.errorLocked(state, key, schema.SeqErrReset, seq, timestamp, provider, 0)
		state.lastSeq = seq
		state.recentSet = make(map[int64]struct{})
		state.recentQueue = state.recentQueue[:0]
	case seq < state.lastSeq:
		detected = t.errorLocked(state, key, schema.SeqErrOutOfOrder, seq, timestamp, provider, 0)
	case seq > state.lastSeq+t.cfg.GapThreshold:
		detected = t.errorLocked(state, key, schema.SeqErrGap, seq, timestamp, provider, seq-state.lastSeq-1)
		state.lastSeq = seq
	default:
		state.lastSeq = seq
	}
	t.rememberLocked(state, seq)
	t.mu.Unlock()

	if detected != nil {
		t.listeners.emitSequenceError(*detected)
	}
	return detected
}

func (t *SequenceTracker) errorLocked(state *seqStreamState, key seqKey, errType schema.SequenceErrorType, seq int64, timestamp time.Time, provider string, gapSize int64) *schema.SequenceError {
	state.byType[errType]++
	t.totals[errType]++
	return &schema.SequenceError{
		Timestamp:   timestamp,
		Symbol:      key.symbol,
		EventKind:   key.kind,
		ErrorType:   errType,
		ExpectedSeq: state.lastSeq + 1,
		ActualSeq:   seq,
		GapSize:     gapSize,
		StreamID:    key.streamID,
		Provider:    provider,
	}
}

func (t *SequenceTracker) inRecent(state *seqStreamState, seq int64) bool {
	_, ok := state.recentSet[seq]
	return ok
}

func (t *SequenceTracker) rememberLocked(state *seqStreamState, seq int64) {
	if _, ok := state.recentSet[seq]; ok {
		return
	}
	state.recentSet[seq] = struct{}{}
	state.recentQueue = append(state.recentQueue, seq)
	if len(state.recentQueue) > t.cfg.RecentWindow {
		evicted := state.recentQueue[0]
		state.recentQueue = state.recentQueue[1:]
		delete(state.recentSet, evicted)
	}
}

// GlobalCounters returns totals by error type plus the overall checked count.
func (t *SequenceTracker) GlobalCounters() (map[schema.SequenceErrorType]int64, int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[schema.SequenceErrorType]int64, len(t.totals))
	for k, v := range t.totals {
		out[k] = v
	}
	return out, t.checked
}

// SymbolSequenceSummary reports per-type counts and the error rate for one
// symbol across its streams.
type SymbolSequenceSummary struct {
	Symbol    string                               `json:"symbol"`
	Checked   int64                                `json:"checked"`
	ByType    map[schema.SequenceErrorType]int64   `json:"by_type"`
	ErrorRate float64                              `json:"error_rate"`
}

// SymbolSummary aggregates sequence statistics across all streams of a symbol.
func (t *SequenceTracker) SymbolSummary(symbol string) SymbolSequenceSummary {
	symbol = schema.NormalizeSymbol(symbol)
	summary := SymbolSequenceSummary{
		Symbol: symbol,
		ByType: make(map[schema.SequenceErrorType]int64),
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	var errors int64
	for key, state := range t.streams {
		if key.symbol != symbol {
			continue
		}
		summary.Checked += state.checked
		for errType, count := range state.byType {
			summary.ByType[errType] += count
			errors += count
		}
	}
	if summary.Checked > 0 {
		summary.ErrorRate = float64(errors) / float64(summary.Checked)
	}
	return summary
}

// Reset clears all stream state, preserving nothing. Used when a provider
// session restarts and sequence continuity is intentionally broken.
func (t *SequenceTracker) Reset() {
	t.mu.Lock()
	t.streams = make(map[seqKey]*seqStreamState)
	t.mu.Unlock()
}
