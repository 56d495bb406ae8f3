package quality

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rodoHasArrived/marketpulse/internal/schema"
)

// GapConfig tunes gap detection and the session timeline builder.
type GapConfig struct {
	Market               schema.MarketHours
	IncludeExtendedHours bool
	PreMarketHours       float64
	AfterHoursHours      float64
	MaxGapsPerSymbol     int
	RetentionDays        int
}

// DefaultGapConfig mirrors a US equities extended session.
func DefaultGapConfig() GapConfig {
	return GapConfig{
		Market:               schema.DefaultMarketHours(),
		IncludeExtendedHours: true,
		PreMarketHours:       5.5,
		AfterHoursHours:      4,
		MaxGapsPerSymbol:     200,
		RetentionDays:        7,
	}
}

type gapKey struct {
	symbol string
	kind   schema.EventKind
}

type gapStreamState struct {
	lastEvent  time.Time
	lastSeq    uint64
	hasSeq     bool
	eventCount int64
}

// GapAnalyzer detects per-(symbol,kind) time gaps between consecutive events
// and keeps a bounded, queryable gap history.
type GapAnalyzer struct {
	cfg       GapConfig
	profiles  *ProfileRegistry
	listeners Listeners

	mu     sync.Mutex
	states map[gapKey]*gapStreamState
	gaps   map[gapKey][]schema.DataGap
	total  int64
}

// NewGapAnalyzer constructs a gap analyzer.
func NewGapAnalyzer(cfg GapConfig, profiles *ProfileRegistry, listeners Listeners) *GapAnalyzer {
	if cfg.MaxGapsPerSymbol <= 0 {
		cfg.MaxGapsPerSymbol = DefaultGapConfig().MaxGapsPerSymbol
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = DefaultGapConfig().RetentionDays
	}
	return &GapAnalyzer{
		cfg:       cfg,
		profiles:  profiles,
		listeners: listeners,
		states:    make(map[gapKey]*gapStreamState),
		gaps:      make(map[gapKey][]schema.DataGap),
	}
}

// RecordEvent observes one event arrival. A gap is emitted when the delta to
// the previous event meets the profile's gap threshold; the first event for a
// stream only primes state.
func (g *GapAnalyzer) RecordEvent(symbol string, kind schema.EventKind, timestamp time.Time, sequence uint64) {
	symbol = schema.NormalizeSymbol(symbol)
	key := gapKey{symbol: symbol, kind: kind}
	profile := g.profiles.Profile(symbol)
	thresholds := schema.Thresholds(profile)

	g.mu.Lock()
	state, ok := g.states[key]
	if !ok {
		g.states[key] = &gapStreamState{
			lastEvent:  timestamp,
			lastSeq:    sequence,
			hasSeq:     sequence > 0,
			eventCount: 1,
		}
		g.mu.Unlock()
		return
	}

	delta := timestamp.Sub(state.lastEvent)
	var detected *schema.DataGap
	if delta >= thresholds.GapThreshold && thresholds.GapThreshold > 0 {
		gap := g.buildGapLocked(key, state, timestamp, sequence, delta, profile, thresholds)
		g.appendGapLocked(key, gap)
		detected = &gap
	}

	state.lastEvent = timestamp
	if sequence > 0 {
		state.lastSeq = sequence
		state.hasSeq = true
	}
	state.eventCount++
	g.mu.Unlock()

	if detected != nil {
		g.listeners.emitGap(*detected)
	}
}

func (g *GapAnalyzer) buildGapLocked(key gapKey, state *gapStreamState, now time.Time, seq uint64, delta time.Duration, profile schema.LiquidityProfile, thresholds schema.LiquidityThresholds) schema.DataGap {
	estimated := int64(math.Floor(delta.Hours() * thresholds.ExpectedEventsPerHour))
	gap := schema.DataGap{
		Symbol:                key.symbol,
		EventKind:             key.kind,
		GapStart:              state.lastEvent,
		GapEnd:                now,
		Duration:              delta,
		EstimatedMissedEvents: estimated,
		Severity:              schema.ClassifyGapSeverity(delta, profile),
		PossibleCause:         g.inferCause(state.lastEvent, now, delta, profile, thresholds),
		Profile:               profile,
	}
	if state.hasSeq {
		gap.MissedSeqStart = state.lastSeq + 1
		if seq > 0 {
			gap.MissedSeqEnd = seq
		} else if estimated > 0 {
			gap.MissedSeqEnd = state.lastSeq + uint64(estimated)
		}
	}
	g.total++
	return gap
}

// inferCause applies the closed rule set for labelling a gap. The rules are
// heuristics for the dashboard; they never affect severity.
func (g *GapAnalyzer) inferCause(start, end time.Time, delta time.Duration, profile schema.LiquidityProfile, thresholds schema.LiquidityThresholds) string {
	if g.isOvernight(start, end) {
		return "Market closed overnight"
	}
	illiquid := profile == schema.LiquidityLow || profile == schema.LiquidityVeryLow || profile == schema.LiquidityMinimal
	if illiquid && delta <= 3*thresholds.GapThreshold {
		return "Normal quiet period for illiquid instrument"
	}
	if delta >= 30*time.Minute && delta <= 120*time.Minute {
		return "Possible connection interruption"
	}
	return "Unknown cause - investigate provider"
}

// isOvernight reports whether the gap plausibly spans a session close: it
// starts in the hour leading into (or any time after) the close and ends
// within an hour of a later day's open.
func (g *GapAnalyzer) isOvernight(start, end time.Time) bool {
	if schema.DateOf(end) == schema.DateOf(start) {
		return false
	}
	m := g.cfg.Market
	startMinute := start.UTC().Hour()*60 + start.UTC().Minute()
	endMinute := end.UTC().Hour()*60 + end.UTC().Minute()
	return startMinute >= m.CloseMinuteUTC-60 && endMinute <= m.OpenMinuteUTC+60
}

func (g *GapAnalyzer) appendGapLocked(key gapKey, gap schema.DataGap) {
	list := append(g.gaps[key], gap)
	if len(list) > g.cfg.MaxGapsPerSymbol {
		list = list[len(list)-g.cfg.MaxGapsPerSymbol:]
	}
	g.gaps[key] = list
}

// Cleanup drops gaps and stream state older than the retention horizon.
// Callers run it on an hourly tick.
func (g *GapAnalyzer) Cleanup(now time.Time) {
	cutoff := now.Add(-time.Duration(g.cfg.RetentionDays) * 24 * time.Hour)
	g.mu.Lock()
	defer g.mu.Unlock()
	for key, list := range g.gaps {
		kept := list[:0]
		for _, gap := range list {
			if gap.GapEnd.After(cutoff) {
				kept = append(kept, gap)
			}
		}
		if len(kept) == 0 {
			delete(g.gaps, key)
		} else {
			g.gaps[key] = kept
		}
	}
	for key, state := range g.states {
		if state.lastEvent.Before(cutoff) {
			delete(g.states, key)
		}
	}
}

// GapsForSymbol returns all retained gaps for a symbol on a session date.
func (g *GapAnalyzer) GapsForSymbol(symbol string, date schema.SessionDate) []schema.DataGap {
	symbol = schema.NormalizeSymbol(symbol)
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []schema.DataGap
	for key, list := range g.gaps {
		if key.symbol != symbol {
			continue
		}
		for _, gap := range list {
			if schema.DateOf(gap.GapStart) == date || schema.DateOf(gap.GapEnd) == date {
				out = append(out, gap)
			}
		}
	}
	sortGapsByStart(out)
	return out
}

// GapsForDate returns all retained gaps touching the session date.
func (g *GapAnalyzer) GapsForDate(date schema.SessionDate) []schema.DataGap {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []schema.DataGap
	for _, list := range g.gaps {
		for _, gap := range list {
			if schema.DateOf(gap.GapStart) == date || schema.DateOf(gap.GapEnd) == date {
				out = append(out, gap)
			}
		}
	}
	sortGapsByStart(out)
	return out
}

// RecentGaps returns the n most recent gaps across all streams.
func (g *GapAnalyzer) RecentGaps(n int) []schema.DataGap {
	g.mu.Lock()
	var all []schema.DataGap
	for _, list := range g.gaps {
		all = append(all, list...)
	}
	g.mu.Unlock()
	sort.Slice(all, func(i, j int) bool { return all[i].GapEnd.After(all[j].GapEnd) })
	if n > 0 && len(all) > n {
		all = all[:n]
	}
	return all
}

// GapStatistics aggregates retained gaps for reporting.
type GapStatistics struct {
	TotalGaps       int                        `json:"total_gaps"`
	AverageDuration time.Duration              `json:"average_duration_ns"`
	MinDuration     time.Duration              `json:"min_duration_ns"`
	MaxDuration     time.Duration              `json:"max_duration_ns"`
	BySeverity      map[string]int             `json:"by_severity"`
	TopSymbols      []SymbolGapCount           `json:"top_symbols"`
}

// SymbolGapCount pairs a symbol with its retained gap count.
type SymbolGapCount struct {
	Symbol string `json:"symbol"`
	Count  int    `json:"count"`
}

// Statistics computes aggregate gap statistics over the retained history.
// topN bounds the affected-symbol leaderboard.
func (g *GapAnalyzer) Statistics(topN int) GapStatistics {
	g.mu.Lock()
	defer g.mu.Unlock()

	stats := GapStatistics{BySeverity: make(map[string]int)}
	perSymbol := make(map[string]int)
	var totalDur time.Duration
	for key, list := range g.gaps {
		for _, gap := range list {
			stats.TotalGaps++
			totalDur += gap.Duration
			if stats.MinDuration == 0 || gap.Duration < stats.MinDuration {
				stats.MinDuration = gap.Duration
			}
			if gap.Duration > stats.MaxDuration {
				stats.MaxDuration = gap.Duration
			}
			stats.BySeverity[gap.Severity.String()]++
			perSymbol[key.symbol]++
		}
	}
	if stats.TotalGaps > 0 {
		stats.AverageDuration = totalDur / time.Duration(stats.TotalGaps)
	}
	for symbol, count := range perSymbol {
		stats.TopSymbols = append(stats.TopSymbols, SymbolGapCount{Symbol: symbol, Count: count})
	}
	sort.Slice(stats.TopSymbols, func(i, j int) bool {
		if stats.TopSymbols[i].Count != stats.TopSymbols[j].Count {
			return stats.TopSymbols[i].Count > stats.TopSymbols[j].Count
		}
		return stats.TopSymbols[i].Symbol < stats.TopSymbols[j].Symbol
	})
	if topN > 0 && len(stats.TopSymbols) > topN {
		stats.TopSymbols = stats.TopSymbols[:topN]
	}
	return stats
}

func sortGapsByStart(gaps []schema.DataGap) {
	sort.Slice(gaps, func(i, j int) bool { return gaps[i].GapStart.Before(gaps[j].GapStart) })
}

// SegmentKind types one stretch of the session timeline.
type SegmentKind string

const (
	// SegmentPreMarket covers the extended window before the open.
	SegmentPreMarket SegmentKind = "pre_market"
	// SegmentDataPresent covers a stretch with observed data.
	SegmentDataPresent SegmentKind = "data_present"
	// SegmentGap covers a detected data gap.
	SegmentGap SegmentKind = "gap"
	// SegmentAfterHours covers the extended window after the close.
	SegmentAfterHours SegmentKind = "after_hours"
)

// TimelineSegment is one stretch of a session-date visualization timeline.
type TimelineSegment struct {
	Kind            SegmentKind   `json:"kind"`
	Start           time.Time     `json:"start"`
	End             time.Time     `json:"end"`
	Duration        time.Duration `json:"duration_ns"`
	EstimatedEvents int64         `json:"estimated_events,omitempty"`
}

// SessionTimeline builds the ordered segment sequence covering the extended
// trading window of one symbol on one session date: pre-market, alternating
// data-present and gap stretches inside regular hours, then after-hours.
// DataPresent event counts are estimates from the symbol's expected rate.
func (g *GapAnalyzer) SessionTimeline(symbol string, date schema.SessionDate) []TimelineSegment {
	symbol = schema.NormalizeSymbol(symbol)
	rate := g.profiles.Thresholds(symbol).ExpectedEventsPerHour
	open := g.cfg.Market.OpenAt(date)
	close := g.cfg.Market.CloseAt(date)

	var segments []TimelineSegment
	if g.cfg.IncludeExtendedHours && g.cfg.PreMarketHours > 0 {
		preStart := open.Add(-time.Duration(g.cfg.PreMarketHours * float64(time.Hour)))
		segments = append(segments, segment(SegmentPreMarket, preStart, open, 0))
	}

	cursor := open
	for _, gap := range g.GapsForSymbol(symbol, date) {
		start, end := clamp(gap.GapStart, open, close), clamp(gap.GapEnd, open, close)
		if !end.After(start) {
			continue
		}
		if start.After(cursor) {
			segments = append(segments, segment(SegmentDataPresent, cursor, start, rate))
		}
		segments = append(segments, segment(SegmentGap, start, end, 0))
		if end.After(cursor) {
			cursor = end
		}
	}
	if close.After(cursor) {
		segments = append(segments, segment(SegmentDataPresent, cursor, close, rate))
	}

	if g.cfg.IncludeExtendedHours && g.cfg.AfterHoursHours > 0 {
		afterEnd := close.Add(time.Duration(g.cfg.AfterHoursHours * float64(time.Hour)))
		segments = append(segments, segment(SegmentAfterHours, close, afterEnd, 0))
	}
	return segments
}

func segment(kind SegmentKind, start, end time.Time, rate float64) TimelineSegment {
	s := TimelineSegment{
		Kind:     kind,
		Start:    start,
		End:      end,
		Duration: end.Sub(start),
	}
	if kind == SegmentDataPresent {
		s.EstimatedEvents = int64(math.Floor(end.Sub(start).Hours() * rate))
	}
	return s
}

func clamp(t, lo, hi time.Time) time.Time {
	if t.Before(lo) {
		return lo
	}
	if t.After(hi) {
		return hi
	}
	return t
}
