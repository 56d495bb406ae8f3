package quality

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rodoHasArrived/marketpulse/internal/schema"
)

// CompletenessConfig tunes the completeness calculator.
type CompletenessConfig struct {
	Market        schema.MarketHours
	RetentionDays int
}

// DefaultCompletenessConfig keeps a week of per-day state.
func DefaultCompletenessConfig() CompletenessConfig {
	return CompletenessConfig{
		Market:        schema.DefaultMarketHours(),
		RetentionDays: 7,
	}
}

type completenessKey struct {
	symbol string
	date   schema.SessionDate
}

type dayState struct {
	eventCount     int64
	coveredMinutes map[int]struct{}
	firstEvent     time.Time
	lastEvent      time.Time
}

// CompletenessCalculator blends event-count and minute-coverage measures into
// a per-(symbol, session date) score and letter grade.
type CompletenessCalculator struct {
	cfg      CompletenessConfig
	profiles *ProfileRegistry

	mu        sync.Mutex
	days      map[completenessKey]*dayState
	overrides map[string]float64
}

// NewCompletenessCalculator constructs a calculator.
func NewCompletenessCalculator(cfg CompletenessConfig, profiles *ProfileRegistry) *CompletenessCalculator {
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = DefaultCompletenessConfig().RetentionDays
	}
	return &CompletenessCalculator{
		cfg:       cfg,
		profiles:  profiles,
		days:      make(map[completenessKey]*dayState),
		overrides: make(map[string]float64),
	}
}

// SetExpectedEventsPerHour overrides the liquidity-derived expectation for a
// symbol. A non-positive rate removes the override.
func (c *CompletenessCalculator) SetExpectedEventsPerHour(symbol string, rate float64) {
	symbol = schema.NormalizeSymbol(symbol)
	c.mu.Lock()
	if rate > 0 {
		c.overrides[symbol] = rate
	} else {
		delete(c.overrides, symbol)
	}
	c.mu.Unlock()
}

// RecordEvent counts one event toward the symbol's session-date state and
// marks its minute-of-day as covered.
func (c *CompletenessCalculator) RecordEvent(symbol string, timestamp time.Time, kind schema.EventKind) {
	symbol = schema.NormalizeSymbol(symbol)
	key := completenessKey{symbol: symbol, date: schema.DateOf(timestamp)}
	minute := timestamp.UTC().Hour()*60 + timestamp.UTC().Minute()

	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.days[key]
	if !ok {
		state = &dayState{coveredMinutes: make(map[int]struct{})}
		c.days[key] = state
	}
	state.eventCount++
	state.coveredMinutes[minute] = struct{}{}
	if state.firstEvent.IsZero() || timestamp.Before(state.firstEvent) {
		state.firstEvent = timestamp
	}
	if timestamp.After(state.lastEvent) {
		state.lastEvent = timestamp
	}
}

// CalculateScore computes the blended completeness score for a symbol on a
// session date. It is a pure read; missing state yields a zero score with
// grade F.
func (c *CompletenessCalculator) CalculateScore(symbol string, date schema.SessionDate) schema.CompletenessScore {
	symbol = schema.NormalizeSymbol(symbol)
	expectedRate := c.expectedRate(symbol)
	market := c.cfg.Market
	tradingHours := market.TradingDuration().Hours()
	marketMinutes := market.TradingMinutes()

	score := schema.CompletenessScore{
		Symbol:          symbol,
		Date:            date,
		TradingDuration: market.TradingDuration(),
		ExpectedEvents:  int64(math.Round(tradingHours * expectedRate)),
	}

	c.mu.Lock()
	state, ok := c.days[completenessKey{symbol: symbol, date: date}]
	var actual int64
	var coveredInMarket int
	if ok {
		actual = state.eventCount
		for minute := range state.coveredMinutes {
			if market.MinuteWithinSession(minute) {
				coveredInMarket++
			}
		}
	}
	c.mu.Unlock()

	score.ActualEvents = actual
	score.CoveredDuration = time.Duration(coveredInMarket) * time.Minute

	var eventScore float64
	if score.ExpectedEvents > 0 {
		eventScore = math.Min(1, float64(actual)/float64(score.ExpectedEvents))
	} else if actual > 0 {
		eventScore = 1
	}
	var coverageScore float64
	if marketMinutes > 0 {
		coverageScore = float64(coveredInMarket) / float64(marketMinutes)
	}
	score.CoveragePercent = round4(coverageScore * 100)
	score.Score = round4(0.7*eventScore + 0.3*coverageScore)
	score.Grade = schema.GradeFor(score.Score)
	return score
}

// ScoresForDate computes scores for every symbol with recorded state on the
// given session date, sorted by symbol.
func (c *CompletenessCalculator) ScoresForDate(date schema.SessionDate) []schema.CompletenessScore {
	c.mu.Lock()
	var symbols []string
	for key := range c.days {
		if key.date == date {
			symbols = append(symbols, key.symbol)
		}
	}
	c.mu.Unlock()
	sort.Strings(symbols)

	out := make([]schema.CompletenessScore, 0, len(symbols))
	for _, symbol := range symbols {
		out = append(out, c.CalculateScore(symbol, date))
	}
	return out
}

// Cleanup drops per-day state older than the retention horizon. Callers run
// it on a daily tick.
func (c *CompletenessCalculator) Cleanup(now time.Time) {
	cutoff := schema.DateOf(now).AddDays(-c.cfg.RetentionDays)
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.days {
		if key.date.Before(cutoff) {
			delete(c.days, key)
		}
	}
}

func (c *CompletenessCalculator) expectedRate(symbol string) float64 {
	c.mu.Lock()
	override, ok := c.overrides[symbol]
	c.mu.Unlock()
	if ok {
		return override
	}
	return c.profiles.Thresholds(symbol).ExpectedEventsPerHour
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
