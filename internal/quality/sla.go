package quality

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rodoHasArrived/marketpulse/internal/observability"
	"github.com/rodoHasArrived/marketpulse/internal/schema"
)

// SLAState is the freshness state of one monitored symbol.
type SLAState int

const (
	// SLANoData means the symbol has never delivered an event.
	SLANoData SLAState = iota
	// SLAHealthy means the last event is within the threshold.
	SLAHealthy
	// SLAWarning means the last event is past 70% of the threshold.
	SLAWarning
	// SLAViolated means the last event is past the threshold.
	SLAViolated
	// SLAOutsideMarketHours means checks are paused while the market is closed.
	SLAOutsideMarketHours
)

var slaStateNames = [...]string{"no_data", "healthy", "warning", "violation", "outside_market_hours"}

func (s SLAState) String() string {
	if s < SLANoData || s > SLAOutsideMarketHours {
		return "unknown"
	}
	return slaStateNames[s]
}

// MarshalJSON encodes the state as its lowercase name.
func (s SLAState) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// SLAViolation reports a symbol crossing its freshness threshold.
type SLAViolation struct {
	Symbol         string        `json:"symbol"`
	Timestamp      time.Time     `json:"timestamp"`
	LastEvent      time.Time     `json:"last_event"`
	Age            time.Duration `json:"age_ns"`
	Threshold      time.Duration `json:"threshold_ns"`
	ViolationCount int64         `json:"violation_count"`
}

// SLARecovery reports data resuming after a violation.
type SLARecovery struct {
	Symbol            string        `json:"symbol"`
	Timestamp         time.Time     `json:"timestamp"`
	ViolationDuration time.Duration `json:"violation_duration_ns"`
}

// SLAConfig tunes the freshness monitor.
type SLAConfig struct {
	Market                 schema.MarketHours
	CheckInterval          time.Duration
	DefaultThreshold       time.Duration
	AlertCooldown          time.Duration
	SkipOutsideMarketHours bool
}

// DefaultSLAConfig checks every 10 seconds with a 60s default threshold.
func DefaultSLAConfig() SLAConfig {
	return SLAConfig{
		Market:                 schema.DefaultMarketHours(),
		CheckInterval:          10 * time.Second,
		DefaultThreshold:       60 * time.Second,
		AlertCooldown:          300 * time.Second,
		SkipOutsideMarketHours: true,
	}
}

type slaSymbolState struct {
	lastEvent      time.Time
	state          SLAState
	violationCount int64
	lastAlert      time.Time
	violationSince time.Time
}

// SLAMonitor tracks per-symbol event freshness against liquidity-aware
// thresholds and emits violation and recovery events on state transitions.
type SLAMonitor struct {
	cfg       SLAConfig
	profiles  *ProfileRegistry
	listeners Listeners
	clock     func() time.Time

	mu        sync.Mutex
	symbols   map[string]*slaSymbolState
	overrides map[string]time.Duration
}

// NewSLAMonitor constructs a monitor. A nil clock uses time.Now.
func NewSLAMonitor(cfg SLAConfig, profiles *ProfileRegistry, listeners Listeners, clock func() time.Time) *SLAMonitor {
	def := DefaultSLAConfig()
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	if cfg.DefaultThreshold <= 0 {
		cfg.DefaultThreshold = def.DefaultThreshold
	}
	if cfg.AlertCooldown <= 0 {
		cfg.AlertCooldown = def.AlertCooldown
	}
	if clock == nil {
		clock = time.Now
	}
	return &SLAMonitor{
		cfg:       cfg,
		profiles:  profiles,
		listeners: listeners,
		clock:     clock,
		symbols:   make(map[string]*slaSymbolState),
		overrides: make(map[string]time.Duration),
	}
}

// SetThreshold installs an explicit per-symbol freshness threshold, which
// takes precedence over the liquidity-derived one. Non-positive removes it.
func (m *SLAMonitor) SetThreshold(symbol string, threshold time.Duration) {
	symbol = schema.NormalizeSymbol(symbol)
	m.mu.Lock()
	if threshold > 0 {
		m.overrides[symbol] = threshold
	} else {
		delete(m.overrides, symbol)
	}
	m.mu.Unlock()
}

// Track registers a symbol for monitoring without recording an event; it
// starts in the no-data state.
func (m *SLAMonitor) Track(symbol string) {
	symbol = schema.NormalizeSymbol(symbol)
	m.mu.Lock()
	if _, ok := m.symbols[symbol]; !ok {
		m.symbols[symbol] = &slaSymbolState{state: SLANoData}
	}
	m.mu.Unlock()
}

// RecordEvent marks fresh data for a symbol. If the symbol was in violation,
// a recovery event is emitted carrying the violation duration.
func (m *SLAMonitor) RecordEvent(symbol string, timestamp time.Time) {
	symbol = schema.NormalizeSymbol(symbol)
	var recovery *SLARecovery
	m.mu.Lock()
	state, ok := m.symbols[symbol]
	if !ok {
		state = &slaSymbolState{}
		m.symbols[symbol] = state
	}
	state.lastEvent = timestamp
	if state.state == SLAViolated {
		recovery = &SLARecovery{
			Symbol:            symbol,
			Timestamp:         timestamp,
			ViolationDuration: timestamp.Sub(state.violationSince),
		}
	}
	state.state = SLAHealthy
	m.mu.Unlock()

	if recovery != nil {
		m.listeners.emitRecovery(*recovery)
	}
}

// CheckNow evaluates every tracked symbol once. Violation events fire only on
// the transition into the violated state and honor the alert cooldown.
func (m *SLAMonitor) CheckNow(now time.Time) {
	marketOpen := m.cfg.Market.IsOpen(now)
	if m.cfg.SkipOutsideMarketHours && !marketOpen {
		return
	}

	var violations []SLAViolation
	m.mu.Lock()
	for symbol, state := range m.symbols {
		if state.lastEvent.IsZero() {
			continue
		}
		threshold := m.thresholdLocked(symbol)
		age := now.Sub(state.lastEvent)

		var desired SLAState
		switch {
		case age > threshold:
			desired = SLAViolated
		case float64(age) > 0.7*float64(threshold):
			desired = SLAWarning
		case !marketOpen:
			desired = SLAOutsideMarketHours
		default:
			desired = SLAHealthy
		}

		if desired == SLAViolated && state.state != SLAViolated {
			state.violationCount++
			state.violationSince = now
			if now.Sub(state.lastAlert) >= m.cfg.AlertCooldown {
				state.lastAlert = now
				violations = append(violations, SLAViolation{
					Symbol:         symbol,
					Timestamp:      now,
					LastEvent:      state.lastEvent,
					Age:            age,
					Threshold:      threshold,
					ViolationCount: state.violationCount,
				})
			}
		}
		state.state = desired
	}
	m.mu.Unlock()

	for _, v := range violations {
		m.listeners.emitViolation(v)
	}
}

// Run drives checks on the configured interval until the context ends.
func (m *SLAMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()
	observability.Log().Debug("sla monitor started",
		observability.Field{Key: "interval", Value: m.cfg.CheckInterval.String()})
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckNow(m.clock())
		}
	}
}

// SLASymbolStatus is the queryable view of one symbol's freshness.
type SLASymbolStatus struct {
	Symbol         string        `json:"symbol"`
	State          SLAState      `json:"state"`
	LastEvent      time.Time     `json:"last_event"`
	Threshold      time.Duration `json:"threshold_ns"`
	ViolationCount int64         `json:"violation_count"`
}

// Statuses snapshots every tracked symbol, sorted by symbol.
func (m *SLAMonitor) Statuses() []SLASymbolStatus {
	m.mu.Lock()
	out := make([]SLASymbolStatus, 0, len(m.symbols))
	for symbol, state := range m.symbols {
		out = append(out, SLASymbolStatus{
			Symbol:         symbol,
			State:          state.state,
			LastEvent:      state.lastEvent,
			Threshold:      m.thresholdLocked(symbol),
			ViolationCount: state.violationCount,
		})
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// thresholdLocked resolves explicit override, then liquidity-derived
// freshness, then the global default.
func (m *SLAMonitor) thresholdLocked(symbol string) time.Duration {
	if t, ok := m.overrides[symbol]; ok {
		return t
	}
	if t := m.profiles.Thresholds(symbol).FreshnessThreshold; t > 0 {
		return t
	}
	return m.cfg.DefaultThreshold
}
