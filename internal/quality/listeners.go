// Package quality implements the per-symbol market data quality engine:
// gap detection, sequence tracking, completeness scoring, anomaly detection,
// latency accounting, SLA freshness monitoring, and their aggregation into
// dashboards and reports.
package quality

import (
	"sync"

	"github.com/rodoHasArrived/marketpulse/internal/observability"
	"github.com/rodoHasArrived/marketpulse/internal/schema"
)

// Listeners is the capability set a host passes to receive detector events.
// Callbacks are invoked synchronously from the detecting component; they must
// not block and must not assume any particular goroutine identity. Panics are
// caught and logged without disturbing detector state.
type Listeners struct {
	OnGap           func(schema.DataGap)
	OnAnomaly       func(schema.DataAnomaly)
	OnSequenceError func(schema.SequenceError)
	OnViolation     func(SLAViolation)
	OnRecovery      func(SLARecovery)
	OnMetrics       func(RealTimeMetrics)
}

func (l Listeners) emitGap(gap schema.DataGap) {
	if l.OnGap == nil {
		return
	}
	observability.Guard("gap", func() { l.OnGap(gap) })
}

func (l Listeners) emitAnomaly(anomaly schema.DataAnomaly) {
	if l.OnAnomaly == nil {
		return
	}
	observability.Guard("anomaly", func() { l.OnAnomaly(anomaly) })
}

func (l Listeners) emitSequenceError(seqErr schema.SequenceError) {
	if l.OnSequenceError == nil {
		return
	}
	observability.Guard("sequence", func() { l.OnSequenceError(seqErr) })
}

func (l Listeners) emitViolation(v SLAViolation) {
	if l.OnViolation == nil {
		return
	}
	observability.Guard("sla_violation", func() { l.OnViolation(v) })
}

func (l Listeners) emitRecovery(r SLARecovery) {
	if l.OnRecovery == nil {
		return
	}
	observability.Guard("sla_recovery", func() { l.OnRecovery(r) })
}

func (l Listeners) emitMetrics(m RealTimeMetrics) {
	if l.OnMetrics == nil {
		return
	}
	observability.Guard("metrics", func() { l.OnMetrics(m) })
}

// ProfileRegistry maps symbols to their registered liquidity profile.
// Unregistered symbols resolve to LiquidityHigh via schema.Thresholds.
type ProfileRegistry struct {
	mu       sync.RWMutex
	profiles map[string]schema.LiquidityProfile
}

// NewProfileRegistry constructs an empty registry.
func NewProfileRegistry() *ProfileRegistry {
	return &ProfileRegistry{profiles: make(map[string]schema.LiquidityProfile)}
}

// Register assigns the profile for a symbol.
func (r *ProfileRegistry) Register(symbol string, profile schema.LiquidityProfile) {
	symbol = schema.NormalizeSymbol(symbol)
	r.mu.Lock()
	r.profiles[symbol] = profile
	r.mu.Unlock()
}

// Profile returns the registered profile, defaulting to LiquidityHigh.
func (r *ProfileRegistry) Profile(symbol string) schema.LiquidityProfile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.profiles[schema.NormalizeSymbol(symbol)]; ok {
		return p
	}
	return schema.LiquidityHigh
}

// Thresholds resolves the detector thresholds for a symbol.
func (r *ProfileRegistry) Thresholds(symbol string) schema.LiquidityThresholds {
	return schema.Thresholds(r.Profile(symbol))
}
