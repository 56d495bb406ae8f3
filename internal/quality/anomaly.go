package quality

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rodoHasArrived/marketpulse/internal/schema"
)

// AnomalyConfig tunes statistical anomaly detection.
type AnomalyConfig struct {
	EnablePriceChecks  bool
	EnableSpreadChecks bool

	ZScoreThreshold             float64
	PriceSpikeThresholdPercent  float64
	RapidChangeWindow           time.Duration
	RapidChangeThresholdPercent float64
	VolumeSpikeMultiplier       float64
	VolumeDropMultiplier        float64

	AlertCooldown         time.Duration
	MaxSamples            int
	MaxAnomaliesPerSymbol int
	AnomalyRetention      time.Duration
	CooldownRetention     time.Duration
}

// DefaultAnomalyConfig carries thresholds tuned for US equities intraday flow.
func DefaultAnomalyConfig() AnomalyConfig {
	return AnomalyConfig{
		EnablePriceChecks:           true,
		EnableSpreadChecks:          true,
		ZScoreThreshold:             3,
		PriceSpikeThresholdPercent:  5,
		RapidChangeWindow:           5 * time.Second,
		RapidChangeThresholdPercent: 1,
		VolumeSpikeMultiplier:       10,
		VolumeDropMultiplier:        0.1,
		AlertCooldown:               60 * time.Second,
		MaxSamples:                  1000,
		MaxAnomaliesPerSymbol:       1000,
		AnomalyRetention:            7 * 24 * time.Hour,
		CooldownRetention:           time.Hour,
	}
}

// rollingStats keeps a bounded sample queue with incrementally maintained sum
// and sum-of-squares, so mean and stdev are O(1) on read.
type rollingStats struct {
	samples []float64
	head    int
	sum     float64
	sumSq   float64
	max     int
}

func newRollingStats(max int) *rollingStats {
	return &rollingStats{max: max}
}

func (r *rollingStats) push(v float64) {
	if len(r.samples) == r.max {
		old := r.samples[r.head]
		r.sum -= old
		r.sumSq -= old * old
		r.samples[r.head] = v
		r.head = (r.head + 1) % r.max
	} else {
		r.samples = append(r.samples, v)
	}
	r.sum += v
	r.sumSq += v * v
}

func (r *rollingStats) count() int { return len(r.samples) }

func (r *rollingStats) mean() float64 {
	if len(r.samples) == 0 {
		return 0
	}
	return r.sum / float64(len(r.samples))
}

func (r *rollingStats) stdev() float64 {
	n := float64(len(r.samples))
	if n < 2 {
		return 0
	}
	variance := (r.sumSq - r.sum*r.sum/n) / n
	if variance < 0 {
		variance = 0
	}
	return math.Sqrt(variance)
}

type symbolStats struct {
	prices  *rollingStats
	volumes *rollingStats

	lastPrice     float64
	lastPriceTime time.Time
	lastEventTime time.Time
	markedStale   bool
}

type cooldownKey struct {
	symbol string
	aType  schema.AnomalyType
}

// AnomalyDetector maintains per-symbol rolling price and volume statistics
// and flags values that deviate beyond configured thresholds.
type AnomalyDetector struct {
	cfg       AnomalyConfig
	profiles  *ProfileRegistry
	listeners Listeners
	clock     func() time.Time

	mu        sync.Mutex
	stats     map[string]*symbolStats
	anomalies map[string][]schema.DataAnomaly
	cooldowns map[cooldownKey]time.Time
	idDay     schema.SessionDate
	idCounter int64
	total     int64
}

// NewAnomalyDetector constructs a detector. A nil clock uses time.Now.
func NewAnomalyDetector(cfg AnomalyConfig, profiles *ProfileRegistry, listeners Listeners, clock func() time.Time) *AnomalyDetector {
	def := DefaultAnomalyConfig()
	if cfg.MaxSamples <= 0 {
		cfg.MaxSamples = def.MaxSamples
	}
	if cfg.MaxAnomaliesPerSymbol <= 0 {
		cfg.MaxAnomaliesPerSymbol = def.MaxAnomaliesPerSymbol
	}
	if cfg.AnomalyRetention <= 0 {
		cfg.AnomalyRetention = def.AnomalyRetention
	}
	if cfg.CooldownRetention <= 0 {
		cfg.CooldownRetention = def.CooldownRetention
	}
	if clock == nil {
		clock = time.Now
	}
	return &AnomalyDetector{
		cfg:       cfg,
		profiles:  profiles,
		listeners: listeners,
		clock:     clock,
		stats:     make(map[string]*symbolStats),
		anomalies: make(map[string][]schema.DataAnomaly),
		cooldowns: make(map[cooldownKey]time.Time),
	}
}

// ProcessTrade feeds one trade into the rolling statistics and emits any
// price or volume anomalies it reveals. Non-positive prices are rejected
// outright and contribute nothing to the statistics.
func (d *AnomalyDetector) ProcessTrade(symbol string, ts time.Time, price decimal.Decimal, volume int64, provider string) {
	if !price.IsPositive() {
		return
	}
	symbol = schema.NormalizeSymbol(symbol)
	p := price.InexactFloat64()
	thresholds := d.profiles.Thresholds(symbol)

	var emitted []schema.DataAnomaly
	d.mu.Lock()
	state := d.statsLocked(symbol)

	if d.cfg.EnablePriceChecks && state.prices.count() >= thresholds.MinSamplesForStatistics {
		mean := state.prices.mean()
		stdev := state.prices.stdev()
		if mean > 0 {
			devPct := math.Abs(p-mean) / mean * 100
			var z float64
			if stdev > 0 {
				z = (p - mean) / stdev
			}
			if math.Abs(z) > d.cfg.ZScoreThreshold || devPct > d.cfg.PriceSpikeThresholdPercent {
				aType := schema.AnomalyPriceSpike
				if p < mean {
					aType = schema.AnomalyPriceDrop
				}
				severity := schema.SeverityWarning
				if devPct > 2*d.cfg.PriceSpikeThresholdPercent {
					severity = schema.SeverityCritical
				} else if devPct > d.cfg.PriceSpikeThresholdPercent {
					severity = schema.SeverityError
				}
				if a, ok := d.recordLocked(symbol, ts, aType, severity, provider,
					fmt.Sprintf("price %s deviates %.2f%% from rolling mean (z=%.2f)", price, devPct, z),
					decimal.NewFromFloat(mean), price, devPct, z); ok {
					emitted = append(emitted, a)
				}
			}
		}
	}

	if d.cfg.EnablePriceChecks && state.lastPrice > 0 && ts.Sub(state.lastPriceTime) <= d.cfg.RapidChangeWindow {
		changePct := (p - state.lastPrice) / state.lastPrice * 100
		if math.Abs(changePct) > d.cfg.RapidChangeThresholdPercent {
			if a, ok := d.recordLocked(symbol, ts, schema.AnomalyRapidChange, schema.SeverityWarning, provider,
				fmt.Sprintf("price moved %.2f%% within %s", changePct, d.cfg.RapidChangeWindow),
				decimal.NewFromFloat(state.lastPrice), price, math.Abs(changePct), 0); ok {
				emitted = append(emitted, a)
			}
		}
	}

	if volume > 0 && state.volumes.count() >= thresholds.MinSamplesForStatistics {
		meanVol := state.volumes.mean()
		if meanVol > 0 {
			mult := float64(volume) / meanVol
			if mult > d.cfg.VolumeSpikeMultiplier {
				severity := schema.SeverityWarning
				if mult > 2*d.cfg.VolumeSpikeMultiplier {
					severity = schema.SeverityError
				}
				if a, ok := d.recordLocked(symbol, ts, schema.AnomalyVolumeSpike, severity, provider,
					fmt.Sprintf("volume %d is %.1fx the rolling mean", volume, mult),
					decimal.NewFromFloat(meanVol), decimal.NewFromInt(volume), (mult-1)*100, 0); ok {
					emitted = append(emitted, a)
				}
			} else if mult < d.cfg.VolumeDropMultiplier {
				severity := schema.SeverityWarning
				if mult < d.cfg.VolumeDropMultiplier/2 {
					severity = schema.SeverityError
				}
				if a, ok := d.recordLocked(symbol, ts, schema.AnomalyVolumeDrop, severity, provider,
					fmt.Sprintf("volume %d is %.2fx the rolling mean", volume, mult),
					decimal.NewFromFloat(meanVol), decimal.NewFromInt(volume), (1-mult)*100, 0); ok {
					emitted = append(emitted, a)
				}
			}
		}
	}

	state.prices.push(p)
	if volume > 0 {
		state.volumes.push(float64(volume))
	}
	state.lastPrice = p
	state.lastPriceTime = ts
	state.lastEventTime = ts
	state.markedStale = false
	d.mu.Unlock()

	for _, a := range emitted {
		d.listeners.emitAnomaly(a)
	}
}

// ProcessQuote validates one quote. A crossed market (bid above ask) is an
// error-level anomaly; a wide spread is a warning. Well-formed quotes feed
// their mid-price into the symbol's rolling price series.
func (d *AnomalyDetector) ProcessQuote(symbol string, ts time.Time, bid, ask decimal.Decimal, provider string) {
	symbol = schema.NormalizeSymbol(symbol)
	thresholds := d.profiles.Thresholds(symbol)

	var emitted []schema.DataAnomaly
	d.mu.Lock()
	state := d.statsLocked(symbol)

	if bid.GreaterThan(ask) {
		if a, ok := d.recordLocked(symbol, ts, schema.AnomalyCrossedMarket, schema.SeverityError, provider,
			fmt.Sprintf("bid %s above ask %s", bid, ask), ask, bid, 0, 0); ok {
			emitted = append(emitted, a)
		}
	} else {
		mid := bid.Add(ask).Div(decimal.NewFromInt(2))
		if d.cfg.EnableSpreadChecks && mid.IsPositive() && state.prices.count() >= thresholds.MinSamplesForStatistics {
			spreadPct, _ := ask.Sub(bid).Div(mid).Mul(decimal.NewFromInt(100)).Float64()
			spreadThresholdPct := thresholds.SpreadThresholdBps / 100
			if spreadPct > spreadThresholdPct {
				if a, ok := d.recordLocked(symbol, ts, schema.AnomalySpreadWide, schema.SeverityWarning, provider,
					fmt.Sprintf("spread %.2f%% exceeds %.2f%%", spreadPct, spreadThresholdPct),
					bid, ask, spreadPct, 0); ok {
					emitted = append(emitted, a)
				}
			}
		}
		if mid.IsPositive() {
			state.prices.push(mid.InexactFloat64())
		}
	}
	state.lastEventTime = ts
	state.markedStale = false
	d.mu.Unlock()

	for _, a := range emitted {
		d.listeners.emitAnomaly(a)
	}
}

// CheckStaleSymbols scans every tracked symbol and flags those silent longer
// than their liquidity-derived staleness threshold. Callers run it on a
// 10-second tick. Any subsequent event clears the stale mark.
func (d *AnomalyDetector) CheckStaleSymbols(now time.Time) {
	var emitted []schema.DataAnomaly
	d.mu.Lock()
	for symbol, state := range d.stats {
		if state.markedStale || state.lastEventTime.IsZero() {
			continue
		}
		threshold := d.profiles.Thresholds(symbol).StaleDataThreshold
		age := now.Sub(state.lastEventTime)
		if age <= threshold {
			continue
		}
		state.markedStale = true
		if a, ok := d.recordLocked(symbol, now, schema.AnomalyStaleData, schema.SeverityWarning, "",
			fmt.Sprintf("no events for %s (threshold %s)", age.Truncate(time.Second), threshold),
			decimal.Zero, decimal.Zero, 0, 0); ok {
			emitted = append(emitted, a)
		}
	}
	d.mu.Unlock()

	for _, a := range emitted {
		d.listeners.emitAnomaly(a)
	}
}

// recordLocked applies cooldown suppression, assigns the per-day id, and
// appends to the bounded per-symbol history. The bool result reports whether
// the anomaly survived suppression.
func (d *AnomalyDetector) recordLocked(symbol string, ts time.Time, aType schema.AnomalyType, severity schema.AnomalySeverity, provider, description string, expected, actual decimal.Decimal, devPct, z float64) (schema.DataAnomaly, bool) {
	key := cooldownKey{symbol: symbol, aType: aType}
	now := d.clock()
	if last, ok := d.cooldowns[key]; ok && now.Sub(last) < d.cfg.AlertCooldown {
		return schema.DataAnomaly{}, false
	}
	d.cooldowns[key] = now

	anomaly := schema.DataAnomaly{
		ID:               d.nextIDLocked(ts),
		Timestamp:        ts,
		Symbol:           symbol,
		Type:             aType,
		Severity:         severity,
		Description:      description,
		Expected:         expected,
		Actual:           actual,
		DeviationPercent: devPct,
		ZScore:           z,
		Provider:         provider,
	}
	list := append(d.anomalies[symbol], anomaly)
	if len(list) > d.cfg.MaxAnomaliesPerSymbol {
		list = list[len(list)-d.cfg.MaxAnomaliesPerSymbol:]
	}
	d.anomalies[symbol] = list
	d.total++
	return anomaly, true
}

// nextIDLocked issues ANM-YYYYMMDD-NNNNNN ids, monotonic within a day. The
// counter restarts at each day boundary; uniqueness is scoped per day.
func (d *AnomalyDetector) nextIDLocked(ts time.Time) string {
	day := schema.DateOf(ts)
	if day != d.idDay {
		d.idDay = day
		d.idCounter = 0
	}
	d.idCounter++
	return fmt.Sprintf("ANM-%04d%02d%02d-%06d", day.Year, day.Month, day.Day, d.idCounter)
}

func (d *AnomalyDetector) statsLocked(symbol string) *symbolStats {
	state, ok := d.stats[symbol]
	if !ok {
		state = &symbolStats{
			prices:  newRollingStats(d.cfg.MaxSamples),
			volumes: newRollingStats(d.cfg.MaxSamples),
		}
		d.stats[symbol] = state
	}
	return state
}

// AnomaliesForSymbol returns the retained anomalies for a symbol, oldest
// first.
func (d *AnomalyDetector) AnomaliesForSymbol(symbol string) []schema.DataAnomaly {
	symbol = schema.NormalizeSymbol(symbol)
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]schema.DataAnomaly, len(d.anomalies[symbol]))
	copy(out, d.anomalies[symbol])
	return out
}

// RecentAnomalies returns the n most recent anomalies across all symbols.
func (d *AnomalyDetector) RecentAnomalies(n int) []schema.DataAnomaly {
	d.mu.Lock()
	var all []schema.DataAnomaly
	for _, list := range d.anomalies {
		all = append(all, list...)
	}
	d.mu.Unlock()
	sort.Slice(all, func(i, j int) bool { return all[i].Timestamp.After(all[j].Timestamp) })
	if n > 0 && len(all) > n {
		all = all[:n]
	}
	return all
}

// AnomaliesForDate returns retained anomalies whose timestamp falls on the
// session date, oldest first.
func (d *AnomalyDetector) AnomaliesForDate(date schema.SessionDate) []schema.DataAnomaly {
	d.mu.Lock()
	var out []schema.DataAnomaly
	for _, list := range d.anomalies {
		for _, a := range list {
			if schema.DateOf(a.Timestamp) == date {
				out = append(out, a)
			}
		}
	}
	d.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// Acknowledge marks an anomaly as seen by an operator.
func (d *AnomalyDetector) Acknowledge(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for symbol, list := range d.anomalies {
		for i := range list {
			if list[i].ID == id {
				list[i].Acknowledged = true
				d.anomalies[symbol] = list
				return true
			}
		}
	}
	return false
}

// TotalDetected returns the number of anomalies detected since start,
// including those since evicted from the bounded histories.
func (d *AnomalyDetector) TotalDetected() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.total
}

// Cleanup drops anomalies past the retention horizon and cooldown entries
// older than the cooldown retention.
func (d *AnomalyDetector) Cleanup(now time.Time) {
	anomalyCutoff := now.Add(-d.cfg.AnomalyRetention)
	cooldownCutoff := now.Add(-d.cfg.CooldownRetention)
	d.mu.Lock()
	defer d.mu.Unlock()
	for symbol, list := range d.anomalies {
		kept := list[:0]
		for _, a := range list {
			if a.Timestamp.After(anomalyCutoff) {
				kept = append(kept, a)
			}
		}
		if len(kept) == 0 {
			delete(d.anomalies, symbol)
		} else {
			d.anomalies[symbol] = kept
		}
	}
	for key, last := range d.cooldowns {
		if last.Before(cooldownCutoff) {
			delete(d.cooldowns, key)
		}
	}
}
