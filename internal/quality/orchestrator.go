package quality

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/rodoHasArrived/marketpulse/internal/observability"
	"github.com/rodoHasArrived/marketpulse/internal/schema"
)

// MetricsSink supplies the externally measured ingest rate.
type MetricsSink interface {
	EventsPerSecond() float64
}

// RealTimeMetrics is the dashboard snapshot emitted on the metrics listener.
type RealTimeMetrics struct {
	Timestamp              time.Time             `json:"timestamp"`
	ActiveSymbols          int                   `json:"active_symbols"`
	OverallHealthScore     float64               `json:"overall_health_score"`
	EventsPerSecond        float64               `json:"events_per_second"`
	GapsLast5Min           int                   `json:"gaps_last_5min"`
	SequenceErrorsLast5Min int                   `json:"sequence_errors_last_5min"`
	AnomaliesLast5Min      int                   `json:"anomalies_last_5min"`
	AverageLatencyMs       float64               `json:"average_latency_ms"`
	SymbolsWithIssues      int                   `json:"symbols_with_issues"`
	TopSymbols             []schema.SymbolHealth `json:"top_symbols"`
}

// Dashboard is the full pull-model view for the host's HTTP or CLI surface.
type Dashboard struct {
	GeneratedAt     time.Time            `json:"generated_at"`
	Metrics         RealTimeMetrics      `json:"metrics"`
	RecentGaps      []schema.DataGap     `json:"recent_gaps"`
	RecentAnomalies []schema.DataAnomaly `json:"recent_anomalies"`
	SLA             []SLASymbolStatus    `json:"sla"`
}

// OrchestratorConfig tunes the orchestrator's sweeps and snapshot shape.
type OrchestratorConfig struct {
	MetricsInterval  time.Duration
	StaleCheckEvery  time.Duration
	CleanupEvery     time.Duration
	TopSymbolsInView int
	RollingWindow    time.Duration
}

// DefaultOrchestratorConfig emits metrics every 5 seconds and caps the
// dashboard leaderboard at 50 symbols.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		MetricsInterval:  5 * time.Second,
		StaleCheckEvery:  10 * time.Second,
		CleanupEvery:     time.Hour,
		TopSymbolsInView: 50,
		RollingWindow:    5 * time.Minute,
	}
}

type flaggedIssue struct {
	state schema.HealthState
	issue string
}

// Orchestrator is the single fan-in entrypoint: every ingested event is
// forwarded to the detectors, and their verdicts roll up into the per-symbol
// health map and periodic dashboard snapshots.
type Orchestrator struct {
	cfg      OrchestratorConfig
	profiles *ProfileRegistry
	host     Listeners
	sink     MetricsSink
	clock    func() time.Time

	Gaps         *GapAnalyzer
	Sequences    *SequenceTracker
	Completeness *CompletenessCalculator
	Anomalies    *AnomalyDetector
	Latency      *LatencyHistogram
	SLA          *SLAMonitor
	Reports      *ReportGenerator

	mu           sync.Mutex
	health       map[string]*schema.SymbolHealth
	flagged      map[string]flaggedIssue
	gapTimes     []time.Time
	seqErrTimes  []time.Time
	anomalyTimes []time.Time
	dropped      int64
}

// OrchestratorOption adjusts construction.
type OrchestratorOption func(*Orchestrator)

// WithMetricsSink installs the ingest-rate source.
func WithMetricsSink(sink MetricsSink) OrchestratorOption {
	return func(o *Orchestrator) { o.sink = sink }
}

// WithOrchestratorClock overrides the wall clock, primarily for tests.
func WithOrchestratorClock(clock func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// NewOrchestrator builds the orchestrator and its owned detector instances.
// The host listener set receives every detector event after the orchestrator
// has folded it into the health map.
func NewOrchestrator(cfg OrchestratorConfig, gapCfg GapConfig, seqCfg SequenceConfig, compCfg CompletenessConfig, anomCfg AnomalyConfig, slaCfg SLAConfig, host Listeners, opts ...OrchestratorOption) *Orchestrator {
	def := DefaultOrchestratorConfig()
	if cfg.MetricsInterval <= 0 {
		cfg.MetricsInterval = def.MetricsInterval
	}
	if cfg.StaleCheckEvery <= 0 {
		cfg.StaleCheckEvery = def.StaleCheckEvery
	}
	if cfg.CleanupEvery <= 0 {
		cfg.CleanupEvery = def.CleanupEvery
	}
	if cfg.TopSymbolsInView <= 0 {
		cfg.TopSymbolsInView = def.TopSymbolsInView
	}
	if cfg.RollingWindow <= 0 {
		cfg.RollingWindow = def.RollingWindow
	}

	o := &Orchestrator{
		cfg:      cfg,
		profiles: NewProfileRegistry(),
		host:     host,
		clock:    time.Now,
		health:   make(map[string]*schema.SymbolHealth),
		flagged:  make(map[string]flaggedIssue),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}

	// The detectors publish through the orchestrator's interceptors so the
	// health map is updated before the host sees each event.
	intercepted := Listeners{
		OnGap:           o.onGap,
		OnAnomaly:       o.onAnomaly,
		OnSequenceError: o.onSequenceError,
		OnViolation:     o.onViolation,
		OnRecovery:      o.onRecovery,
	}
	o.Gaps = NewGapAnalyzer(gapCfg, o.profiles, intercepted)
	o.Sequences = NewSequenceTracker(seqCfg, intercepted)
	o.Completeness = NewCompletenessCalculator(compCfg, o.profiles)
	o.Anomalies = NewAnomalyDetector(anomCfg, o.profiles, intercepted, o.clock)
	o.Latency = NewLatencyHistogram()
	o.SLA = NewSLAMonitor(slaCfg, o.profiles, intercepted, o.clock)
	o.Reports = NewReportGenerator(o.Gaps, o.Sequences, o.Completeness, o.Anomalies, o.Latency, o.SLA, o.clock)
	return o
}

// RegisterSymbolLiquidity assigns a symbol's liquidity profile, which scales
// every detector threshold for it.
func (o *Orchestrator) RegisterSymbolLiquidity(symbol string, profile schema.LiquidityProfile) {
	o.profiles.Register(symbol, profile)
	o.SLA.Track(symbol)
}

// ProcessTrade fans one trade out to every detector, then folds the result
// into the symbol's health entry.
func (o *Orchestrator) ProcessTrade(trade schema.TradeEvent) {
	symbol := schema.NormalizeSymbol(trade.Symbol)
	o.Gaps.RecordEvent(symbol, schema.KindTrades, trade.Timestamp, trade.Sequence)
	if trade.Sequence > 0 {
		o.Sequences.CheckSequence(symbol, schema.KindTrades, trade.Provider, int64(trade.Sequence), trade.Timestamp, trade.Provider)
	}
	o.Completeness.RecordEvent(symbol, trade.Timestamp, schema.KindTrades)
	o.Anomalies.ProcessTrade(symbol, trade.Timestamp, trade.Price, trade.Volume, trade.Provider)
	if trade.LatencyMs > 0 {
		o.Latency.RecordLatency(symbol, trade.Provider, trade.LatencyMs)
	}
	o.SLA.RecordEvent(symbol, trade.Timestamp)
	o.settleHealth(symbol)
}

// ProcessQuote fans one quote out to the quote-aware detectors.
func (o *Orchestrator) ProcessQuote(quote schema.QuoteEvent) {
	symbol := schema.NormalizeSymbol(quote.Symbol)
	o.Gaps.RecordEvent(symbol, schema.KindQuotes, quote.Timestamp, 0)
	o.Completeness.RecordEvent(symbol, quote.Timestamp, schema.KindQuotes)
	o.Anomalies.ProcessQuote(symbol, quote.Timestamp, quote.BidPrice, quote.AskPrice, quote.Provider)
	if quote.LatencyMs > 0 {
		o.Latency.RecordLatency(symbol, quote.Provider, quote.LatencyMs)
	}
	o.SLA.RecordEvent(symbol, quote.Timestamp)
	o.settleHealth(symbol)
}

// ProcessAggregate validates and ingests one bar. Invalid bars are dropped
// and counted; they never reach the detectors.
func (o *Orchestrator) ProcessAggregate(bar schema.AggregateBar) {
	if err := bar.Validate(); err != nil {
		o.mu.Lock()
		o.dropped++
		o.mu.Unlock()
		observability.Log().Debug("dropped invalid aggregate",
			observability.Field{Key: "symbol", Value: bar.Symbol},
			observability.Field{Key: "reason", Value: err.Error()})
		return
	}
	symbol := schema.NormalizeSymbol(bar.Symbol)
	o.Gaps.RecordEvent(symbol, schema.KindAggregates, bar.EndTime, bar.Sequence)
	o.Completeness.RecordEvent(symbol, bar.EndTime, schema.KindAggregates)
	o.SLA.RecordEvent(symbol, bar.EndTime)
	o.settleHealth(symbol)
}

// settleHealth consumes any issue flagged by detector callbacks during the
// current event and applies the corresponding health transition; with no
// flag, the event counts as healthy.
func (o *Orchestrator) settleHealth(symbol string) {
	o.mu.Lock()
	flag, ok := o.flagged[symbol]
	if ok {
		delete(o.flagged, symbol)
	}
	o.mu.Unlock()
	if ok {
		o.UpdateHealth(symbol, flag.state, flag.issue)
		return
	}
	o.UpdateHealth(symbol, schema.HealthHealthy, "")
}

// UpdateHealth upserts the symbol's health entry. Issues are deduplicated and
// capped to the most recent five; a healthy event clears the issue list
// unless the entry was still unknown.
func (o *Orchestrator) UpdateHealth(symbol string, state schema.HealthState, issue string) {
	now := o.clock()
	o.mu.Lock()
	defer o.mu.Unlock()

	entry, ok := o.health[symbol]
	if !ok {
		entry = &schema.SymbolHealth{
			Symbol:    symbol,
			State:     state,
			Score:     scoreForState(state),
			LastEvent: now,
		}
		if issue != "" {
			entry.ActiveIssues = []string{issue}
		}
		o.health[symbol] = entry
		return
	}

	if issue != "" {
		entry.ActiveIssues = appendIssue(entry.ActiveIssues, issue)
	}
	if state == schema.HealthHealthy {
		if entry.State != schema.HealthUnknown {
			entry.ActiveIssues = nil
		}
		entry.State = schema.HealthHealthy
	} else {
		entry.State = state
	}
	entry.Score = scoreForState(entry.State)
	entry.LastEvent = now
	entry.TimeSinceLastEvent = 0
}

// appendIssue dedupes and keeps the most recent MaxActiveIssues entries in
// insertion order.
func appendIssue(issues []string, issue string) []string {
	for _, existing := range issues {
		if existing == issue {
			return issues
		}
	}
	issues = append(issues, issue)
	if len(issues) > schema.MaxActiveIssues {
		issues = issues[len(issues)-schema.MaxActiveIssues:]
	}
	return issues
}

func scoreForState(state schema.HealthState) float64 {
	switch state {
	case schema.HealthHealthy:
		return 1.0
	case schema.HealthDegraded:
		return 0.5
	case schema.HealthStale:
		return 0.25
	default:
		return 0.0
	}
}

// GetSymbolHealth returns a copy of one symbol's health entry.
func (o *Orchestrator) GetSymbolHealth(symbol string) (schema.SymbolHealth, bool) {
	symbol = schema.NormalizeSymbol(symbol)
	o.mu.Lock()
	defer o.mu.Unlock()
	entry, ok := o.health[symbol]
	if !ok {
		return schema.SymbolHealth{}, false
	}
	return copyHealth(entry, o.clock()), true
}

// GetUnhealthySymbols returns every symbol whose state is not healthy,
// sorted by symbol.
func (o *Orchestrator) GetUnhealthySymbols() []schema.SymbolHealth {
	now := o.clock()
	o.mu.Lock()
	var out []schema.SymbolHealth
	for _, entry := range o.health {
		if entry.State != schema.HealthHealthy {
			out = append(out, copyHealth(entry, now))
		}
	}
	o.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// GetRealTimeMetrics assembles the dashboard snapshot.
func (o *Orchestrator) GetRealTimeMetrics() RealTimeMetrics {
	now := o.clock()
	latency := o.Latency.GetStatistics()

	o.mu.Lock()
	cutoff := now.Add(-o.cfg.RollingWindow)
	o.gapTimes = pruneTimes(o.gapTimes, cutoff)
	o.seqErrTimes = pruneTimes(o.seqErrTimes, cutoff)
	o.anomalyTimes = pruneTimes(o.anomalyTimes, cutoff)

	m := RealTimeMetrics{
		Timestamp:              now,
		ActiveSymbols:          len(o.health),
		GapsLast5Min:           len(o.gapTimes),
		SequenceErrorsLast5Min: len(o.seqErrTimes),
		AnomaliesLast5Min:      len(o.anomalyTimes),
		AverageLatencyMs:       latency.MeanMs,
	}

	var healthy, degraded int
	entries := make([]schema.SymbolHealth, 0, len(o.health))
	for _, entry := range o.health {
		view := copyHealth(entry, now)
		entries = append(entries, view)
		switch entry.State {
		case schema.HealthHealthy:
			healthy++
		case schema.HealthDegraded:
			degraded++
		}
		if len(entry.ActiveIssues) > 0 {
			m.SymbolsWithIssues++
		}
	}
	o.mu.Unlock()

	if len(entries) > 0 {
		m.OverallHealthScore = round4((float64(healthy) + 0.5*float64(degraded)) / float64(len(entries)))
	}
	if o.sink != nil {
		m.EventsPerSecond = o.sink.EventsPerSecond()
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].State != entries[j].State {
			return entries[i].State < entries[j].State
		}
		return entries[i].TimeSinceLastEvent > entries[j].TimeSinceLastEvent
	})
	if len(entries) > o.cfg.TopSymbolsInView {
		entries = entries[:o.cfg.TopSymbolsInView]
	}
	m.TopSymbols = entries
	return m
}

// GetDashboard assembles the full pull-model view.
func (o *Orchestrator) GetDashboard() Dashboard {
	return Dashboard{
		GeneratedAt:     o.clock(),
		Metrics:         o.GetRealTimeMetrics(),
		RecentGaps:      o.Gaps.RecentGaps(20),
		RecentAnomalies: o.Anomalies.RecentAnomalies(20),
		SLA:             o.SLA.Statuses(),
	}
}

// DroppedEvents reports how many malformed events were rejected at ingest.
func (o *Orchestrator) DroppedEvents() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dropped
}

// Run drives the periodic sweeps until the context ends: metrics snapshots,
// stale-symbol checks, SLA checks, and retention cleanup.
func (o *Orchestrator) Run(ctx context.Context) error {
	p := pool.New().WithContext(ctx)
	p.Go(func(ctx context.Context) error {
		ticker := time.NewTicker(o.cfg.MetricsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				o.sweepStale()
				o.host.emitMetrics(o.GetRealTimeMetrics())
			}
		}
	})
	p.Go(func(ctx context.Context) error {
		ticker := time.NewTicker(o.cfg.StaleCheckEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				o.Anomalies.CheckStaleSymbols(o.clock())
			}
		}
	})
	p.Go(func(ctx context.Context) error {
		ticker := time.NewTicker(o.cfg.CleanupEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				now := o.clock()
				o.Gaps.Cleanup(now)
				o.Anomalies.Cleanup(now)
				o.Completeness.Cleanup(now)
			}
		}
	})
	p.Go(func(ctx context.Context) error {
		o.SLA.Run(ctx)
		return nil
	})
	return p.Wait()
}

// sweepStale refreshes timeSinceLastEvent for every entry and promotes
// silent symbols to the stale state.
func (o *Orchestrator) sweepStale() {
	now := o.clock()
	o.mu.Lock()
	defer o.mu.Unlock()
	for symbol, entry := range o.health {
		if entry.LastEvent.IsZero() {
			continue
		}
		entry.TimeSinceLastEvent = now.Sub(entry.LastEvent)
		threshold := o.profiles.Thresholds(symbol).StaleDataThreshold
		if entry.TimeSinceLastEvent > threshold && entry.State != schema.HealthStale {
			entry.State = schema.HealthStale
			entry.Score = scoreForState(schema.HealthStale)
			entry.ActiveIssues = appendIssue(entry.ActiveIssues, "No recent data")
		}
	}
}

func (o *Orchestrator) onGap(gap schema.DataGap) {
	o.mu.Lock()
	o.gapTimes = append(o.gapTimes, o.clock())
	state := schema.HealthDegraded
	if gap.Severity >= schema.GapMajor {
		state = schema.HealthUnhealthy
	}
	o.flagged[gap.Symbol] = flaggedIssue{
		state: state,
		issue: fmt.Sprintf("Data gap: %s (%s)", gap.Duration.Truncate(time.Second), gap.Severity),
	}
	o.mu.Unlock()
	o.host.emitGap(gap)
}

func (o *Orchestrator) onAnomaly(anomaly schema.DataAnomaly) {
	o.mu.Lock()
	o.anomalyTimes = append(o.anomalyTimes, o.clock())
	state := schema.HealthDegraded
	if anomaly.Severity >= schema.SeverityCritical {
		state = schema.HealthUnhealthy
	}
	o.flagged[anomaly.Symbol] = flaggedIssue{
		state: state,
		issue: fmt.Sprintf("Anomaly: %s", anomaly.Type),
	}
	o.mu.Unlock()
	o.host.emitAnomaly(anomaly)
}

func (o *Orchestrator) onSequenceError(seqErr schema.SequenceError) {
	o.mu.Lock()
	o.seqErrTimes = append(o.seqErrTimes, o.clock())
	o.flagged[seqErr.Symbol] = flaggedIssue{
		state: schema.HealthDegraded,
		issue: fmt.Sprintf("Sequence %s", seqErr.ErrorType),
	}
	o.mu.Unlock()
	o.host.emitSequenceError(seqErr)
}

func (o *Orchestrator) onViolation(v SLAViolation) {
	o.UpdateHealth(v.Symbol, schema.HealthUnhealthy, "SLA violation: data not fresh")
	o.host.emitViolation(v)
}

func (o *Orchestrator) onRecovery(r SLARecovery) {
	o.host.emitRecovery(r)
}

func copyHealth(entry *schema.SymbolHealth, now time.Time) schema.SymbolHealth {
	view := *entry
	if !entry.LastEvent.IsZero() {
		view.TimeSinceLastEvent = now.Sub(entry.LastEvent)
	}
	view.ActiveIssues = append([]string(nil), entry.ActiveIssues...)
	return view
}

func pruneTimes(times []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for idx < len(times) && times[idx].Before(cutoff) {
		idx++
	}
	if idx > 0 {
		times = append(times[:0], times[idx:]...)
	}
	return times
}
