package quality

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rodoHasArrived/marketpulse/internal/schema"
)

func ts(t *testing.T, value string) time.Time {
	t.Helper()
	parsed, err := time.Parse(time.RFC3339, value)
	require.NoError(t, err)
	return parsed
}

func TestGapAnalyzerFirstEventOnlyPrimes(t *testing.T) {
	var gaps []schema.DataGap
	analyzer := NewGapAnalyzer(DefaultGapConfig(), NewProfileRegistry(), Listeners{
		OnGap: func(gap schema.DataGap) { gaps = append(gaps, gap) },
	})

	analyzer.RecordEvent("AAPL", schema.KindTrades, ts(t, "2026-03-02T14:00:00Z"), 1)
	require.Empty(t, gaps)
}

func TestGapAnalyzerDetectsGapAtThreshold(t *testing.T) {
	var gaps []schema.DataGap
	analyzer := NewGapAnalyzer(DefaultGapConfig(), NewProfileRegistry(), Listeners{
		OnGap: func(gap schema.DataGap) { gaps = append(gaps, gap) },
	})

	start := ts(t, "2026-03-02T14:00:00Z")
	analyzer.RecordEvent("AAPL", schema.KindTrades, start, 100)
	// 59s is under the high-liquidity threshold.
	analyzer.RecordEvent("AAPL", schema.KindTrades, start.Add(59*time.Second), 101)
	require.Empty(t, gaps)

	// Exactly 60s meets it.
	analyzer.RecordEvent("AAPL", schema.KindTrades, start.Add(119*time.Second), 110)
	require.Len(t, gaps, 1)

	gap := gaps[0]
	require.Equal(t, "AAPL", gap.Symbol)
	require.Equal(t, schema.KindTrades, gap.EventKind)
	require.Equal(t, 60*time.Second, gap.Duration)
	require.Equal(t, schema.GapMinor, gap.Severity)
	require.Equal(t, uint64(102), gap.MissedSeqStart)
	require.Equal(t, uint64(110), gap.MissedSeqEnd)
	// 60s at 1000 events/hour.
	require.Equal(t, int64(16), gap.EstimatedMissedEvents)
}

func TestGapAnalyzerSeverityScalesWithProfile(t *testing.T) {
	profiles := NewProfileRegistry()
	profiles.Register("THIN", schema.LiquidityLow)
	var gaps []schema.DataGap
	analyzer := NewGapAnalyzer(DefaultGapConfig(), profiles, Listeners{
		OnGap: func(gap schema.DataGap) { gaps = append(gaps, gap) },
	})

	start := ts(t, "2026-03-02T14:00:00Z")
	analyzer.RecordEvent("THIN", schema.KindTrades, start, 0)
	// 15 minutes is only 1.5x the low-liquidity 10 minute threshold.
	analyzer.RecordEvent("THIN", schema.KindTrades, start.Add(15*time.Minute), 0)

	require.Len(t, gaps, 1)
	require.Equal(t, schema.GapMinor, gaps[0].Severity)
	require.Equal(t, schema.LiquidityLow, gaps[0].Profile)
	require.Equal(t, "Normal quiet period for illiquid instrument", gaps[0].PossibleCause)
}

func TestGapAnalyzerOvernightCause(t *testing.T) {
	var gaps []schema.DataGap
	analyzer := NewGapAnalyzer(DefaultGapConfig(), NewProfileRegistry(), Listeners{
		OnGap: func(gap schema.DataGap) { gaps = append(gaps, gap) },
	})

	// Last trade just before Monday close, next just after Tuesday open.
	analyzer.RecordEvent("AAPL", schema.KindTrades, ts(t, "2026-03-02T19:59:30Z"), 0)
	analyzer.RecordEvent("AAPL", schema.KindTrades, ts(t, "2026-03-03T13:30:30Z"), 0)

	require.Len(t, gaps, 1)
	require.Equal(t, "Market closed overnight", gaps[0].PossibleCause)
	require.Equal(t, schema.GapCritical, gaps[0].Severity)
}

func TestGapAnalyzerConnectionInterruptionCause(t *testing.T) {
	var gaps []schema.DataGap
	analyzer := NewGapAnalyzer(DefaultGapConfig(), NewProfileRegistry(), Listeners{
		OnGap: func(gap schema.DataGap) { gaps = append(gaps, gap) },
	})

	start := ts(t, "2026-03-02T14:00:00Z")
	analyzer.RecordEvent("AAPL", schema.KindTrades, start, 0)
	analyzer.RecordEvent("AAPL", schema.KindTrades, start.Add(45*time.Minute), 0)

	require.Len(t, gaps, 1)
	require.Equal(t, "Possible connection interruption", gaps[0].PossibleCause)
}

func TestGapAnalyzerQueriesAndStatistics(t *testing.T) {
	analyzer := NewGapAnalyzer(DefaultGapConfig(), NewProfileRegistry(), Listeners{})

	day := ts(t, "2026-03-02T14:00:00Z")
	analyzer.RecordEvent("AAPL", schema.KindTrades, day, 0)
	analyzer.RecordEvent("AAPL", schema.KindTrades, day.Add(2*time.Minute), 0)
	analyzer.RecordEvent("AAPL", schema.KindTrades, day.Add(4*time.Minute), 0)
	analyzer.RecordEvent("MSFT", schema.KindQuotes, day, 0)
	analyzer.RecordEvent("MSFT", schema.KindQuotes, day.Add(90*time.Second), 0)

	date := schema.DateOf(day)
	require.Len(t, analyzer.GapsForSymbol("AAPL", date), 2)
	require.Len(t, analyzer.GapsForSymbol("aapl", date), 2)
	require.Len(t, analyzer.GapsForDate(date), 3)
	require.Empty(t, analyzer.GapsForDate(date.AddDays(1)))

	recent := analyzer.RecentGaps(2)
	require.Len(t, recent, 2)
	require.True(t, recent[0].GapEnd.After(recent[1].GapEnd) || recent[0].GapEnd.Equal(recent[1].GapEnd))

	stats := analyzer.Statistics(1)
	require.Equal(t, 3, stats.TotalGaps)
	require.Equal(t, 90*time.Second, stats.MinDuration)
	require.Equal(t, 2*time.Minute, stats.MaxDuration)
	require.Equal(t, 3, stats.BySeverity["minor"])
	require.Len(t, stats.TopSymbols, 1)
	require.Equal(t, "AAPL", stats.TopSymbols[0].Symbol)
	require.Equal(t, 2, stats.TopSymbols[0].Count)
}

func TestGapAnalyzerCleanupDropsOldGaps(t *testing.T) {
	analyzer := NewGapAnalyzer(DefaultGapConfig(), NewProfileRegistry(), Listeners{})

	day := ts(t, "2026-03-02T14:00:00Z")
	analyzer.RecordEvent("AAPL", schema.KindTrades, day, 0)
	analyzer.RecordEvent("AAPL", schema.KindTrades, day.Add(2*time.Minute), 0)
	require.Len(t, analyzer.RecentGaps(0), 1)

	analyzer.Cleanup(day.Add(8 * 24 * time.Hour))
	require.Empty(t, analyzer.RecentGaps(0))
}

func TestSessionTimelineWithoutGaps(t *testing.T) {
	analyzer := NewGapAnalyzer(DefaultGapConfig(), NewProfileRegistry(), Listeners{})

	date := schema.SessionDate{Year: 2026, Month: time.March, Day: 2}
	segments := analyzer.SessionTimeline("AAPL", date)
	require.Len(t, segments, 3)

	require.Equal(t, SegmentPreMarket, segments[0].Kind)
	require.Equal(t, ts(t, "2026-03-02T08:00:00Z"), segments[0].Start)
	require.Equal(t, ts(t, "2026-03-02T13:30:00Z"), segments[0].End)

	require.Equal(t, SegmentDataPresent, segments[1].Kind)
	require.Equal(t, ts(t, "2026-03-02T13:30:00Z"), segments[1].Start)
	require.Equal(t, ts(t, "2026-03-02T20:00:00Z"), segments[1].End)
	// 6.5 trading hours at 1000 events/hour.
	require.Equal(t, int64(6500), segments[1].EstimatedEvents)

	require.Equal(t, SegmentAfterHours, segments[2].Kind)
	require.Equal(t, ts(t, "2026-03-03T00:00:00Z"), segments[2].End)
}

func TestSessionTimelineInterleavesGaps(t *testing.T) {
	analyzer := NewGapAnalyzer(DefaultGapConfig(), NewProfileRegistry(), Listeners{})

	analyzer.RecordEvent("AAPL", schema.KindTrades, ts(t, "2026-03-02T15:00:00Z"), 0)
	analyzer.RecordEvent("AAPL", schema.KindTrades, ts(t, "2026-03-02T15:10:00Z"), 0)

	date := schema.SessionDate{Year: 2026, Month: time.March, Day: 2}
	segments := analyzer.SessionTimeline("AAPL", date)
	require.Len(t, segments, 5)

	require.Equal(t, SegmentPreMarket, segments[0].Kind)
	require.Equal(t, SegmentDataPresent, segments[1].Kind)
	require.Equal(t, ts(t, "2026-03-02T15:00:00Z"), segments[1].End)
	require.Equal(t, SegmentGap, segments[2].Kind)
	require.Equal(t, ts(t, "2026-03-02T15:00:00Z"), segments[2].Start)
	require.Equal(t, ts(t, "2026-03-02T15:10:00Z"), segments[2].End)
	require.Equal(t, SegmentDataPresent, segments[3].Kind)
	require.Equal(t, ts(t, "2026-03-02T20:00:00Z"), segments[3].End)
	require.Equal(t, SegmentAfterHours, segments[4].Kind)
}
