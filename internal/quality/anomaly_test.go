package quality

import (
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/rodoHasArrived/marketpulse/internal/schema"
)

// thinDetector returns a detector whose THIN symbol needs only five samples
// before statistical checks arm, plus a slice capturing emitted anomalies.
func thinDetector(clock func() time.Time) (*AnomalyDetector, *[]schema.DataAnomaly) {
	profiles := NewProfileRegistry()
	profiles.Register("THIN", schema.LiquidityMinimal)
	var emitted []schema.DataAnomaly
	det := NewAnomalyDetector(DefaultAnomalyConfig(), profiles, Listeners{
		OnAnomaly: func(a schema.DataAnomaly) { emitted = append(emitted, a) },
	}, clock)
	return det, &emitted
}

// seedTrades feeds count trades at the given price, spaced far enough apart
// that the rapid-change check never fires.
func seedTrades(det *AnomalyDetector, symbol string, start time.Time, count int, price float64) time.Time {
	at := start
	for i := 0; i < count; i++ {
		det.ProcessTrade(symbol, at, decimal.NewFromFloat(price), 100, "polygon")
		at = at.Add(10 * time.Second)
	}
	return at
}

func TestAnomalyPriceSpikeCritical(t *testing.T) {
	det, emitted := thinDetector(nil)
	at := seedTrades(det, "THIN", ts(t, "2026-03-02T14:00:00Z"), 5, 100)

	det.ProcessTrade("THIN", at, decimal.NewFromInt(111), 100, "polygon")

	require.Len(t, *emitted, 1)
	a := (*emitted)[0]
	require.Equal(t, schema.AnomalyPriceSpike, a.Type)
	require.Equal(t, schema.SeverityCritical, a.Severity)
	require.InDelta(t, 11.0, a.DeviationPercent, 1e-9)
	require.True(t, a.Actual.Equal(decimal.NewFromInt(111)))
}

func TestAnomalyPriceDropError(t *testing.T) {
	det, emitted := thinDetector(nil)
	at := seedTrades(det, "THIN", ts(t, "2026-03-02T14:00:00Z"), 5, 100)

	det.ProcessTrade("THIN", at, decimal.NewFromInt(94), 100, "polygon")

	require.Len(t, *emitted, 1)
	a := (*emitted)[0]
	require.Equal(t, schema.AnomalyPriceDrop, a.Type)
	require.Equal(t, schema.SeverityError, a.Severity)
	require.InDelta(t, 6.0, a.DeviationPercent, 1e-9)
}

func TestAnomalyZScoreCatchesSmallDeviation(t *testing.T) {
	det, emitted := thinDetector(nil)

	// Tight cluster around 100: mean 100, stdev ~0.63.
	at := ts(t, "2026-03-02T14:00:00Z")
	for _, price := range []float64{99, 100, 101, 100, 100} {
		det.ProcessTrade("THIN", at, decimal.NewFromFloat(price), 100, "polygon")
		at = at.Add(10 * time.Second)
	}

	// 3% is under the spike threshold but well past three sigma.
	det.ProcessTrade("THIN", at, decimal.NewFromInt(103), 100, "polygon")

	require.Len(t, *emitted, 1)
	a := (*emitted)[0]
	require.Equal(t, schema.AnomalyPriceSpike, a.Type)
	require.Equal(t, schema.SeverityWarning, a.Severity)
	require.Greater(t, a.ZScore, 3.0)
	require.InDelta(t, 3.0, a.DeviationPercent, 1e-9)
}

func TestAnomalyRapidChange(t *testing.T) {
	var emitted []schema.DataAnomaly
	det := NewAnomalyDetector(DefaultAnomalyConfig(), NewProfileRegistry(), Listeners{
		OnAnomaly: func(a schema.DataAnomaly) { emitted = append(emitted, a) },
	}, nil)

	start := ts(t, "2026-03-02T14:00:00Z")
	det.ProcessTrade("AAPL", start, decimal.NewFromInt(100), 100, "polygon")
	det.ProcessTrade("AAPL", start.Add(time.Second), decimal.NewFromInt(102), 100, "polygon")

	require.Len(t, emitted, 1)
	a := emitted[0]
	require.Equal(t, schema.AnomalyRapidChange, a.Type)
	require.Equal(t, schema.SeverityWarning, a.Severity)
	require.InDelta(t, 2.0, a.DeviationPercent, 1e-9)
}

func TestAnomalyNonPositivePriceIgnored(t *testing.T) {
	det, emitted := thinDetector(nil)
	det.ProcessTrade("THIN", ts(t, "2026-03-02T14:00:00Z"), decimal.Zero, 100, "polygon")
	require.Empty(t, *emitted)
	require.Zero(t, det.TotalDetected())
}

func TestAnomalyVolumeSpike(t *testing.T) {
	det, emitted := thinDetector(nil)
	at := seedTrades(det, "THIN", ts(t, "2026-03-02T14:00:00Z"), 5, 100)

	det.ProcessTrade("THIN", at, decimal.NewFromInt(100), 2000, "polygon")

	require.Len(t, *emitted, 1)
	a := (*emitted)[0]
	require.Equal(t, schema.AnomalyVolumeSpike, a.Type)
	require.Equal(t, schema.SeverityError, a.Severity)
	require.InDelta(t, 1900.0, a.DeviationPercent, 1e-9)
}

func TestAnomalyVolumeDropWarning(t *testing.T) {
	det, emitted := thinDetector(nil)
	at := seedTrades(det, "THIN", ts(t, "2026-03-02T14:00:00Z"), 5, 100)

	det.ProcessTrade("THIN", at, decimal.NewFromInt(100), 8, "polygon")

	require.Len(t, *emitted, 1)
	a := (*emitted)[0]
	require.Equal(t, schema.AnomalyVolumeDrop, a.Type)
	require.Equal(t, schema.SeverityWarning, a.Severity)
	require.InDelta(t, 92.0, a.DeviationPercent, 1e-9)
}

func TestAnomalyCrossedMarket(t *testing.T) {
	det, emitted := thinDetector(nil)

	det.ProcessQuote("THIN", ts(t, "2026-03-02T14:00:00Z"), decimal.NewFromInt(101), decimal.NewFromInt(100), "polygon")

	require.Len(t, *emitted, 1)
	a := (*emitted)[0]
	require.Equal(t, schema.AnomalyCrossedMarket, a.Type)
	require.Equal(t, schema.SeverityError, a.Severity)
	require.True(t, a.Expected.Equal(decimal.NewFromInt(100)))
	require.True(t, a.Actual.Equal(decimal.NewFromInt(101)))
}

func TestAnomalyWideSpread(t *testing.T) {
	det, emitted := thinDetector(nil)

	// Five clean quotes arm the spread check for the minimal profile.
	at := ts(t, "2026-03-02T14:00:00Z")
	for i := 0; i < 5; i++ {
		det.ProcessQuote("THIN", at, decimal.NewFromInt(100), decimal.NewFromInt(100), "polygon")
		at = at.Add(10 * time.Second)
	}
	require.Empty(t, *emitted)

	// 20 wide on a mid of 90 is 22%, past the 20% minimal-profile limit.
	det.ProcessQuote("THIN", at, decimal.NewFromInt(80), decimal.NewFromInt(100), "polygon")

	require.Len(t, *emitted, 1)
	a := (*emitted)[0]
	require.Equal(t, schema.AnomalySpreadWide, a.Type)
	require.Equal(t, schema.SeverityWarning, a.Severity)
	require.InDelta(t, 100.0*20/90, a.DeviationPercent, 1e-6)
}

func TestAnomalyCooldownSuppressesRepeats(t *testing.T) {
	now := ts(t, "2026-03-02T14:00:00Z")
	det, emitted := thinDetector(func() time.Time { return now })

	start := now
	det.ProcessTrade("THIN", start, decimal.NewFromInt(100), 100, "polygon")
	det.ProcessTrade("THIN", start.Add(time.Second), decimal.NewFromInt(102), 100, "polygon")
	det.ProcessTrade("THIN", start.Add(2*time.Second), decimal.NewFromInt(104), 100, "polygon")

	// Second rapid change lands inside the cooldown window.
	require.Len(t, *emitted, 1)
	require.Equal(t, int64(1), det.TotalDetected())

	now = now.Add(61 * time.Second)
	det.ProcessTrade("THIN", start.Add(3*time.Second), decimal.NewFromInt(106), 100, "polygon")
	require.Len(t, *emitted, 2)
	require.Equal(t, int64(2), det.TotalDetected())
}

func TestAnomalyStaleSymbolsLatchUntilNewData(t *testing.T) {
	now := ts(t, "2026-03-02T14:00:00Z")
	var emitted []schema.DataAnomaly
	det := NewAnomalyDetector(DefaultAnomalyConfig(), NewProfileRegistry(), Listeners{
		OnAnomaly: func(a schema.DataAnomaly) { emitted = append(emitted, a) },
	}, func() time.Time { return now })

	start := now
	det.ProcessTrade("AAPL", start, decimal.NewFromInt(100), 100, "polygon")

	det.CheckStaleSymbols(start.Add(61 * time.Second))
	require.Len(t, emitted, 1)
	require.Equal(t, schema.AnomalyStaleData, emitted[0].Type)

	// The symbol stays marked stale until new data arrives.
	det.CheckStaleSymbols(start.Add(2 * time.Minute))
	require.Len(t, emitted, 1)

	now = now.Add(2 * time.Minute)
	det.ProcessTrade("AAPL", start.Add(130*time.Second), decimal.NewFromInt(100), 100, "polygon")
	det.CheckStaleSymbols(start.Add(4 * time.Minute))
	require.Len(t, emitted, 2)
}

func TestAnomalyIDsAndAcknowledge(t *testing.T) {
	now := ts(t, "2026-03-02T14:00:00Z")
	det, _ := thinDetector(func() time.Time { return now })

	crossed := func(at time.Time) {
		det.ProcessQuote("THIN", at, decimal.NewFromInt(101), decimal.NewFromInt(100), "polygon")
	}

	crossed(ts(t, "2026-03-02T14:00:00Z"))
	now = now.Add(61 * time.Second)
	crossed(ts(t, "2026-03-02T15:00:00Z"))
	now = now.Add(61 * time.Second)
	crossed(ts(t, "2026-03-03T14:00:00Z"))

	list := det.AnomaliesForSymbol("THIN")
	require.Len(t, list, 3)
	require.Equal(t, "ANM-20260302-000001", list[0].ID)
	require.Equal(t, "ANM-20260302-000002", list[1].ID)
	// The counter restarts at the day boundary.
	require.Equal(t, "ANM-20260303-000001", list[2].ID)

	require.True(t, det.Acknowledge("ANM-20260302-000002"))
	require.False(t, det.Acknowledge("ANM-19990101-000001"))
	require.True(t, det.AnomaliesForSymbol("THIN")[1].Acknowledged)
}

func TestAnomalyQueriesAndCleanup(t *testing.T) {
	now := ts(t, "2026-03-02T14:00:00Z")
	det, _ := thinDetector(func() time.Time { return now })

	for i, symbol := range []string{"THIN", "AAPL", "MSFT"} {
		det.ProcessQuote(symbol, now.Add(time.Duration(i)*time.Minute), decimal.NewFromInt(101), decimal.NewFromInt(100), "polygon")
	}

	recent := det.RecentAnomalies(2)
	require.Len(t, recent, 2)
	require.Equal(t, "MSFT", recent[0].Symbol)
	require.Equal(t, "AAPL", recent[1].Symbol)

	byDate := det.AnomaliesForDate(schema.DateOf(now))
	require.Len(t, byDate, 3)
	require.Equal(t, "THIN", byDate[0].Symbol)
	require.Empty(t, det.AnomaliesForDate(schema.DateOf(now).AddDays(1)))

	det.Cleanup(now.Add(8 * 24 * time.Hour))
	require.Empty(t, det.RecentAnomalies(0))
	require.Equal(t, int64(3), det.TotalDetected())
}

func TestAnomalyHistoryBounded(t *testing.T) {
	now := ts(t, "2026-03-02T14:00:00Z")
	cfg := DefaultAnomalyConfig()
	cfg.MaxAnomaliesPerSymbol = 2
	cfg.AlertCooldown = time.Nanosecond
	det := NewAnomalyDetector(cfg, NewProfileRegistry(), Listeners{}, func() time.Time {
		now = now.Add(time.Millisecond)
		return now
	})

	for i := 0; i < 5; i++ {
		det.ProcessQuote("AAPL", now.Add(time.Duration(i)*time.Second), decimal.NewFromInt(101), decimal.NewFromInt(100), "polygon")
	}

	list := det.AnomaliesForSymbol("AAPL")
	require.Len(t, list, 2)
	require.Equal(t, int64(5), det.TotalDetected())
	require.Equal(t, fmt.Sprintf("ANM-20260302-%06d", 5), list[1].ID)
}
