package schema

import (
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestNormalizeSymbol(t *testing.T) {
	require.Equal(t, "AAPL", NormalizeSymbol(" aapl "))
	require.Equal(t, "BRK.B", NormalizeSymbol("brk.b"))
	require.Equal(t, "", NormalizeSymbol("   "))
}

func TestSessionDate(t *testing.T) {
	d, err := ParseSessionDate("2026-03-02")
	require.NoError(t, err)
	require.Equal(t, SessionDate{Year: 2026, Month: time.March, Day: 2}, d)
	require.Equal(t, time.Monday, d.Weekday())
	require.Equal(t, "2026-03-02", d.String())
	require.Equal(t, time.Date(2026, time.March, 2, 0, 0, 0, 0, time.UTC), d.Time())

	require.Equal(t, SessionDate{Year: 2026, Month: time.March, Day: 9}, d.AddDays(7))
	require.True(t, d.Before(d.AddDays(1)))
	require.False(t, d.AddDays(1).Before(d))

	// Month boundary.
	require.Equal(t, SessionDate{Year: 2026, Month: time.February, Day: 28}, d.AddDays(-2))

	_, err = ParseSessionDate("03/02/2026")
	require.Error(t, err)
}

func TestSessionDateJSON(t *testing.T) {
	d := SessionDate{Year: 2026, Month: time.March, Day: 2}
	encoded, err := json.Marshal(d)
	require.NoError(t, err)
	require.Equal(t, `"2026-03-02"`, string(encoded))

	var decoded SessionDate
	require.NoError(t, json.Unmarshal(encoded, &decoded))
	require.Equal(t, d, decoded)
}

func TestMarketHoursIsOpen(t *testing.T) {
	m := DefaultMarketHours()

	monday := time.Date(2026, time.March, 2, 0, 0, 0, 0, time.UTC)
	require.False(t, m.IsOpen(monday.Add(13*time.Hour+29*time.Minute)))
	require.True(t, m.IsOpen(monday.Add(13*time.Hour+30*time.Minute)))
	require.True(t, m.IsOpen(monday.Add(19*time.Hour+59*time.Minute)))
	require.False(t, m.IsOpen(monday.Add(20*time.Hour)))

	saturday := time.Date(2026, time.March, 7, 15, 0, 0, 0, time.UTC)
	require.False(t, m.IsOpen(saturday))

	require.Equal(t, 390, m.TradingMinutes())
	require.Equal(t, 390*time.Minute, m.TradingDuration())

	d := DateOf(monday)
	require.Equal(t, monday.Add(13*time.Hour+30*time.Minute), m.OpenAt(d))
	require.Equal(t, monday.Add(20*time.Hour), m.CloseAt(d))
	require.True(t, m.MinuteWithinSession(13*60+30))
	require.False(t, m.MinuteWithinSession(20*60))
}

func TestThresholdsFallsBackToHigh(t *testing.T) {
	require.Equal(t, Thresholds(LiquidityHigh), Thresholds("unheard_of"))
	require.Equal(t, 3600*time.Second, Thresholds(LiquidityMinimal).GapThreshold)
	require.Equal(t, float64(200), Thresholds(LiquidityNormal).ExpectedEventsPerHour)
	require.Equal(t, 10, Thresholds(LiquidityVeryLow).MinSamplesForStatistics)
}

func TestClassifyGapSeverity(t *testing.T) {
	// Normal profile base threshold is 120s.
	base := 120 * time.Second
	cases := []struct {
		gap  time.Duration
		want GapSeverity
	}{
		{base, GapMinor},
		{5*base - time.Second, GapMinor},
		{5 * base, GapModerate},
		{30*base - time.Second, GapModerate},
		{30 * base, GapSignificant},
		{60*base - time.Second, GapSignificant},
		{60 * base, GapMajor},
		{60*base + time.Second, GapCritical},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, ClassifyGapSeverity(tc.gap, LiquidityNormal), "gap %s", tc.gap)
	}
}

func TestGradeFor(t *testing.T) {
	require.Equal(t, GradeA, GradeFor(0.95))
	require.Equal(t, GradeB, GradeFor(0.949))
	require.Equal(t, GradeB, GradeFor(0.85))
	require.Equal(t, GradeC, GradeFor(0.70))
	require.Equal(t, GradeD, GradeFor(0.50))
	require.Equal(t, GradeF, GradeFor(0.499))
}

func TestAggregateBarValidate(t *testing.T) {
	start := time.Date(2026, time.March, 2, 14, 0, 0, 0, time.UTC)
	valid := AggregateBar{
		Symbol:    "AAPL",
		StartTime: start,
		EndTime:   start.Add(time.Minute),
		Open:      decimal.NewFromInt(100),
		High:      decimal.NewFromInt(105),
		Low:       decimal.NewFromInt(99),
		Close:     decimal.NewFromInt(102),
	}
	require.NoError(t, valid.Validate())

	highBelowOpen := valid
	highBelowOpen.High = decimal.NewFromInt(99)
	require.ErrorContains(t, highBelowOpen.Validate(), "high")

	lowAboveClose := valid
	lowAboveClose.Low = decimal.NewFromInt(103)
	require.ErrorContains(t, lowAboveClose.Validate(), "low")

	zeroPrice := valid
	zeroPrice.Open = decimal.Zero
	require.ErrorContains(t, zeroPrice.Validate(), "open")

	emptyWindow := valid
	emptyWindow.EndTime = start
	require.ErrorContains(t, emptyWindow.Validate(), "not after start")

	// A flat bar with equal prices is legal.
	flat := valid
	flat.Open, flat.High, flat.Low, flat.Close =
		decimal.NewFromInt(100), decimal.NewFromInt(100), decimal.NewFromInt(100), decimal.NewFromInt(100)
	require.NoError(t, flat.Validate())
}
