package schema

import "time"

// LiquidityProfile buckets symbols by expected activity so that detection
// thresholds scale with how actively an instrument trades.
type LiquidityProfile string

const (
	// LiquidityHigh marks heavily traded large caps.
	LiquidityHigh LiquidityProfile = "high"
	// LiquidityNormal marks typical mid caps.
	LiquidityNormal LiquidityProfile = "normal"
	// LiquidityLow marks thinly traded instruments.
	LiquidityLow LiquidityProfile = "low"
	// LiquidityVeryLow marks instruments with only a handful of events per hour.
	LiquidityVeryLow LiquidityProfile = "very_low"
	// LiquidityMinimal marks instruments that may trade once an hour or less.
	LiquidityMinimal LiquidityProfile = "minimal"
)

// LiquidityThresholds parameterizes every detector for one liquidity tier.
type LiquidityThresholds struct {
	GapThreshold           time.Duration
	ExpectedEventsPerHour  float64
	FreshnessThreshold     time.Duration
	StaleDataThreshold     time.Duration
	SpreadThresholdBps     float64
	MinSamplesForStatistics int
}

var liquidityTable = map[LiquidityProfile]LiquidityThresholds{
	LiquidityHigh: {
		GapThreshold:            60 * time.Second,
		ExpectedEventsPerHour:   1000,
		FreshnessThreshold:      60 * time.Second,
		StaleDataThreshold:      60 * time.Second,
		SpreadThresholdBps:      10,
		MinSamplesForStatistics: 100,
	},
	LiquidityNormal: {
		GapThreshold:            120 * time.Second,
		ExpectedEventsPerHour:   200,
		FreshnessThreshold:      120 * time.Second,
		StaleDataThreshold:      120 * time.Second,
		SpreadThresholdBps:      50,
		MinSamplesForStatistics: 50,
	},
	LiquidityLow: {
		GapThreshold:            600 * time.Second,
		ExpectedEventsPerHour:   20,
		FreshnessThreshold:      600 * time.Second,
		StaleDataThreshold:      600 * time.Second,
		SpreadThresholdBps:      500,
		MinSamplesForStatistics: 20,
	},
	LiquidityVeryLow: {
		GapThreshold:            1800 * time.Second,
		ExpectedEventsPerHour:   5,
		FreshnessThreshold:      1800 * time.Second,
		StaleDataThreshold:      1800 * time.Second,
		SpreadThresholdBps:      1000,
		MinSamplesForStatistics: 10,
	},
	LiquidityMinimal: {
		GapThreshold:            3600 * time.Second,
		ExpectedEventsPerHour:   1,
		FreshnessThreshold:      3600 * time.Second,
		StaleDataThreshold:      3600 * time.Second,
		SpreadThresholdBps:      2000,
		MinSamplesForStatistics: 5,
	},
}

// Thresholds returns the detector parameters for the given profile.
// Unknown profiles fall back to LiquidityHigh so unclassified symbols are
// held to the strictest expectations.
func Thresholds(profile LiquidityProfile) LiquidityThresholds {
	if t, ok := liquidityTable[profile]; ok {
		return t
	}
	return liquidityTable[LiquidityHigh]
}

// GapSeverity ranks data gaps from benign to stream-threatening.
type GapSeverity int

const (
	// GapMinor marks a gap at or just past the profile threshold.
	GapMinor GapSeverity = iota
	// GapModerate marks a gap of several threshold multiples.
	GapModerate
	// GapSignificant marks a gap long enough to distort intraday metrics.
	GapSignificant
	// GapMajor marks a gap approaching an hour at the base threshold.
	GapMajor
	// GapCritical marks a gap beyond sixty threshold multiples.
	GapCritical
)

var gapSeverityNames = [...]string{"minor", "moderate", "significant", "major", "critical"}

func (s GapSeverity) String() string {
	if s < GapMinor || s > GapCritical {
		return "unknown"
	}
	return gapSeverityNames[s]
}

// MarshalJSON encodes the severity as its lowercase name.
func (s GapSeverity) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// ClassifyGapSeverity grades a gap duration against the profile's base
// threshold at multiples of 1, 5, 30, and 60.
func ClassifyGapSeverity(duration time.Duration, profile LiquidityProfile) GapSeverity {
	base := Thresholds(profile).GapThreshold
	if base <= 0 {
		base = time.Second
	}
	switch {
	case duration < 5*base:
		return GapMinor
	case duration < 30*base:
		return GapModerate
	case duration < 60*base:
		return GapSignificant
	case duration == 60*base:
		return GapMajor
	default:
		return GapCritical
	}
}
