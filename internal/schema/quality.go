package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// DataGap records an interval during which no event of a given kind arrived.
type DataGap struct {
	Symbol                string           `json:"symbol"`
	EventKind             EventKind        `json:"event_kind"`
	GapStart              time.Time        `json:"gap_start"`
	GapEnd                time.Time        `json:"gap_end"`
	Duration              time.Duration    `json:"duration_ns"`
	MissedSeqStart        uint64           `json:"missed_seq_start,omitempty"`
	MissedSeqEnd          uint64           `json:"missed_seq_end,omitempty"`
	EstimatedMissedEvents int64            `json:"estimated_missed_events"`
	Severity              GapSeverity      `json:"severity"`
	PossibleCause         string           `json:"possible_cause"`
	Profile               LiquidityProfile `json:"profile"`
}

// SequenceErrorType enumerates integer-sequence anomalies.
type SequenceErrorType string

const (
	// SeqErrGap marks a jump past the expected next sequence.
	SeqErrGap SequenceErrorType = "gap"
	// SeqErrOutOfOrder marks a sequence below the last accepted one.
	SeqErrOutOfOrder SequenceErrorType = "out_of_order"
	// SeqErrDuplicate marks a sequence already seen recently.
	SeqErrDuplicate SequenceErrorType = "duplicate"
	// SeqErrReset marks a provider-side sequence restart.
	SeqErrReset SequenceErrorType = "reset"
)

// SequenceError records one detected sequence anomaly.
type SequenceError struct {
	Timestamp   time.Time         `json:"timestamp"`
	Symbol      string            `json:"symbol"`
	EventKind   EventKind         `json:"event_kind"`
	ErrorType   SequenceErrorType `json:"error_type"`
	ExpectedSeq int64             `json:"expected_seq"`
	ActualSeq   int64             `json:"actual_seq"`
	GapSize     int64             `json:"gap_size,omitempty"`
	StreamID    string            `json:"stream_id,omitempty"`
	Provider    string            `json:"provider,omitempty"`
}

// AnomalyType enumerates streaming-statistics anomalies.
type AnomalyType string

const (
	// AnomalyPriceSpike marks a price far above the rolling mean.
	AnomalyPriceSpike AnomalyType = "price_spike"
	// AnomalyPriceDrop marks a price far below the rolling mean.
	AnomalyPriceDrop AnomalyType = "price_drop"
	// AnomalyRapidChange marks a large move inside a short window.
	AnomalyRapidChange AnomalyType = "rapid_price_change"
	// AnomalyVolumeSpike marks volume far above the rolling mean.
	AnomalyVolumeSpike AnomalyType = "volume_spike"
	// AnomalyVolumeDrop marks volume far below the rolling mean.
	AnomalyVolumeDrop AnomalyType = "volume_drop"
	// AnomalySpreadWide marks a bid/ask spread beyond the profile threshold.
	AnomalySpreadWide AnomalyType = "spread_wide"
	// AnomalyCrossedMarket marks bid above ask.
	AnomalyCrossedMarket AnomalyType = "crossed_market"
	// AnomalyStaleData marks a symbol silent past its staleness threshold.
	AnomalyStaleData AnomalyType = "stale_data"
)

// AnomalySeverity ranks anomalies for alerting.
type AnomalySeverity int

const (
	// SeverityInfo is informational only.
	SeverityInfo AnomalySeverity = iota
	// SeverityWarning needs attention but not action.
	SeverityWarning
	// SeverityError indicates likely data corruption.
	SeverityError
	// SeverityCritical indicates the stream cannot be trusted.
	SeverityCritical
)

var anomalySeverityNames = [...]string{"info", "warning", "error", "critical"}

func (s AnomalySeverity) String() string {
	if s < SeverityInfo || s > SeverityCritical {
		return "unknown"
	}
	return anomalySeverityNames[s]
}

// MarshalJSON encodes the severity as its lowercase name.
func (s AnomalySeverity) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// DataAnomaly records one detected value anomaly.
type DataAnomaly struct {
	ID               string          `json:"id"`
	Timestamp        time.Time       `json:"timestamp"`
	Symbol           string          `json:"symbol"`
	Type             AnomalyType     `json:"type"`
	Severity         AnomalySeverity `json:"severity"`
	Description      string          `json:"description"`
	Expected         decimal.Decimal `json:"expected"`
	Actual           decimal.Decimal `json:"actual"`
	DeviationPercent float64         `json:"deviation_percent"`
	ZScore           float64         `json:"z_score"`
	Acknowledged     bool            `json:"acknowledged"`
	Provider         string          `json:"provider,omitempty"`
}

// CompletenessGrade is the letter grade assigned to a completeness score.
type CompletenessGrade string

const (
	// GradeA marks ≥ 0.95.
	GradeA CompletenessGrade = "A"
	// GradeB marks ≥ 0.85.
	GradeB CompletenessGrade = "B"
	// GradeC marks ≥ 0.70.
	GradeC CompletenessGrade = "C"
	// GradeD marks ≥ 0.50.
	GradeD CompletenessGrade = "D"
	// GradeF marks everything below 0.50.
	GradeF CompletenessGrade = "F"
)

// GradeFor converts a blended completeness score into its letter grade.
func GradeFor(score float64) CompletenessGrade {
	switch {
	case score >= 0.95:
		return GradeA
	case score >= 0.85:
		return GradeB
	case score >= 0.70:
		return GradeC
	case score >= 0.50:
		return GradeD
	default:
		return GradeF
	}
}

// CompletenessScore blends event-count and minute-coverage measures for one
// symbol on one session date.
type CompletenessScore struct {
	Symbol          string            `json:"symbol"`
	Date            SessionDate       `json:"date"`
	Score           float64           `json:"score"`
	ExpectedEvents  int64             `json:"expected_events"`
	ActualEvents    int64             `json:"actual_events"`
	TradingDuration time.Duration     `json:"trading_duration_ns"`
	CoveredDuration time.Duration     `json:"covered_duration_ns"`
	CoveragePercent float64           `json:"coverage_percent"`
	Grade           CompletenessGrade `json:"grade"`
}

// HealthState describes a symbol's current stream condition.
type HealthState int

const (
	// HealthHealthy means events flow as expected.
	HealthHealthy HealthState = iota
	// HealthDegraded means quality issues were detected but data flows.
	HealthDegraded
	// HealthUnhealthy means the stream cannot be trusted.
	HealthUnhealthy
	// HealthStale means no recent events within the liquidity-aware threshold.
	HealthStale
	// HealthUnknown means no events have been observed yet.
	HealthUnknown
)

var healthStateNames = [...]string{"healthy", "degraded", "unhealthy", "stale", "unknown"}

func (s HealthState) String() string {
	if s < HealthHealthy || s > HealthUnknown {
		return "unknown"
	}
	return healthStateNames[s]
}

// MarshalJSON encodes the state as its lowercase name.
func (s HealthState) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// MaxActiveIssues bounds the per-symbol issue list.
const MaxActiveIssues = 5

// SymbolHealth is the dashboard view of one symbol's stream condition.
type SymbolHealth struct {
	Symbol             string        `json:"symbol"`
	State              HealthState   `json:"state"`
	Score              float64       `json:"score"`
	LastEvent          time.Time     `json:"last_event"`
	TimeSinceLastEvent time.Duration `json:"time_since_last_event_ns"`
	ActiveIssues       []string      `json:"active_issues"`
}
