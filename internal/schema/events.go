package schema

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// EventKind enumerates the market data stream categories the monitor tracks.
type EventKind string

const (
	// KindTrades identifies trade tick streams.
	KindTrades EventKind = "trades"
	// KindQuotes identifies NBBO quote streams.
	KindQuotes EventKind = "quotes"
	// KindAggregates identifies OHLCV aggregate streams.
	KindAggregates EventKind = "aggregates"
)

// Aggressor captures which side consumed resting liquidity in a trade.
type Aggressor string

const (
	// AggressorBuy marks buyer-initiated trades.
	AggressorBuy Aggressor = "Buy"
	// AggressorSell marks seller-initiated trades.
	AggressorSell Aggressor = "Sell"
	// AggressorUnknown marks trades whose initiator cannot be inferred.
	AggressorUnknown Aggressor = "Unknown"
)

// TradeEvent is a normalized trade tick.
type TradeEvent struct {
	Symbol    string          `json:"symbol"`
	Timestamp time.Time       `json:"timestamp"`
	Price     decimal.Decimal `json:"price"`
	Volume    int64           `json:"volume"`
	Sequence  uint64          `json:"sequence,omitempty"`
	Provider  string          `json:"provider,omitempty"`
	LatencyMs float64         `json:"latency_ms,omitempty"`
	Venue     string          `json:"venue,omitempty"`
	Aggressor Aggressor       `json:"aggressor"`
}

// QuoteEvent is a normalized NBBO quote. Emission invariant: both bid and ask
// are positive, otherwise the parser drops the event.
type QuoteEvent struct {
	Symbol    string          `json:"symbol"`
	Timestamp time.Time       `json:"timestamp"`
	BidPrice  decimal.Decimal `json:"bid_price"`
	BidSize   int64           `json:"bid_size"`
	AskPrice  decimal.Decimal `json:"ask_price"`
	AskSize   int64           `json:"ask_size"`
	Provider  string          `json:"provider,omitempty"`
	LatencyMs float64         `json:"latency_ms,omitempty"`
}

// Timeframe enumerates aggregate bar windows.
type Timeframe string

const (
	// TimeframeSecond marks one-second aggregates.
	TimeframeSecond Timeframe = "second"
	// TimeframeMinute marks one-minute aggregates.
	TimeframeMinute Timeframe = "minute"
	// TimeframeDay marks daily aggregates produced by backfill providers.
	TimeframeDay Timeframe = "day"
)

// Duration returns the nominal bar width.
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case TimeframeSecond:
		return time.Second
	case TimeframeMinute:
		return time.Minute
	case TimeframeDay:
		return 24 * time.Hour
	default:
		return time.Minute
	}
}

// AggregateBar is an OHLCV summary over a fixed window.
type AggregateBar struct {
	Symbol     string          `json:"symbol"`
	StartTime  time.Time       `json:"start_time"`
	EndTime    time.Time       `json:"end_time"`
	Open       decimal.Decimal `json:"open"`
	High       decimal.Decimal `json:"high"`
	Low        decimal.Decimal `json:"low"`
	Close      decimal.Decimal `json:"close"`
	Volume     int64           `json:"volume"`
	VWAP       decimal.Decimal `json:"vwap"`
	TradeCount int64           `json:"trade_count"`
	Timeframe  Timeframe       `json:"timeframe"`
	Source     string          `json:"source"`
	Sequence   uint64          `json:"sequence"`
}

// Validate checks the OHLC invariants: high dominates open, close, and low;
// low is dominated by open, close, and high; all prices positive; the window
// is non-empty.
func (b AggregateBar) Validate() error {
	for _, p := range []struct {
		name  string
		value decimal.Decimal
	}{
		{"open", b.Open}, {"high", b.High}, {"low", b.Low}, {"close", b.Close},
	} {
		if p.value.Sign() <= 0 {
			return fmt.Errorf("bar %s %s: %s must be positive, got %s",
				b.Symbol, b.StartTime.Format(time.RFC3339), p.name, p.value)
		}
	}
	maxOCL := decimal.Max(b.Open, b.Close, b.Low)
	if b.High.LessThan(maxOCL) {
		return fmt.Errorf("bar %s %s: high %s below max(open,close,low) %s",
			b.Symbol, b.StartTime.Format(time.RFC3339), b.High, maxOCL)
	}
	minOCH := decimal.Min(b.Open, b.Close, b.High)
	if b.Low.GreaterThan(minOCH) {
		return fmt.Errorf("bar %s %s: low %s above min(open,close,high) %s",
			b.Symbol, b.StartTime.Format(time.RFC3339), b.Low, minOCH)
	}
	if !b.EndTime.After(b.StartTime) {
		return fmt.Errorf("bar %s: end %s not after start %s",
			b.Symbol, b.EndTime.Format(time.RFC3339), b.StartTime.Format(time.RFC3339))
	}
	return nil
}
