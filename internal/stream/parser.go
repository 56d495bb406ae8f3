package stream

import (
	"fmt"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/rodoHasArrived/marketpulse/internal/observability"
	"github.com/rodoHasArrived/marketpulse/internal/schema"
)

// EventSink receives the normalized events the parser produces.
type EventSink interface {
	ProcessTrade(schema.TradeEvent)
	ProcessQuote(schema.QuoteEvent)
	ProcessAggregate(schema.AggregateBar)
}

// exchangeNames is the closed Polygon exchange-code table. Unknown codes
// render as EX_<code>.
var exchangeNames = map[int]string{
	1:  "NYSE",
	2:  "AMEX",
	3:  "ARCA",
	4:  "NASDAQ",
	5:  "NASDAQ_BX",
	6:  "NASDAQ_PSX",
	7:  "BATS_Y",
	8:  "BATS",
	9:  "IEX",
	10: "EDGX",
	11: "EDGA",
	12: "CHX",
	13: "NSX",
	14: "FINRA_ADF",
	15: "CBOE",
	16: "MEMX",
	17: "MIAX",
	19: "LTSE",
}

// ExchangeName resolves a Polygon exchange code to its venue name.
func ExchangeName(code int) string {
	if name, ok := exchangeNames[code]; ok {
		return name
	}
	return fmt.Sprintf("EX_%d", code)
}

// sellerInitiatedConditions are the Polygon trade condition codes that mark
// seller-initiated executions. Everything else maps to Unknown.
var sellerInitiatedConditions = map[int]struct{}{
	29: {}, 30: {}, 31: {}, 32: {}, 33: {},
}

func aggressorFromConditions(conditions []int) schema.Aggressor {
	for _, c := range conditions {
		if _, ok := sellerInitiatedConditions[c]; ok {
			return schema.AggressorSell
		}
	}
	return schema.AggressorUnknown
}

type wireEnvelope struct {
	Ev string `json:"ev"`
}

type wireTrade struct {
	Symbol     string      `json:"sym"`
	Price      json.Number `json:"p"`
	Size       int64       `json:"s"`
	Timestamp  int64       `json:"t"`
	TradeID    string      `json:"i"`
	Exchange   int         `json:"x"`
	Conditions []int       `json:"c"`
}

type wireQuote struct {
	Symbol    string      `json:"sym"`
	BidPrice  json.Number `json:"bp"`
	BidSize   int64       `json:"bs"`
	AskPrice  json.Number `json:"ap"`
	AskSize   int64       `json:"as"`
	Timestamp int64       `json:"t"`
	Exchange  int         `json:"x"`
}

type wireAggregate struct {
	Symbol     string      `json:"sym"`
	Open       json.Number `json:"o"`
	High       json.Number `json:"h"`
	Low        json.Number `json:"l"`
	Close      json.Number `json:"c"`
	Volume     int64       `json:"v"`
	VWAP       json.Number `json:"vw"`
	Start      int64       `json:"s"`
	End        int64       `json:"e"`
	TradeCount int64       `json:"n"`
}

// StatusMessage is an ev=status control element.
type StatusMessage struct {
	Ev      string `json:"ev"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// ParserStats counts parser outcomes for the dashboard.
type ParserStats struct {
	Trades        int64
	Quotes        int64
	Aggregates    int64
	Dropped       int64
	ParseFailures int64
}

// Parser decodes Polygon message frames into normalized events and pushes
// them at the sink. Events for pairs without an active subscription are
// dropped, as are quotes and bars that violate their emission invariants.
type Parser struct {
	provider string
	subs     *SubscriptionManager
	sink     EventSink
	clock    func() time.Time
	seq      atomic.Uint64

	trades        atomic.Int64
	quotes        atomic.Int64
	aggregates    atomic.Int64
	dropped       atomic.Int64
	parseFailures atomic.Int64
}

// NewParser constructs a parser. A nil clock uses time.Now.
func NewParser(provider string, subs *SubscriptionManager, sink EventSink, clock func() time.Time) *Parser {
	if clock == nil {
		clock = time.Now
	}
	return &Parser{provider: provider, subs: subs, sink: sink, clock: clock}
}

// ResetSession restarts the per-session sequence counter. Called on
// reconnect, where provider-side continuity is broken anyway.
func (p *Parser) ResetSession() {
	p.seq.Store(0)
}

// Stats snapshots the parser counters.
func (p *Parser) Stats() ParserStats {
	return ParserStats{
		Trades:        p.trades.Load(),
		Quotes:        p.quotes.Load(),
		Aggregates:    p.aggregates.Load(),
		Dropped:       p.dropped.Load(),
		ParseFailures: p.parseFailures.Load(),
	}
}

// HandleFrame parses one complete text frame (a JSON array) and dispatches
// every element. Status elements are returned to the caller; malformed
// elements are logged with a truncated preview and skipped.
func (p *Parser) HandleFrame(data []byte) []StatusMessage {
	var elements []json.RawMessage
	if err := json.Unmarshal(data, &elements); err != nil {
		p.parseFailures.Add(1)
		observability.Log().Warn("unparseable frame",
			observability.Field{Key: "preview", Value: observability.TruncatePreview(data, 200)},
			observability.Field{Key: "error", Value: err.Error()})
		return nil
	}

	var statuses []StatusMessage
	for _, raw := range elements {
		var envelope wireEnvelope
		if err := json.Unmarshal(raw, &envelope); err != nil {
			p.parseFailures.Add(1)
			observability.Log().Warn("unparseable element",
				observability.Field{Key: "preview", Value: observability.TruncatePreview(raw, 200)})
			continue
		}
		switch envelope.Ev {
		case "T":
			p.handleTrade(raw)
		case "Q":
			p.handleQuote(raw)
		case "A":
			p.handleAggregate(raw, schema.TimeframeSecond)
		case "AM":
			p.handleAggregate(raw, schema.TimeframeMinute)
		case "status":
			var status StatusMessage
			if err := json.Unmarshal(raw, &status); err == nil {
				statuses = append(statuses, status)
			}
		default:
			observability.Log().Debug("unknown event type",
				observability.Field{Key: "ev", Value: envelope.Ev})
		}
	}
	return statuses
}

func (p *Parser) handleTrade(raw json.RawMessage) {
	var wire wireTrade
	if err := json.Unmarshal(raw, &wire); err != nil {
		p.parseFailures.Add(1)
		observability.Log().Warn("unparseable trade",
			observability.Field{Key: "preview", Value: observability.TruncatePreview(raw, 200)})
		return
	}
	if !p.subs.HasSubscription(wire.Symbol, schema.KindTrades) {
		p.dropped.Add(1)
		return
	}
	price, err := decimal.NewFromString(wire.Price.String())
	if err != nil {
		p.dropped.Add(1)
		return
	}
	ts := time.UnixMilli(wire.Timestamp).UTC()
	p.trades.Add(1)
	p.sink.ProcessTrade(schema.TradeEvent{
		Symbol:    schema.NormalizeSymbol(wire.Symbol),
		Timestamp: ts,
		Price:     price,
		Volume:    wire.Size,
		Sequence:  p.seq.Add(1),
		Provider:  p.provider,
		LatencyMs: p.latencyMs(ts),
		Venue:     ExchangeName(wire.Exchange),
		Aggressor: aggressorFromConditions(wire.Conditions),
	})
}

func (p *Parser) handleQuote(raw json.RawMessage) {
	var wire wireQuote
	if err := json.Unmarshal(raw, &wire); err != nil {
		p.parseFailures.Add(1)
		observability.Log().Warn("unparseable quote",
			observability.Field{Key: "preview", Value: observability.TruncatePreview(raw, 200)})
		return
	}
	if !p.subs.HasSubscription(wire.Symbol, schema.KindQuotes) {
		p.dropped.Add(1)
		return
	}
	bid, errB := decimal.NewFromString(wire.BidPrice.String())
	ask, errA := decimal.NewFromString(wire.AskPrice.String())
	if errB != nil || errA != nil || !bid.IsPositive() || !ask.IsPositive() {
		p.dropped.Add(1)
		return
	}
	ts := time.UnixMilli(wire.Timestamp).UTC()
	p.quotes.Add(1)
	p.sink.ProcessQuote(schema.QuoteEvent{
		Symbol:    schema.NormalizeSymbol(wire.Symbol),
		Timestamp: ts,
		BidPrice:  bid,
		BidSize:   wire.BidSize,
		AskPrice:  ask,
		AskSize:   wire.AskSize,
		Provider:  p.provider,
		LatencyMs: p.latencyMs(ts),
	})
}

func (p *Parser) handleAggregate(raw json.RawMessage, timeframe schema.Timeframe) {
	var wire wireAggregate
	if err := json.Unmarshal(raw, &wire); err != nil {
		p.parseFailures.Add(1)
		observability.Log().Warn("unparseable aggregate",
			observability.Field{Key: "preview", Value: observability.TruncatePreview(raw, 200)})
		return
	}
	if !p.subs.HasSubscription(wire.Symbol, schema.KindAggregates) {
		p.dropped.Add(1)
		return
	}
	open, err1 := decimal.NewFromString(wire.Open.String())
	high, err2 := decimal.NewFromString(wire.High.String())
	low, err3 := decimal.NewFromString(wire.Low.String())
	closePrice, err4 := decimal.NewFromString(wire.Close.String())
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		p.dropped.Add(1)
		return
	}
	if !open.IsPositive() || !high.IsPositive() || !low.IsPositive() || !closePrice.IsPositive() {
		p.dropped.Add(1)
		return
	}
	vwap, err := decimal.NewFromString(wire.VWAP.String())
	if err != nil {
		vwap = decimal.Zero
	}
	start := time.UnixMilli(wire.Start).UTC()
	end := time.UnixMilli(wire.End).UTC()
	if !end.After(start) {
		end = start.Add(timeframe.Duration())
	}
	p.aggregates.Add(1)
	p.sink.ProcessAggregate(schema.AggregateBar{
		Symbol:     schema.NormalizeSymbol(wire.Symbol),
		StartTime:  start,
		EndTime:    end,
		Open:       open,
		High:       high,
		Low:        low,
		Close:      closePrice,
		Volume:     wire.Volume,
		VWAP:       vwap,
		TradeCount: wire.TradeCount,
		Timeframe:  timeframe,
		Source:     p.provider,
		Sequence:   p.seq.Add(1),
	})
}

func (p *Parser) latencyMs(eventTime time.Time) float64 {
	latency := p.clock().Sub(eventTime)
	if latency < 0 {
		return 0
	}
	return float64(latency) / float64(time.Millisecond)
}
