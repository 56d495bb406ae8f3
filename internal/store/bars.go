// Package store persists historical bars and quality reports in Postgres.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/rodoHasArrived/marketpulse/internal/schema"
)

// BarStore persists aggregate bars retrieved by backfill. Re-running a
// backfill upserts, so overlapping date ranges are safe.
type BarStore struct {
	pool *pgxpool.Pool
}

// NewBarStore constructs a BarStore backed by the provided pool.
func NewBarStore(pool *pgxpool.Pool) *BarStore {
	return &BarStore{pool: pool}
}

const (
	barUpsertSQL = `
INSERT INTO bars (
    symbol,
    timeframe,
    start_time,
    end_time,
    open,
    high,
    low,
    close,
    volume,
    vwap,
    trade_count,
    source
)
VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7::numeric, $8::numeric, $9, $10::numeric, $11, $12)
ON CONFLICT (symbol, timeframe, start_time) DO UPDATE SET
    end_time = EXCLUDED.end_time,
    open = EXCLUDED.open,
    high = EXCLUDED.high,
    low = EXCLUDED.low,
    close = EXCLUDED.close,
    volume = EXCLUDED.volume,
    vwap = EXCLUDED.vwap,
    trade_count = EXCLUDED.trade_count,
    source = EXCLUDED.source;
`

	barRangeSQL = `
SELECT
    symbol,
    timeframe,
    start_time,
    end_time,
    open::text,
    high::text,
    low::text,
    close::text,
    volume,
    COALESCE(vwap::text, '0'),
    trade_count,
    source
FROM bars
WHERE symbol = $1
  AND timeframe = $2
  AND start_time >= $3
  AND start_time < $4
ORDER BY start_time ASC;
`

	barCountSQL = `
SELECT COUNT(*)
FROM bars
WHERE symbol = $1
  AND timeframe = $2;
`
)

// WriteBars upserts the bars in one batch. Bars failing validation are
// rejected wholesale; partial writes never happen.
func (s *BarStore) WriteBars(ctx context.Context, symbol string, bars []schema.AggregateBar) error {
	if s.pool == nil {
		return fmt.Errorf("bar store: nil pool")
	}
	symbol = schema.NormalizeSymbol(symbol)
	if symbol == "" {
		return fmt.Errorf("bar store: symbol required")
	}
	if len(bars) == 0 {
		return nil
	}
	for _, b := range bars {
		if err := b.Validate(); err != nil {
			return fmt.Errorf("bar store: %w", err)
		}
	}

	batch := &pgx.Batch{}
	for _, b := range bars {
		batch.Queue(barUpsertSQL,
			symbol,
			string(b.Timeframe),
			b.StartTime.UTC(),
			b.EndTime.UTC(),
			b.Open.String(),
			b.High.String(),
			b.Low.String(),
			b.Close.String(),
			b.Volume,
			b.VWAP.String(),
			b.TradeCount,
			strings.TrimSpace(b.Source),
		)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range bars {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("bar store: upsert: %w", err)
		}
	}
	return nil
}

// BarsForRange returns bars for the symbol and timeframe whose start falls in
// [from, to), ordered by start time.
func (s *BarStore) BarsForRange(ctx context.Context, symbol string, timeframe schema.Timeframe, from, to time.Time) ([]schema.AggregateBar, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("bar store: nil pool")
	}
	rows, err := s.pool.Query(ctx, barRangeSQL, schema.NormalizeSymbol(symbol), string(timeframe), from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("bar store: query range: %w", err)
	}
	defer rows.Close()

	var bars []schema.AggregateBar
	for rows.Next() {
		b, err := scanBar(rows)
		if err != nil {
			return nil, err
		}
		bars = append(bars, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("bar store: iterate range: %w", err)
	}
	return bars, nil
}

// CountBars returns the number of stored bars for the symbol and timeframe.
func (s *BarStore) CountBars(ctx context.Context, symbol string, timeframe schema.Timeframe) (int64, error) {
	if s.pool == nil {
		return 0, fmt.Errorf("bar store: nil pool")
	}
	var count int64
	if err := s.pool.QueryRow(ctx, barCountSQL, schema.NormalizeSymbol(symbol), string(timeframe)).Scan(&count); err != nil {
		return 0, fmt.Errorf("bar store: count: %w", err)
	}
	return count, nil
}

func scanBar(row pgx.Row) (schema.AggregateBar, error) {
	var (
		b                      schema.AggregateBar
		timeframe              string
		open, high, low, close string
		vwap                   string
	)
	if err := row.Scan(&b.Symbol, &timeframe, &b.StartTime, &b.EndTime,
		&open, &high, &low, &close, &b.Volume, &vwap, &b.TradeCount, &b.Source); err != nil {
		return schema.AggregateBar{}, fmt.Errorf("bar store: scan: %w", err)
	}
	b.Timeframe = schema.Timeframe(timeframe)
	var err error
	if b.Open, err = decimal.NewFromString(open); err != nil {
		return schema.AggregateBar{}, fmt.Errorf("bar store: decode open: %w", err)
	}
	if b.High, err = decimal.NewFromString(high); err != nil {
		return schema.AggregateBar{}, fmt.Errorf("bar store: decode high: %w", err)
	}
	if b.Low, err = decimal.NewFromString(low); err != nil {
		return schema.AggregateBar{}, fmt.Errorf("bar store: decode low: %w", err)
	}
	if b.Close, err = decimal.NewFromString(close); err != nil {
		return schema.AggregateBar{}, fmt.Errorf("bar store: decode close: %w", err)
	}
	if b.VWAP, err = decimal.NewFromString(vwap); err != nil {
		return schema.AggregateBar{}, fmt.Errorf("bar store: decode vwap: %w", err)
	}
	return b, nil
}
