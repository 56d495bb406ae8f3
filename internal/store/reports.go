package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rodoHasArrived/marketpulse/internal/quality"
	"github.com/rodoHasArrived/marketpulse/internal/schema"
)

// ErrReportNotFound is returned when no report exists for the requested day.
var ErrReportNotFound = errors.New("report store: not found")

// ReportStore persists generated quality reports as JSONB documents.
type ReportStore struct {
	pool *pgxpool.Pool
}

// NewReportStore constructs a ReportStore backed by the provided pool.
func NewReportStore(pool *pgxpool.Pool) *ReportStore {
	return &ReportStore{pool: pool}
}

const (
	reportKindDaily  = "daily"
	reportKindWeekly = "weekly"
)

const (
	reportUpsertSQL = `
INSERT INTO quality_reports (report_date, kind, generated_at, payload)
VALUES ($1, $2, $3, $4::jsonb)
ON CONFLICT (report_date, kind) DO UPDATE SET
    generated_at = EXCLUDED.generated_at,
    payload = EXCLUDED.payload;
`

	reportLoadSQL = `
SELECT payload
FROM quality_reports
WHERE report_date = $1
  AND kind = $2;
`

	reportDatesSQL = `
SELECT report_date
FROM quality_reports
WHERE kind = $1
ORDER BY report_date DESC
LIMIT $2;
`
)

// SaveDaily upserts the daily report keyed by its session date.
func (s *ReportStore) SaveDaily(ctx context.Context, report quality.DailyReport) error {
	if s.pool == nil {
		return fmt.Errorf("report store: nil pool")
	}
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("report store: encode daily: %w", err)
	}
	if _, err := s.pool.Exec(ctx, reportUpsertSQL,
		report.Date.Time(), reportKindDaily, report.GeneratedAt, payload); err != nil {
		return fmt.Errorf("report store: save daily: %w", err)
	}
	return nil
}

// SaveWeekly upserts the weekly report keyed by the week's start date.
func (s *ReportStore) SaveWeekly(ctx context.Context, report quality.WeeklyReport) error {
	if s.pool == nil {
		return fmt.Errorf("report store: nil pool")
	}
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("report store: encode weekly: %w", err)
	}
	if _, err := s.pool.Exec(ctx, reportUpsertSQL,
		report.WeekStart.Time(), reportKindWeekly, report.GeneratedAt, payload); err != nil {
		return fmt.Errorf("report store: save weekly: %w", err)
	}
	return nil
}

// LoadDaily returns the stored daily report for the session date.
func (s *ReportStore) LoadDaily(ctx context.Context, date schema.SessionDate) (quality.DailyReport, error) {
	var report quality.DailyReport
	if err := s.load(ctx, date, reportKindDaily, &report); err != nil {
		return quality.DailyReport{}, err
	}
	return report, nil
}

// LoadWeekly returns the stored weekly report starting at the session date.
func (s *ReportStore) LoadWeekly(ctx context.Context, weekStart schema.SessionDate) (quality.WeeklyReport, error) {
	var report quality.WeeklyReport
	if err := s.load(ctx, weekStart, reportKindWeekly, &report); err != nil {
		return quality.WeeklyReport{}, err
	}
	return report, nil
}

func (s *ReportStore) load(ctx context.Context, date schema.SessionDate, kind string, out any) error {
	if s.pool == nil {
		return fmt.Errorf("report store: nil pool")
	}
	var payload []byte
	err := s.pool.QueryRow(ctx, reportLoadSQL, date.Time(), kind).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrReportNotFound
	}
	if err != nil {
		return fmt.Errorf("report store: load %s: %w", kind, err)
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("report store: decode %s: %w", kind, err)
	}
	return nil
}

// RecentDates lists stored report dates for the kind, newest first.
func (s *ReportStore) RecentDates(ctx context.Context, kind string, limit int) ([]schema.SessionDate, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("report store: nil pool")
	}
	if limit <= 0 {
		limit = 30
	}
	rows, err := s.pool.Query(ctx, reportDatesSQL, kind, limit)
	if err != nil {
		return nil, fmt.Errorf("report store: list dates: %w", err)
	}
	defer rows.Close()

	var dates []schema.SessionDate
	for rows.Next() {
		var t time.Time
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("report store: scan date: %w", err)
		}
		dates = append(dates, schema.DateOf(t))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("report store: iterate dates: %w", err)
	}
	return dates, nil
}
