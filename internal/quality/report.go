package quality

import (
	"context"
	"fmt"
	"html"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/sourcegraph/conc/pool"

	"github.com/rodoHasArrived/marketpulse/errs"
	"github.com/rodoHasArrived/marketpulse/internal/observability"
	"github.com/rodoHasArrived/marketpulse/internal/schema"
)

// ReportFormat selects an export encoding. JSON is authoritative; the rest
// are derived views with no re-import requirement.
type ReportFormat string

const (
	// FormatJSON is the canonical report encoding.
	FormatJSON ReportFormat = "json"
	// FormatCSV is a flat per-symbol view.
	FormatCSV ReportFormat = "csv"
	// FormatMarkdown is a human-readable summary.
	FormatMarkdown ReportFormat = "md"
	// FormatHTML is a standalone dashboard page.
	FormatHTML ReportFormat = "html"
)

// ReportOptions controls report assembly and export.
type ReportOptions struct {
	Formats    []ReportFormat
	OutputDir  string
	TopSymbols int
}

// SymbolReport is one symbol's section of a daily report.
type SymbolReport struct {
	Symbol       string                   `json:"symbol"`
	Completeness schema.CompletenessScore `json:"completeness"`
	GapCount     int                      `json:"gap_count"`
	AnomalyCount int                      `json:"anomaly_count"`
	Sequence     SymbolSequenceSummary    `json:"sequence"`
}

// DailyReport rolls every detector's view of one session date into a single
// document.
type DailyReport struct {
	Date          schema.SessionDate                 `json:"date"`
	GeneratedAt   time.Time                          `json:"generated_at"`
	OverallScore  float64                            `json:"overall_score"`
	OverallGrade  schema.CompletenessGrade           `json:"overall_grade"`
	Symbols       []SymbolReport                     `json:"symbols"`
	GapStatistics GapStatistics                      `json:"gap_statistics"`
	Anomalies     []schema.DataAnomaly               `json:"anomalies"`
	SequenceTotal map[schema.SequenceErrorType]int64 `json:"sequence_totals"`
	Latency       LatencyStatistics                  `json:"latency"`
	SLA           []SLASymbolStatus                  `json:"sla"`
}

// WeeklyReport aggregates seven consecutive daily reports.
type WeeklyReport struct {
	WeekStart    schema.SessionDate `json:"week_start"`
	WeekEnd      schema.SessionDate `json:"week_end"`
	GeneratedAt  time.Time          `json:"generated_at"`
	AverageScore float64            `json:"average_score"`
	Days         []DailyReport      `json:"days"`
}

// ReportGenerator reads every detector and assembles daily and weekly quality
// reports, optionally exporting them in several formats.
type ReportGenerator struct {
	gaps         *GapAnalyzer
	sequences    *SequenceTracker
	completeness *CompletenessCalculator
	anomalies    *AnomalyDetector
	latency      *LatencyHistogram
	sla          *SLAMonitor
	clock        func() time.Time

	mu   sync.Mutex
	last *DailyReport
}

// NewReportGenerator wires the generator to its detector sources. A nil
// clock uses time.Now.
func NewReportGenerator(gaps *GapAnalyzer, sequences *SequenceTracker, completeness *CompletenessCalculator, anomalies *AnomalyDetector, latency *LatencyHistogram, sla *SLAMonitor, clock func() time.Time) *ReportGenerator {
	if clock == nil {
		clock = time.Now
	}
	return &ReportGenerator{
		gaps:         gaps,
		sequences:    sequences,
		completeness: completeness,
		anomalies:    anomalies,
		latency:      latency,
		sla:          sla,
		clock:        clock,
	}
}

// GenerateDaily assembles the report for one session date and exports it in
// the requested formats. With no formats configured the report is returned
// without touching the filesystem.
func (r *ReportGenerator) GenerateDaily(ctx context.Context, date schema.SessionDate, opts ReportOptions) (*DailyReport, error) {
	report := r.buildDaily(date, opts)
	r.mu.Lock()
	r.last = report
	r.mu.Unlock()
	if len(opts.Formats) == 0 {
		return report, nil
	}
	name := fmt.Sprintf("quality_report_%s", date)
	if err := r.export(ctx, name, report, weeklyView{}, opts); err != nil {
		return report, err
	}
	return report, nil
}

// GenerateWeekly assembles reports for the seven dates starting at weekStart
// and exports the roll-up.
func (r *ReportGenerator) GenerateWeekly(ctx context.Context, weekStart schema.SessionDate, opts ReportOptions) (*WeeklyReport, error) {
	weekly := &WeeklyReport{
		WeekStart:   weekStart,
		WeekEnd:     weekStart.AddDays(6),
		GeneratedAt: r.clock().UTC(),
	}
	var sum float64
	var scored int
	for i := 0; i < 7; i++ {
		day := r.buildDaily(weekStart.AddDays(i), opts)
		weekly.Days = append(weekly.Days, *day)
		if len(day.Symbols) > 0 {
			sum += day.OverallScore
			scored++
		}
	}
	if scored > 0 {
		weekly.AverageScore = round4(sum / float64(scored))
	}
	if len(opts.Formats) == 0 {
		return weekly, nil
	}
	name := fmt.Sprintf("weekly_quality_report_%s", weekStart)
	if err := r.export(ctx, name, nil, weeklyView{report: weekly}, opts); err != nil {
		return weekly, err
	}
	return weekly, nil
}

// LastDaily returns the most recently generated daily report, if any.
func (r *ReportGenerator) LastDaily() *DailyReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

func (r *ReportGenerator) buildDaily(date schema.SessionDate, opts ReportOptions) *DailyReport {
	report := &DailyReport{
		Date:          date,
		GeneratedAt:   r.clock().UTC(),
		GapStatistics: r.gaps.Statistics(opts.TopSymbols),
		Anomalies:     r.anomalies.AnomaliesForDate(date),
		Latency:       r.latency.GetStatistics(),
		SLA:           r.sla.Statuses(),
	}
	report.SequenceTotal, _ = r.sequences.GlobalCounters()

	var sum float64
	for _, score := range r.completeness.ScoresForDate(date) {
		report.Symbols = append(report.Symbols, SymbolReport{
			Symbol:       score.Symbol,
			Completeness: score,
			GapCount:     len(r.gaps.GapsForSymbol(score.Symbol, date)),
			AnomalyCount: countAnomalies(report.Anomalies, score.Symbol),
			Sequence:     r.sequences.SymbolSummary(score.Symbol),
		})
		sum += score.Score
	}
	if len(report.Symbols) > 0 {
		report.OverallScore = round4(sum / float64(len(report.Symbols)))
	}
	report.OverallGrade = schema.GradeFor(report.OverallScore)
	sort.Slice(report.Symbols, func(i, j int) bool {
		return report.Symbols[i].Symbol < report.Symbols[j].Symbol
	})
	return report
}

func countAnomalies(anomalies []schema.DataAnomaly, symbol string) int {
	n := 0
	for _, a := range anomalies {
		if a.Symbol == symbol {
			n++
		}
	}
	return n
}

// weeklyView lets export share one code path for both report shapes.
type weeklyView struct {
	report *WeeklyReport
}

// export writes every requested format concurrently. All formats are
// attempted; failures are collected and aggregated into one error after the
// pool drains.
func (r *ReportGenerator) export(ctx context.Context, name string, daily *DailyReport, weekly weeklyView, opts ReportOptions) error {
	if opts.OutputDir == "" {
		return errs.New("report", errs.CodeConfiguration, errs.WithMessage("report output directory not configured"))
	}
	if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
		return errs.New("report", errs.CodeInternal, errs.WithMessage("create report directory"), errs.WithCause(err))
	}

	var (
		failMu   sync.Mutex
		failures []error
	)
	p := pool.New()
	for _, format := range opts.Formats {
		format := format
		p.Go(func() {
			if err := r.writeFormat(name, format, daily, weekly, opts.OutputDir); err != nil {
				failMu.Lock()
				failures = append(failures, fmt.Errorf("%s: %w", format, err))
				failMu.Unlock()
			}
		})
	}
	p.Wait()
	return observability.AggregateErrors(fmt.Sprintf("export %s", name), failures,
		observability.Field{Key: "output_dir", Value: opts.OutputDir})
}

func (r *ReportGenerator) writeFormat(name string, format ReportFormat, daily *DailyReport, weekly weeklyView, outputDir string) error {
	path := filepath.Join(outputDir, fmt.Sprintf("%s.%s", name, format))
	data, err := r.render(format, daily, weekly)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errs.New("report", errs.CodeInternal, errs.WithMessage("write report file"), errs.WithCause(err))
	}
	observability.Log().Info("report exported",
		observability.Field{Key: "path", Value: path},
		observability.Field{Key: "bytes", Value: len(data)})
	return nil
}

func (r *ReportGenerator) render(format ReportFormat, daily *DailyReport, weekly weeklyView) ([]byte, error) {
	var doc any = daily
	if daily == nil {
		doc = weekly.report
	}
	switch format {
	case FormatJSON:
		data, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return nil, errs.New("report", errs.CodeInternal, errs.WithMessage("encode report"), errs.WithCause(err))
		}
		return data, nil
	case FormatCSV:
		return renderCSV(daily, weekly.report), nil
	case FormatMarkdown:
		return renderMarkdown(daily, weekly.report), nil
	case FormatHTML:
		return renderHTML(daily, weekly.report), nil
	default:
		return nil, errs.New("report", errs.CodeValidation, errs.WithMessage(fmt.Sprintf("unknown report format %q", format)))
	}
}

func renderCSV(daily *DailyReport, weekly *WeeklyReport) []byte {
	var b strings.Builder
	b.WriteString("date,symbol,score,grade,expected_events,actual_events,coverage_percent,gap_count,anomaly_count,sequence_error_rate\n")
	writeDay := func(d *DailyReport) {
		for _, s := range d.Symbols {
			fmt.Fprintf(&b, "%s,%s,%.4f,%s,%d,%d,%.4f,%d,%d,%.4f\n",
				d.Date, s.Symbol, s.Completeness.Score, s.Completeness.Grade,
				s.Completeness.ExpectedEvents, s.Completeness.ActualEvents,
				s.Completeness.CoveragePercent, s.GapCount, s.AnomalyCount,
				s.Sequence.ErrorRate)
		}
	}
	if daily != nil {
		writeDay(daily)
	} else if weekly != nil {
		for i := range weekly.Days {
			writeDay(&weekly.Days[i])
		}
	}
	return []byte(b.String())
}

func renderMarkdown(daily *DailyReport, weekly *WeeklyReport) []byte {
	var b strings.Builder
	writeDay := func(d *DailyReport) {
		fmt.Fprintf(&b, "## %s — overall %.4f (%s)\n\n", d.Date, d.OverallScore, d.OverallGrade)
		b.WriteString("| Symbol | Score | Grade | Events | Coverage | Gaps | Anomalies |\n")
		b.WriteString("|---|---|---|---|---|---|---|\n")
		for _, s := range d.Symbols {
			fmt.Fprintf(&b, "| %s | %.4f | %s | %d/%d | %.2f%% | %d | %d |\n",
				s.Symbol, s.Completeness.Score, s.Completeness.Grade,
				s.Completeness.ActualEvents, s.Completeness.ExpectedEvents,
				s.Completeness.CoveragePercent, s.GapCount, s.AnomalyCount)
		}
		fmt.Fprintf(&b, "\nGaps: %d total, worst %s. Latency p99: %.1fms over %d samples.\n\n",
			d.GapStatistics.TotalGaps, d.GapStatistics.MaxDuration, d.Latency.P99Ms, d.Latency.Count)
	}
	if daily != nil {
		fmt.Fprintf(&b, "# Data Quality Report %s\n\n", daily.Date)
		writeDay(daily)
	} else if weekly != nil {
		fmt.Fprintf(&b, "# Weekly Data Quality Report %s to %s\n\nAverage score: %.4f\n\n",
			weekly.WeekStart, weekly.WeekEnd, weekly.AverageScore)
		for i := range weekly.Days {
			writeDay(&weekly.Days[i])
		}
	}
	return []byte(b.String())
}

func renderHTML(daily *DailyReport, weekly *WeeklyReport) []byte {
	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\"><title>Data Quality Report</title>")
	b.WriteString("<style>body{font-family:sans-serif;margin:2rem}table{border-collapse:collapse}td,th{border:1px solid #ccc;padding:4px 8px}</style>")
	b.WriteString("</head><body>\n")
	writeDay := func(d *DailyReport) {
		fmt.Fprintf(&b, "<h2>%s &mdash; overall %.4f (%s)</h2>\n", d.Date, d.OverallScore, d.OverallGrade)
		b.WriteString("<table><tr><th>Symbol</th><th>Score</th><th>Grade</th><th>Events</th><th>Coverage</th><th>Gaps</th><th>Anomalies</th></tr>\n")
		for _, s := range d.Symbols {
			fmt.Fprintf(&b, "<tr><td>%s</td><td>%.4f</td><td>%s</td><td>%d/%d</td><td>%.2f%%</td><td>%d</td><td>%d</td></tr>\n",
				html.EscapeString(s.Symbol), s.Completeness.Score, s.Completeness.Grade,
				s.Completeness.ActualEvents, s.Completeness.ExpectedEvents,
				s.Completeness.CoveragePercent, s.GapCount, s.AnomalyCount)
		}
		b.WriteString("</table>\n")
	}
	if daily != nil {
		fmt.Fprintf(&b, "<h1>Data Quality Report %s</h1>\n", daily.Date)
		writeDay(daily)
	} else if weekly != nil {
		fmt.Fprintf(&b, "<h1>Weekly Data Quality Report %s to %s</h1>\n<p>Average score: %.4f</p>\n",
			weekly.WeekStart, weekly.WeekEnd, weekly.AverageScore)
		for i := range weekly.Days {
			writeDay(&weekly.Days[i])
		}
	}
	b.WriteString("</body></html>\n")
	return []byte(b.String())
}
