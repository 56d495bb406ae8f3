// Command marketpulse launches the market data quality monitor.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/rodoHasArrived/marketpulse/internal/backfill"
	"github.com/rodoHasArrived/marketpulse/internal/config"
	"github.com/rodoHasArrived/marketpulse/internal/observability"
	"github.com/rodoHasArrived/marketpulse/internal/quality"
	"github.com/rodoHasArrived/marketpulse/internal/ratelimit"
	"github.com/rodoHasArrived/marketpulse/internal/schema"
	"github.com/rodoHasArrived/marketpulse/internal/store"
	"github.com/rodoHasArrived/marketpulse/internal/stream"
	"github.com/rodoHasArrived/marketpulse/internal/telemetry"
	libtelemetry "github.com/rodoHasArrived/marketpulse/lib/telemetry"
)

const (
	defaultConfigPath        = "config/marketpulse.yaml"
	shutdownTimeout          = 30 * time.Second
	clientCloseTimeout       = 5 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	reportHour               = 0
	reportMinute             = 5
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", defaultConfigPath, "Path to the YAML configuration file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx, *configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	installLogger(cfg.Logging)
	log := observability.Log()
	log.Info("configuration loaded",
		observability.Field{Key: "environment", Value: string(cfg.Environment)},
		observability.Field{Key: "feed", Value: cfg.Stream.Feed},
		observability.Field{Key: "symbols", Value: len(cfg.Subscriptions.Symbols)})

	providers, telemetryShutdown, err := libtelemetry.Init(ctx, libtelemetry.Settings{
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		ServiceName:    cfg.Telemetry.ServiceName,
		ExportInterval: cfg.Telemetry.ExportInterval.Duration,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		defer cancel()
		if err := telemetryShutdown(shutdownCtx); err != nil {
			log.Warn("telemetry shutdown", observability.Field{Key: "error", Value: err})
		}
	}()

	instruments, err := telemetry.NewInstruments(providers.MeterProvider.Meter("marketpulse"))
	if err != nil {
		return fmt.Errorf("init instruments: %w", err)
	}
	rateTracker := telemetry.NewRateTracker(0, nil)

	orch := buildOrchestrator(ctx, cfg, instruments, rateTracker)

	var (
		barSink   backfill.StorageSink = discardSink{}
		reports   *store.ReportStore
		poolClose func()
	)
	if cfg.Storage.DSN != "" {
		if dir := cfg.Storage.MigrationsDir; dir != "" {
			if err := store.Migrate(ctx, cfg.Storage.DSN, dir); err != nil {
				return fmt.Errorf("migrate database: %w", err)
			}
		}
		pool, err := store.Connect(ctx, cfg.Storage.DSN, cfg.Storage.MaxConns)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		poolClose = pool.Close
		barSink = store.NewBarStore(pool)
		reports = store.NewReportStore(pool)
		log.Info("database connected")
	} else {
		log.Warn("no database configured, backfill results are discarded")
	}
	if poolClose != nil {
		defer poolClose()
	}

	worker, queue, err := buildBackfill(cfg, barSink)
	if err != nil {
		return err
	}

	client, err := buildClient(ctx, cfg, orch, rateTracker, instruments)
	if err != nil {
		return err
	}

	var loops conc.WaitGroup
	loops.Go(func() {
		if err := orch.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("orchestrator stopped", observability.Field{Key: "error", Value: err})
		}
	})
	if worker != nil {
		worker.Start(ctx)
		loops.Go(func() { drainCompleted(worker, instruments) })
		if cfg.Backfill.SeedDays > 0 {
			loops.Go(func() { seedBackfill(ctx, cfg, queue) })
		}
	}
	if reports != nil || cfg.Reports.OutputDir != "" {
		loops.Go(func() { reportLoop(ctx, cfg, orch, reports) })
	}

	log.Info("marketpulse running")
	<-ctx.Done()
	log.Info("shutdown requested")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()

	if client != nil {
		if err := client.Close(clientCloseTimeout); err != nil {
			log.Warn("stream close", observability.Field{Key: "error", Value: err})
		}
	}
	if worker != nil {
		queue.Close()
		worker.Stop()
	}
	waitDone := make(chan struct{})
	go func() {
		loops.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
	case <-shutdownCtx.Done():
		log.Warn("shutdown deadline exceeded")
	}
	log.Info("marketpulse stopped")
	return nil
}

func installLogger(cfg config.LoggingConfig) {
	var logger *observability.ZerologAdapter
	if cfg.Format == "console" {
		writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
		logger = observability.NewDefaultLogger(writer, cfg.Level)
	} else {
		logger = observability.NewDefaultLogger(os.Stderr, cfg.Level)
	}
	observability.SetLogger(logger)
}

// buildOrchestrator maps file configuration onto the detector configs and
// wires listener callbacks into logging and metrics.
func buildOrchestrator(ctx context.Context, cfg config.AppConfig, instruments *telemetry.Instruments, tracker *telemetry.RateTracker) *quality.Orchestrator {
	log := observability.Log()

	gapCfg := quality.DefaultGapConfig()
	gapCfg.IncludeExtendedHours = cfg.Quality.Gap.IncludeExtendedHours
	if cfg.Quality.Gap.MaxGapsPerSymbol > 0 {
		gapCfg.MaxGapsPerSymbol = cfg.Quality.Gap.MaxGapsPerSymbol
	}
	if cfg.Quality.Gap.RetentionDays > 0 {
		gapCfg.RetentionDays = cfg.Quality.Gap.RetentionDays
	}

	seqCfg := quality.DefaultSequenceConfig()
	if cfg.Quality.Sequence.GapThreshold > 0 {
		seqCfg.GapThreshold = cfg.Quality.Sequence.GapThreshold
	}
	if cfg.Quality.Sequence.ResetThreshold > 0 {
		seqCfg.ResetThreshold = cfg.Quality.Sequence.ResetThreshold
	}
	if cfg.Quality.Sequence.RecentWindow > 0 {
		seqCfg.RecentWindow = cfg.Quality.Sequence.RecentWindow
	}

	compCfg := quality.DefaultCompletenessConfig()
	if cfg.Quality.RetentionDays > 0 {
		compCfg.RetentionDays = cfg.Quality.RetentionDays
	}

	anomCfg := quality.DefaultAnomalyConfig()
	if cfg.Quality.Anomaly.ZScoreThreshold > 0 {
		anomCfg.ZScoreThreshold = cfg.Quality.Anomaly.ZScoreThreshold
	}
	if cfg.Quality.Anomaly.PriceSpikeThresholdPercent > 0 {
		anomCfg.PriceSpikeThresholdPercent = cfg.Quality.Anomaly.PriceSpikeThresholdPercent
	}
	if cfg.Quality.Anomaly.RapidChangeWindow.Duration > 0 {
		anomCfg.RapidChangeWindow = cfg.Quality.Anomaly.RapidChangeWindow.Duration
	}
	if cfg.Quality.Anomaly.RapidChangeThresholdPercent > 0 {
		anomCfg.RapidChangeThresholdPercent = cfg.Quality.Anomaly.RapidChangeThresholdPercent
	}
	if cfg.Quality.Anomaly.VolumeSpikeMultiplier > 0 {
		anomCfg.VolumeSpikeMultiplier = cfg.Quality.Anomaly.VolumeSpikeMultiplier
	}
	if cfg.Quality.Anomaly.VolumeDropMultiplier > 0 {
		anomCfg.VolumeDropMultiplier = cfg.Quality.Anomaly.VolumeDropMultiplier
	}
	if cfg.Quality.Anomaly.AlertCooldown.Duration > 0 {
		anomCfg.AlertCooldown = cfg.Quality.Anomaly.AlertCooldown.Duration
	}
	if cfg.Quality.Anomaly.MaxSamples > 0 {
		anomCfg.MaxSamples = cfg.Quality.Anomaly.MaxSamples
	}

	slaCfg := quality.DefaultSLAConfig()
	slaCfg.CheckInterval = cfg.Quality.SLA.CheckInterval.Or(slaCfg.CheckInterval)
	slaCfg.DefaultThreshold = cfg.Quality.SLA.DefaultThreshold.Or(slaCfg.DefaultThreshold)
	slaCfg.AlertCooldown = cfg.Quality.SLA.AlertCooldown.Or(slaCfg.AlertCooldown)
	slaCfg.SkipOutsideMarketHours = cfg.Quality.SLA.SkipOutsideMarketHoursOr(slaCfg.SkipOutsideMarketHours)

	orchCfg := quality.DefaultOrchestratorConfig()
	orchCfg.MetricsInterval = cfg.Quality.MetricsInterval.Or(orchCfg.MetricsInterval)

	host := quality.Listeners{
		OnGap: func(gap schema.DataGap) {
			instruments.RecordGap(ctx, gap)
			log.Warn("data gap detected",
				observability.Field{Key: "symbol", Value: gap.Symbol},
				observability.Field{Key: "severity", Value: gap.Severity.String()},
				observability.Field{Key: "duration", Value: gap.Duration.String()},
				observability.Field{Key: "cause", Value: gap.PossibleCause})
		},
		OnAnomaly: func(anomaly schema.DataAnomaly) {
			instruments.RecordAnomaly(ctx, anomaly)
			log.Warn("anomaly detected",
				observability.Field{Key: "id", Value: anomaly.ID},
				observability.Field{Key: "symbol", Value: anomaly.Symbol},
				observability.Field{Key: "type", Value: string(anomaly.Type)},
				observability.Field{Key: "description", Value: anomaly.Description})
		},
		OnSequenceError: func(seqErr schema.SequenceError) {
			instruments.RecordSequenceError(ctx, seqErr)
			log.Warn("sequence error",
				observability.Field{Key: "symbol", Value: seqErr.Symbol},
				observability.Field{Key: "type", Value: string(seqErr.ErrorType)})
		},
		OnViolation: func(v quality.SLAViolation) {
			instruments.RecordSLAViolation(ctx, v)
			log.Error("sla violation",
				observability.Field{Key: "symbol", Value: v.Symbol},
				observability.Field{Key: "age", Value: v.Age.String()},
				observability.Field{Key: "threshold", Value: v.Threshold.String()})
		},
		OnRecovery: func(r quality.SLARecovery) {
			instruments.RecordSLARecovery(ctx, r)
			log.Info("sla recovered",
				observability.Field{Key: "symbol", Value: r.Symbol},
				observability.Field{Key: "violation_duration", Value: r.ViolationDuration.String()})
		},
		OnMetrics: func(m quality.RealTimeMetrics) {
			log.Info("quality metrics",
				observability.Field{Key: "active_symbols", Value: m.ActiveSymbols},
				observability.Field{Key: "health_score", Value: m.OverallHealthScore},
				observability.Field{Key: "events_per_second", Value: m.EventsPerSecond},
				observability.Field{Key: "gaps_5m", Value: m.GapsLast5Min},
				observability.Field{Key: "anomalies_5m", Value: m.AnomaliesLast5Min})
		},
	}

	orch := quality.NewOrchestrator(orchCfg, gapCfg, seqCfg, compCfg, anomCfg, slaCfg, host,
		quality.WithMetricsSink(tracker))
	for _, symbol := range cfg.Subscriptions.Symbols {
		orch.RegisterSymbolLiquidity(symbol, schema.LiquidityHigh)
	}
	for symbol, threshold := range cfg.Quality.SLA.PerSymbolThresholds {
		orch.SLA.SetThreshold(symbol, threshold.Duration)
	}
	return orch
}

// meteredSink counts arrivals before fanning into the orchestrator.
type meteredSink struct {
	ctx         context.Context
	orch        *quality.Orchestrator
	tracker     *telemetry.RateTracker
	instruments *telemetry.Instruments
}

func (s meteredSink) ProcessTrade(trade schema.TradeEvent) {
	s.tracker.Record()
	s.instruments.RecordEvent(s.ctx, schema.KindTrades, trade.Provider, trade.LatencyMs)
	s.orch.ProcessTrade(trade)
}

func (s meteredSink) ProcessQuote(quote schema.QuoteEvent) {
	s.tracker.Record()
	s.instruments.RecordEvent(s.ctx, schema.KindQuotes, quote.Provider, quote.LatencyMs)
	s.orch.ProcessQuote(quote)
}

func (s meteredSink) ProcessAggregate(bar schema.AggregateBar) {
	s.tracker.Record()
	s.instruments.RecordEvent(s.ctx, schema.KindAggregates, bar.Source, 0)
	s.orch.ProcessAggregate(bar)
}

func buildClient(ctx context.Context, cfg config.AppConfig, orch *quality.Orchestrator, tracker *telemetry.RateTracker, instruments *telemetry.Instruments) (*stream.Client, error) {
	if cfg.Stream.APIKey == "" {
		observability.Log().Warn("no streaming api key configured, running without live data")
		return nil, nil
	}

	clientCfg := stream.DefaultClientConfig()
	clientCfg.Provider = cfg.Stream.Provider
	clientCfg.Feed = cfg.Stream.Feed
	clientCfg.Delayed = cfg.Stream.Delayed
	clientCfg.APIKey = cfg.Stream.APIKey
	clientCfg.DialTimeout = cfg.Stream.DialTimeout.Or(clientCfg.DialTimeout)
	clientCfg.KeepAlive = cfg.Stream.KeepAlive.Or(clientCfg.KeepAlive)
	if cfg.Stream.MaxReconnectAttempts > 0 {
		clientCfg.MaxReconnectAttempts = cfg.Stream.MaxReconnectAttempts
	}
	clientCfg.ReconnectBaseDelay = cfg.Stream.ReconnectBaseDelay.Or(clientCfg.ReconnectBaseDelay)
	clientCfg.ReconnectMaxDelay = cfg.Stream.ReconnectMaxDelay.Or(clientCfg.ReconnectMaxDelay)

	subs := stream.NewSubscriptionManager(0)
	sink := meteredSink{ctx: ctx, orch: orch, tracker: tracker, instruments: instruments}
	client, err := stream.NewClient(clientCfg, subs, sink,
		stream.WithStateListener(func(state stream.ClientState) {
			observability.Log().Info("stream state",
				observability.Field{Key: "state", Value: state.String()})
			if state == stream.StateReconnecting {
				instruments.RecordReconnect(ctx, clientCfg.Provider)
			}
		}))
	if err != nil {
		return nil, fmt.Errorf("build stream client: %w", err)
	}

	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect stream: %w", err)
	}
	for _, symbol := range cfg.Subscriptions.Symbols {
		for _, kind := range cfg.Subscriptions.Kinds {
			if _, err := client.Subscribe(ctx, symbol, eventKind(kind)); err != nil {
				return nil, fmt.Errorf("subscribe %s %s: %w", symbol, kind, err)
			}
		}
	}
	return client, nil
}

func eventKind(kind string) schema.EventKind {
	switch strings.ToLower(kind) {
	case "quote":
		return schema.KindQuotes
	case "aggregate":
		return schema.KindAggregates
	default:
		return schema.KindTrades
	}
}

// discardSink drops bars when no database is configured.
type discardSink struct{}

func (discardSink) WriteBars(context.Context, string, []schema.AggregateBar) error {
	return nil
}

func buildBackfill(cfg config.AppConfig, sink backfill.StorageSink) (*backfill.Worker, *backfill.Queue, error) {
	if cfg.Stream.APIKey == "" {
		return nil, nil, nil
	}

	provider, err := backfill.NewPolygonProvider(cfg.Stream.APIKey)
	if err != nil {
		return nil, nil, fmt.Errorf("build backfill provider: %w", err)
	}

	limiters := ratelimit.NewRegistry()
	perMinute := cfg.Backfill.RequestsPerMin
	if perMinute <= 0 {
		perMinute = 5
	}
	limiters.Register(provider.Name(), ratelimit.Config{
		MaxPerWindow: perMinute,
		Window:       time.Minute,
	})

	queue := backfill.NewQueue(cfg.Backfill.QueueCapacity)
	workerCfg := backfill.DefaultWorkerConfig()
	if cfg.Backfill.MaxConcurrent > 0 {
		workerCfg.MaxConcurrent = cfg.Backfill.MaxConcurrent
	}
	if cfg.Backfill.MaxAttempts > 0 {
		workerCfg.MaxAttempts = cfg.Backfill.MaxAttempts
	}
	workerCfg.MaxRateLimitWait = cfg.Backfill.MaxRateLimitWait.Or(workerCfg.MaxRateLimitWait)
	workerCfg.AutoResume = cfg.Backfill.AutoResumeOr(workerCfg.AutoResume)

	worker, err := backfill.NewWorker(workerCfg, queue, limiters,
		map[string]backfill.HistoricalProvider{provider.Name(): provider},
		provider.Name(), sink, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("build backfill worker: %w", err)
	}
	return worker, queue, nil
}

func drainCompleted(worker *backfill.Worker, instruments *telemetry.Instruments) {
	log := observability.Log()
	for req := range worker.Completed() {
		instruments.RecordBackfill(context.Background(), string(req.Status), req.BarsRetrieved)
		fields := []observability.Field{
			{Key: "request", Value: req.ID},
			{Key: "symbol", Value: req.Symbol},
			{Key: "status", Value: string(req.Status)},
			{Key: "bars", Value: req.BarsRetrieved},
		}
		if req.FailureReason != "" {
			fields = append(fields, observability.Field{Key: "reason", Value: req.FailureReason})
			log.Warn("backfill request finished", fields...)
			continue
		}
		log.Info("backfill request finished", fields...)
	}
}

// reportLoop generates the previous day's report shortly after midnight UTC
// and persists it when a database is configured.
func reportLoop(ctx context.Context, cfg config.AppConfig, orch *quality.Orchestrator, reports *store.ReportStore) {
	log := observability.Log()
	opts := quality.ReportOptions{
		Formats:    reportFormats(cfg.Reports.Formats),
		OutputDir:  cfg.Reports.OutputDir,
		TopSymbols: cfg.Reports.TopSymbols,
	}
	for {
		next := nextReportTime(time.Now().UTC())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		date := schema.DateOf(next.Add(-24 * time.Hour))
		report, err := orch.Reports.GenerateDaily(ctx, date, opts)
		if err != nil {
			log.Error("daily report generation failed",
				observability.Field{Key: "date", Value: date.String()},
				observability.Field{Key: "error", Value: err})
			continue
		}
		log.Info("daily report generated",
			observability.Field{Key: "date", Value: date.String()},
			observability.Field{Key: "overall_score", Value: report.OverallScore})
		if reports != nil {
			if err := reports.SaveDaily(ctx, *report); err != nil {
				log.Error("daily report persistence failed",
					observability.Field{Key: "date", Value: date.String()},
					observability.Field{Key: "error", Value: err})
			}
		}
	}
}

func reportFormats(names []string) []quality.ReportFormat {
	out := make([]quality.ReportFormat, 0, len(names))
	for _, name := range names {
		switch name {
		case "markdown":
			out = append(out, quality.FormatMarkdown)
		default:
			out = append(out, quality.ReportFormat(name))
		}
	}
	return out
}

// seedBackfill enqueues a trailing window of daily history for every
// configured symbol so fresh deployments start with context.
func seedBackfill(ctx context.Context, cfg config.AppConfig, queue *backfill.Queue) {
	log := observability.Log()
	to := schema.DateOf(time.Now().UTC())
	from := to.AddDays(-cfg.Backfill.SeedDays)
	for _, symbol := range cfg.Subscriptions.Symbols {
		req := backfill.NewRequest(symbol, from, to, schema.TimeframeDay, backfill.PriorityLow)
		if err := queue.Enqueue(ctx, req); err != nil {
			log.Warn("seed backfill enqueue failed",
				observability.Field{Key: "symbol", Value: symbol},
				observability.Field{Key: "error", Value: err})
			return
		}
	}
	log.Info("seed backfill enqueued",
		observability.Field{Key: "symbols", Value: len(cfg.Subscriptions.Symbols)},
		observability.Field{Key: "from", Value: from.String()},
		observability.Field{Key: "to", Value: to.String()})
}

func nextReportTime(now time.Time) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), reportHour, reportMinute, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
