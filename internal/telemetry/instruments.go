// Package telemetry defines the marketpulse OpenTelemetry instruments and the
// in-process ingest-rate tracker.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/rodoHasArrived/marketpulse/internal/quality"
	"github.com/rodoHasArrived/marketpulse/internal/schema"
)

// Instruments bundles the counters and histograms the monitor exports.
type Instruments struct {
	eventsIngested   metric.Int64Counter
	eventsDropped    metric.Int64Counter
	gapsDetected     metric.Int64Counter
	anomalies        metric.Int64Counter
	sequenceErrors   metric.Int64Counter
	slaViolations    metric.Int64Counter
	slaRecoveries    metric.Int64Counter
	reconnects       metric.Int64Counter
	backfillRequests metric.Int64Counter
	backfillBars     metric.Int64Counter
	eventLatency     metric.Float64Histogram
}

// NewInstruments registers every instrument on the meter.
func NewInstruments(meter metric.Meter) (*Instruments, error) {
	var (
		ins Instruments
		err error
	)
	if ins.eventsIngested, err = meter.Int64Counter("marketpulse.events.ingested",
		metric.WithDescription("Normalized events accepted by the orchestrator")); err != nil {
		return nil, fmt.Errorf("create events counter: %w", err)
	}
	if ins.eventsDropped, err = meter.Int64Counter("marketpulse.events.dropped",
		metric.WithDescription("Events rejected at parse or validation")); err != nil {
		return nil, fmt.Errorf("create dropped counter: %w", err)
	}
	if ins.gapsDetected, err = meter.Int64Counter("marketpulse.gaps.detected",
		metric.WithDescription("Data gaps detected")); err != nil {
		return nil, fmt.Errorf("create gaps counter: %w", err)
	}
	if ins.anomalies, err = meter.Int64Counter("marketpulse.anomalies.detected",
		metric.WithDescription("Value anomalies detected")); err != nil {
		return nil, fmt.Errorf("create anomalies counter: %w", err)
	}
	if ins.sequenceErrors, err = meter.Int64Counter("marketpulse.sequence.errors",
		metric.WithDescription("Sequence errors detected")); err != nil {
		return nil, fmt.Errorf("create sequence counter: %w", err)
	}
	if ins.slaViolations, err = meter.Int64Counter("marketpulse.sla.violations",
		metric.WithDescription("SLA freshness violations")); err != nil {
		return nil, fmt.Errorf("create sla violations counter: %w", err)
	}
	if ins.slaRecoveries, err = meter.Int64Counter("marketpulse.sla.recoveries",
		metric.WithDescription("SLA recoveries after violation")); err != nil {
		return nil, fmt.Errorf("create sla recoveries counter: %w", err)
	}
	if ins.reconnects, err = meter.Int64Counter("marketpulse.stream.reconnects",
		metric.WithDescription("Streaming client reconnect cycles")); err != nil {
		return nil, fmt.Errorf("create reconnects counter: %w", err)
	}
	if ins.backfillRequests, err = meter.Int64Counter("marketpulse.backfill.requests",
		metric.WithDescription("Backfill requests reaching a terminal state")); err != nil {
		return nil, fmt.Errorf("create backfill counter: %w", err)
	}
	if ins.backfillBars, err = meter.Int64Counter("marketpulse.backfill.bars",
		metric.WithDescription("Historical bars retrieved by backfill")); err != nil {
		return nil, fmt.Errorf("create backfill bars counter: %w", err)
	}
	if ins.eventLatency, err = meter.Float64Histogram("marketpulse.event.latency",
		metric.WithDescription("Event arrival latency"),
		metric.WithUnit("ms")); err != nil {
		return nil, fmt.Errorf("create latency histogram: %w", err)
	}
	return &ins, nil
}

// RecordEvent counts one accepted event and its latency.
func (i *Instruments) RecordEvent(ctx context.Context, kind schema.EventKind, provider string, latencyMs float64) {
	attrs := metric.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.String("provider", provider),
	)
	i.eventsIngested.Add(ctx, 1, attrs)
	if latencyMs > 0 {
		i.eventLatency.Record(ctx, latencyMs, attrs)
	}
}

// RecordDropped counts one rejected event.
func (i *Instruments) RecordDropped(ctx context.Context, reason string) {
	i.eventsDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordGap counts one detected gap.
func (i *Instruments) RecordGap(ctx context.Context, gap schema.DataGap) {
	i.gapsDetected.Add(ctx, 1, metric.WithAttributes(
		attribute.String("severity", gap.Severity.String()),
	))
}

// RecordAnomaly counts one detected anomaly.
func (i *Instruments) RecordAnomaly(ctx context.Context, anomaly schema.DataAnomaly) {
	i.anomalies.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", string(anomaly.Type)),
		attribute.String("severity", anomaly.Severity.String()),
	))
}

// RecordSequenceError counts one sequence error.
func (i *Instruments) RecordSequenceError(ctx context.Context, seqErr schema.SequenceError) {
	i.sequenceErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", string(seqErr.ErrorType)),
	))
}

// RecordSLAViolation counts one freshness violation.
func (i *Instruments) RecordSLAViolation(ctx context.Context, v quality.SLAViolation) {
	i.slaViolations.Add(ctx, 1, metric.WithAttributes(attribute.String("symbol", v.Symbol)))
}

// RecordSLARecovery counts one recovery.
func (i *Instruments) RecordSLARecovery(ctx context.Context, r quality.SLARecovery) {
	i.slaRecoveries.Add(ctx, 1, metric.WithAttributes(attribute.String("symbol", r.Symbol)))
}

// RecordReconnect counts one reconnect cycle.
func (i *Instruments) RecordReconnect(ctx context.Context, provider string) {
	i.reconnects.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
}

// RecordBackfill counts one terminal backfill request and its bars.
func (i *Instruments) RecordBackfill(ctx context.Context, status string, bars int) {
	i.backfillRequests.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	if bars > 0 {
		i.backfillBars.Add(ctx, int64(bars))
	}
}
