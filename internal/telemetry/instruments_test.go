package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/rodoHasArrived/marketpulse/internal/quality"
	"github.com/rodoHasArrived/marketpulse/internal/schema"
)

func TestInstrumentsRegisterAndRecord(t *testing.T) {
	meter := noop.NewMeterProvider().Meter("test")
	ins, err := NewInstruments(meter)
	require.NoError(t, err)

	ctx := context.Background()
	ins.RecordEvent(ctx, schema.KindTrades, "polygon", 12.5)
	ins.RecordDropped(ctx, "parse")
	ins.RecordGap(ctx, schema.DataGap{Severity: schema.GapMinor})
	ins.RecordAnomaly(ctx, schema.DataAnomaly{Type: schema.AnomalyPriceSpike, Severity: schema.SeverityWarning})
	ins.RecordSequenceError(ctx, schema.SequenceError{ErrorType: schema.SeqErrGap})
	ins.RecordSLAViolation(ctx, quality.SLAViolation{Symbol: "AAPL"})
	ins.RecordSLARecovery(ctx, quality.SLARecovery{Symbol: "AAPL", ViolationDuration: time.Minute})
	ins.RecordReconnect(ctx, "polygon")
	ins.RecordBackfill(ctx, "succeeded", 390)
}
