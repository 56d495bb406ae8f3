package quality

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rodoHasArrived/marketpulse/internal/schema"
)

func checkSeq(t *testing.T, tracker *SequenceTracker, seq int64) *schema.SequenceError {
	t.Helper()
	return tracker.CheckSequence("AAPL", schema.KindTrades, "s1", seq, time.Now(), "polygon")
}

func TestSequenceTrackerClassification(t *testing.T) {
	tracker := NewSequenceTracker(SequenceConfig{GapThreshold: 1, ResetThreshold: 10000}, Listeners{})

	require.Nil(t, checkSeq(t, tracker, 1))
	require.Nil(t, checkSeq(t, tracker, 2))
	require.Nil(t, checkSeq(t, tracker, 3))

	dup := checkSeq(t, tracker, 3)
	require.NotNil(t, dup)
	require.Equal(t, schema.SeqErrDuplicate, dup.ErrorType)
	require.Equal(t, int64(4), dup.ExpectedSeq)
	require.Equal(t, int64(3), dup.ActualSeq)

	// 2 is still in the recent ring; duplicate wins over out-of-order.
	dup2 := checkSeq(t, tracker, 2)
	require.NotNil(t, dup2)
	require.Equal(t, schema.SeqErrDuplicate, dup2.ErrorType)

	gap := checkSeq(t, tracker, 1000000)
	require.NotNil(t, gap)
	require.Equal(t, schema.SeqErrGap, gap.ErrorType)
	require.Equal(t, int64(999996), gap.GapSize)

	reset := checkSeq(t, tracker, 7)
	require.NotNil(t, reset)
	require.Equal(t, schema.SeqErrReset, reset.ErrorType)

	// Ring cleared by the reset, 8 advances normally.
	require.Nil(t, checkSeq(t, tracker, 8))

	summary := tracker.SymbolSummary("AAPL")
	require.Equal(t, int64(8), summary.Checked)
	require.Equal(t, int64(2), summary.ByType[schema.SeqErrDuplicate])
	require.Equal(t, int64(1), summary.ByType[schema.SeqErrGap])
	require.Equal(t, int64(1), summary.ByType[schema.SeqErrReset])
	require.InDelta(t, 0.5, summary.ErrorRate, 1e-9)
}

func TestSequenceTrackerOutOfOrder(t *testing.T) {
	// A small ring lets older sequences fall out, exposing the
	// out-of-order classification.
	tracker := NewSequenceTracker(SequenceConfig{GapThreshold: 1, ResetThreshold: 10000, RecentWindow: 2}, Listeners{})

	require.Nil(t, checkSeq(t, tracker, 1))
	require.Nil(t, checkSeq(t, tracker, 2))
	require.Nil(t, checkSeq(t, tracker, 3))
	require.Nil(t, checkSeq(t, tracker, 4))

	// 1 has been evicted from the two-slot ring.
	ooo := checkSeq(t, tracker, 1)
	require.NotNil(t, ooo)
	require.Equal(t, schema.SeqErrOutOfOrder, ooo.ErrorType)
	require.Equal(t, int64(5), ooo.ExpectedSeq)
}

func TestSequenceTrackerResetBoundary(t *testing.T) {
	tracker := NewSequenceTracker(SequenceConfig{GapThreshold: 1, ResetThreshold: 100, RecentWindow: 1}, Listeners{})

	require.Nil(t, checkSeq(t, tracker, 1000))

	// Exactly lastSeq − resetThreshold is out-of-order, one below is a reset.
	atBoundary := checkSeq(t, tracker, 900)
	require.NotNil(t, atBoundary)
	require.Equal(t, schema.SeqErrOutOfOrder, atBoundary.ErrorType)

	belowBoundary := checkSeq(t, tracker, 899)
	require.NotNil(t, belowBoundary)
	require.Equal(t, schema.SeqErrReset, belowBoundary.ErrorType)
}

func TestSequenceTrackerGapThresholdExact(t *testing.T) {
	tracker := NewSequenceTracker(SequenceConfig{GapThreshold: 5, ResetThreshold: 1000}, Listeners{})

	require.Nil(t, checkSeq(t, tracker, 10))
	// A jump of exactly gapThreshold is still normal.
	require.Nil(t, checkSeq(t, tracker, 15))
	// One past it is a gap.
	gap := checkSeq(t, tracker, 21)
	require.NotNil(t, gap)
	require.Equal(t, schema.SeqErrGap, gap.ErrorType)
	require.Equal(t, int64(5), gap.GapSize)
}

func TestSequenceTrackerStreamsAreIndependent(t *testing.T) {
	tracker := NewSequenceTracker(DefaultSequenceConfig(), Listeners{})

	require.Nil(t, tracker.CheckSequence("AAPL", schema.KindTrades, "s1", 5, time.Now(), "polygon"))
	require.Nil(t, tracker.CheckSequence("AAPL", schema.KindQuotes, "s1", 5, time.Now(), "polygon"))
	require.Nil(t, tracker.CheckSequence("MSFT", schema.KindTrades, "s1", 5, time.Now(), "polygon"))

	require.Nil(t, tracker.CheckSequence("AAPL", schema.KindTrades, "s1", 6, time.Now(), "polygon"))
	dup := tracker.CheckSequence("AAPL", schema.KindQuotes, "s1", 5, time.Now(), "polygon")
	require.NotNil(t, dup)
	require.Equal(t, schema.SeqErrDuplicate, dup.ErrorType)
}

func TestSequenceTrackerGlobalCountersAndReset(t *testing.T) {
	var emitted []schema.SequenceError
	tracker := NewSequenceTracker(DefaultSequenceConfig(), Listeners{
		OnSequenceError: func(e schema.SequenceError) { emitted = append(emitted, e) },
	})

	checkSeq(t, tracker, 1)
	checkSeq(t, tracker, 1)
	checkSeq(t, tracker, 10)

	totals, checked := tracker.GlobalCounters()
	require.Equal(t, int64(3), checked)
	require.Equal(t, int64(1), totals[schema.SeqErrDuplicate])
	require.Equal(t, int64(1), totals[schema.SeqErrGap])
	require.Len(t, emitted, 2)

	tracker.Reset()
	// After reset the stream primes again.
	require.Nil(t, checkSeq(t, tracker, 1))
}
