package backfill

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rodoHasArrived/marketpulse/internal/schema"
)

func queuedRequest(symbol string, priority Priority) Request {
	from := schema.SessionDate{Year: 2026, Month: time.February, Day: 1}
	return NewRequest(symbol, from, from.AddDays(27), schema.TimeframeDay, priority)
}

func TestNewRequestDefaults(t *testing.T) {
	req := queuedRequest(" aapl ", PriorityNormal)
	require.NotEmpty(t, req.ID)
	require.Equal(t, "AAPL", req.Symbol)
	require.Equal(t, StatusQueued, req.Status)
	require.Zero(t, req.Attempt)

	other := queuedRequest("AAPL", PriorityNormal)
	require.NotEqual(t, req.ID, other.ID)
}

func TestQueuePriorityOrderFIFOWithinLevel(t *testing.T) {
	q := NewQueue(10)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, queuedRequest("LOW", PriorityLow)))
	require.NoError(t, q.Enqueue(ctx, queuedRequest("NORM1", PriorityNormal)))
	require.NoError(t, q.Enqueue(ctx, queuedRequest("HIGH", PriorityHigh)))
	require.NoError(t, q.Enqueue(ctx, queuedRequest("NORM2", PriorityNormal)))
	require.Equal(t, 4, q.Len())

	var order []string
	for {
		req, ok := q.TryDequeue()
		if !ok {
			break
		}
		order = append(order, req.Symbol)
	}
	require.Equal(t, []string{"HIGH", "NORM1", "NORM2", "LOW"}, order)
	require.Zero(t, q.Len())
}

func TestQueueTryDequeueEmpty(t *testing.T) {
	q := NewQueue(4)
	_, ok := q.TryDequeue()
	require.False(t, ok)
}

func TestQueueEnqueueCancelledWhileFull(t *testing.T) {
	q := NewQueue(1)
	require.NoError(t, q.Enqueue(context.Background(), queuedRequest("AAPL", PriorityNormal)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := q.Enqueue(ctx, queuedRequest("MSFT", PriorityNormal))
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, q.Len())
}

func TestQueueEnqueueUnblocksOnDequeue(t *testing.T) {
	q := NewQueue(1)
	require.NoError(t, q.Enqueue(context.Background(), queuedRequest("AAPL", PriorityNormal)))

	done := make(chan error, 1)
	go func() {
		done <- q.Enqueue(context.Background(), queuedRequest("MSFT", PriorityNormal))
	}()

	// The blocked producer resumes once a slot frees up.
	time.Sleep(20 * time.Millisecond)
	_, ok := q.TryDequeue()
	require.True(t, ok)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("enqueue did not unblock after dequeue")
	}
	require.Equal(t, 1, q.Len())
}

func TestQueueCloseRejectsEnqueue(t *testing.T) {
	q := NewQueue(4)
	require.NoError(t, q.Enqueue(context.Background(), queuedRequest("AAPL", PriorityNormal)))

	q.Close()
	err := q.Enqueue(context.Background(), queuedRequest("MSFT", PriorityNormal))
	require.ErrorIs(t, err, ErrQueueClosed)

	// Already-queued work stays drainable.
	req, ok := q.TryDequeue()
	require.True(t, ok)
	require.Equal(t, "AAPL", req.Symbol)
	require.Zero(t, q.Len())
}

func TestQueueCloseUnblocksFullQueueProducer(t *testing.T) {
	q := NewQueue(1)
	require.NoError(t, q.Enqueue(context.Background(), queuedRequest("AAPL", PriorityNormal)))

	done := make(chan error, 1)
	go func() {
		done <- q.Enqueue(context.Background(), queuedRequest("MSFT", PriorityNormal))
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrQueueClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("enqueue did not unblock after close")
	}
	require.Equal(t, 1, q.Len())
}

func TestProgressTrackerTotals(t *testing.T) {
	now := time.Date(2026, time.March, 2, 14, 0, 0, 0, time.UTC)
	tracker := NewProgressTracker(func() time.Time { return now })

	tracker.RecordSuccess("aapl", 390)
	tracker.RecordSuccess("AAPL", 250)
	tracker.RecordFailure("AAPL", "rate limited after 3 attempts")
	tracker.RecordSuccess("MSFT", 100)

	progress, ok := tracker.Progress("AAPL")
	require.True(t, ok)
	require.Equal(t, int64(640), progress.BarsRetrieved)
	require.Equal(t, int64(2), progress.RequestsCompleted)
	require.Equal(t, int64(1), progress.RequestsFailed)
	require.Equal(t, "rate limited after 3 attempts", progress.LastFailureReason)
	require.Equal(t, now, progress.LastUpdated)

	_, ok = tracker.Progress("TSLA")
	require.False(t, ok)

	snapshot := tracker.Snapshot()
	require.Len(t, snapshot, 2)
	require.Equal(t, "AAPL", snapshot[0].Symbol)
	require.Equal(t, "MSFT", snapshot[1].Symbol)
}
