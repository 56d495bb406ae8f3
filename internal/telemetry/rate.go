package telemetry

import (
	"sync"
	"time"
)

// RateTracker measures events per second over a short sliding window. It
// satisfies the orchestrator's MetricsSink.
type RateTracker struct {
	mu      sync.Mutex
	window  time.Duration
	buckets map[int64]int64
	clock   func() time.Time
}

// NewRateTracker tracks arrivals over the given window (default 10s). A nil
// clock uses time.Now.
func NewRateTracker(window time.Duration, clock func() time.Time) *RateTracker {
	if window <= 0 {
		window = 10 * time.Second
	}
	if clock == nil {
		clock = time.Now
	}
	return &RateTracker{
		window:  window,
		buckets: make(map[int64]int64),
		clock:   clock,
	}
}

// Record counts one arrival.
func (t *RateTracker) Record() {
	now := t.clock()
	t.mu.Lock()
	t.buckets[now.Unix()]++
	t.pruneLocked(now)
	t.mu.Unlock()
}

// EventsPerSecond returns the mean arrival rate over the window.
func (t *RateTracker) EventsPerSecond() float64 {
	now := t.clock()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneLocked(now)
	var total int64
	for _, count := range t.buckets {
		total += count
	}
	seconds := t.window.Seconds()
	if seconds <= 0 {
		return 0
	}
	return float64(total) / seconds
}

func (t *RateTracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-t.window).Unix()
	for sec := range t.buckets {
		if sec < cutoff {
			delete(t.buckets, sec)
		}
	}
}
