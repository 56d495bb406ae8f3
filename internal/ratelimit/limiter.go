// Package ratelimit implements per-provider sliding-window request admission.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Config bounds request admission for one provider.
type Config struct {
	MaxPerWindow int
	Window       time.Duration
	MinSpacing   time.Duration
}

// Validate rejects configurations that would never admit a request.
func (c Config) Validate() error {
	if c.MaxPerWindow <= 0 {
		return fmt.Errorf("rate limit maxPerWindow must be positive, got %d", c.MaxPerWindow)
	}
	if c.Window <= 0 {
		return fmt.Errorf("rate limit window must be positive, got %s", c.Window)
	}
	if c.MinSpacing < 0 {
		return fmt.Errorf("rate limit minSpacing must not be negative, got %s", c.MinSpacing)
	}
	return nil
}

// Status is a point-in-time snapshot of limiter state.
type Status struct {
	Provider            string        `json:"provider"`
	RequestsInWindow    int           `json:"requests_in_window"`
	MaxPerWindow        int           `json:"max_per_window"`
	WindowRemaining     time.Duration `json:"window_remaining_ns"`
	IsExplicitlyLimited bool          `json:"is_explicitly_limited"`
	TimeUntilReset      time.Duration `json:"time_until_reset_ns"`
}

// Limiter admits requests for a single provider under a sliding window, a
// minimum spacing between consecutive requests, and an explicit cooldown set
// when the provider reports a rate-limit hit. The limiter is the sole mutator
// of its state; all fields are guarded by one mutex.
type Limiter struct {
	provider string
	cfg      Config

	mu            sync.Mutex
	requests      []time.Time
	cooldownUntil time.Time

	clock func() time.Time
	sleep func(context.Context, time.Duration) error
}

// Option adjusts limiter construction, primarily for tests.
type Option func(*Limiter)

// WithClock overrides the wall clock.
func WithClock(clock func() time.Time) Option {
	return func(l *Limiter) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// WithSleeper overrides the cancellable sleep used while waiting for a slot.
func WithSleeper(sleep func(context.Context, time.Duration) error) Option {
	return func(l *Limiter) {
		if sleep != nil {
			l.sleep = sleep
		}
	}
}

// NewLimiter constructs a limiter for the named provider.
func NewLimiter(provider string, cfg Config, opts ...Option) *Limiter {
	l := &Limiter{
		provider: provider,
		cfg:      cfg,
		requests: make([]time.Time, 0, cfg.MaxPerWindow),
		clock:    time.Now,
		sleep:    sleepWithContext,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Provider returns the provider this limiter guards.
func (l *Limiter) Provider() string { return l.provider }

// RecordRequest appends a request instant and evicts entries that have left
// the window. Callers that bypass WaitForSlot (e.g. opportunistic probes)
// must still record through here so the window stays truthful.
func (l *Limiter) RecordRequest(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.evictLocked(now)
	l.requests = append(l.requests, now)
}

// RecordRateLimitHit starts an explicit cooldown. A zero retryAfter falls
// back to one full window.
func (l *Limiter) RecordRateLimitHit(retryAfter time.Duration) {
	now := l.clock()
	if retryAfter <= 0 {
		retryAfter = l.cfg.Window
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	until := now.Add(retryAfter)
	if until.After(l.cooldownUntil) {
		l.cooldownUntil = until
	}
}

// WaitForSlot blocks until the limiter admits a request, records it, and
// returns how long the caller waited. Cancellation returns the context error
// without mutating limiter state.
func (l *Limiter) WaitForSlot(ctx context.Context) (time.Duration, error) {
	start := l.clock()
	for {
		if err := ctx.Err(); err != nil {
			return 0, fmt.Errorf("rate limiter %s: %w", l.provider, err)
		}

		l.mu.Lock()
		now := l.clock()
		l.evictLocked(now)
		next := l.nextEligibleLocked(now)
		if !next.After(now) {
			l.requests = append(l.requests, now)
			l.mu.Unlock()
			return now.Sub(start), nil
		}
		wait := next.Sub(now)
		l.mu.Unlock()

		if err := l.sleep(ctx, wait); err != nil {
			return 0, fmt.Errorf("rate limiter %s: %w", l.provider, err)
		}
	}
}

// Status reports the limiter's current occupancy without mutating it.
func (l *Limiter) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock()
	inWindow := 0
	var oldest time.Time
	for _, ts := range l.requests {
		if ts.After(now.Add(-l.cfg.Window)) {
			if inWindow == 0 {
				oldest = ts
			}
			inWindow++
		}
	}
	st := Status{
		Provider:         l.provider,
		RequestsInWindow: inWindow,
		MaxPerWindow:     l.cfg.MaxPerWindow,
	}
	if inWindow > 0 {
		st.WindowRemaining = oldest.Add(l.cfg.Window).Sub(now)
		if st.WindowRemaining < 0 {
			st.WindowRemaining = 0
		}
	}
	if l.cooldownUntil.After(now) {
		st.IsExplicitlyLimited = true
		st.TimeUntilReset = l.cooldownUntil.Sub(now)
	} else if inWindow >= l.cfg.MaxPerWindow {
		st.TimeUntilReset = st.WindowRemaining
	}
	return st
}

// nextEligibleLocked computes the earliest instant at which a new request can
// be admitted: after any explicit cooldown, after the oldest in-window
// request expires when the window is full, and after the minimum spacing
// since the most recent request.
func (l *Limiter) nextEligibleLocked(now time.Time) time.Time {
	next := now
	if l.cooldownUntil.After(next) {
		next = l.cooldownUntil
	}
	if len(l.requests) >= l.cfg.MaxPerWindow {
		oldest := l.requests[len(l.requests)-l.cfg.MaxPerWindow]
		if freed := oldest.Add(l.cfg.Window); freed.After(next) {
			next = freed
		}
	}
	if l.cfg.MinSpacing > 0 && len(l.requests) > 0 {
		last := l.requests[len(l.requests)-1]
		if spaced := last.Add(l.cfg.MinSpacing); spaced.After(next) {
			next = spaced
		}
	}
	return next
}

func (l *Limiter) evictLocked(now time.Time) {
	cutoff := now.Add(-l.cfg.Window)
	idx := 0
	for idx < len(l.requests) && !l.requests[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		l.requests = append(l.requests[:0], l.requests[idx:]...)
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
