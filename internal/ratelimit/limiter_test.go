package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeTime pairs a controllable clock with a sleeper that advances it, so
// WaitForSlot runs instantly while observing real durations.
type fakeTime struct {
	now   time.Time
	slept []time.Duration
}

func newFakeTime() *fakeTime {
	return &fakeTime{now: time.Date(2026, time.March, 2, 14, 0, 0, 0, time.UTC)}
}

func (f *fakeTime) clock() time.Time { return f.now }

func (f *fakeTime) sleep(_ context.Context, d time.Duration) error {
	f.slept = append(f.slept, d)
	f.now = f.now.Add(d)
	return nil
}

func (f *fakeTime) options() []Option {
	return []Option{WithClock(f.clock), WithSleeper(f.sleep)}
}

func TestLimiterAdmitsUpToWindowThenWaits(t *testing.T) {
	ft := newFakeTime()
	l := NewLimiter("polygon", Config{MaxPerWindow: 5, Window: time.Minute}, ft.options()...)

	for i := 0; i < 5; i++ {
		waited, err := l.WaitForSlot(context.Background())
		require.NoError(t, err)
		require.Zero(t, waited)
	}

	// The sixth request waits for the oldest entry to leave the window.
	waited, err := l.WaitForSlot(context.Background())
	require.NoError(t, err)
	require.Equal(t, time.Minute, waited)
	require.Equal(t, []time.Duration{time.Minute}, ft.slept)
}

func TestLimiterMinSpacing(t *testing.T) {
	ft := newFakeTime()
	l := NewLimiter("polygon", Config{MaxPerWindow: 100, Window: time.Minute, MinSpacing: 12 * time.Second}, ft.options()...)

	waited, err := l.WaitForSlot(context.Background())
	require.NoError(t, err)
	require.Zero(t, waited)

	waited, err = l.WaitForSlot(context.Background())
	require.NoError(t, err)
	require.Equal(t, 12*time.Second, waited)
}

func TestLimiterExplicitCooldown(t *testing.T) {
	ft := newFakeTime()
	l := NewLimiter("polygon", Config{MaxPerWindow: 5, Window: time.Minute}, ft.options()...)

	l.RecordRateLimitHit(30 * time.Second)
	st := l.Status()
	require.True(t, st.IsExplicitlyLimited)
	require.Equal(t, 30*time.Second, st.TimeUntilReset)

	waited, err := l.WaitForSlot(context.Background())
	require.NoError(t, err)
	require.Equal(t, 30*time.Second, waited)
}

func TestLimiterZeroRetryAfterUsesFullWindow(t *testing.T) {
	ft := newFakeTime()
	l := NewLimiter("polygon", Config{MaxPerWindow: 5, Window: time.Minute}, ft.options()...)

	l.RecordRateLimitHit(0)
	require.Equal(t, time.Minute, l.Status().TimeUntilReset)
}

func TestLimiterCancelledContext(t *testing.T) {
	ft := newFakeTime()
	l := NewLimiter("polygon", Config{MaxPerWindow: 1, Window: time.Minute}, ft.options()...)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := l.WaitForSlot(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, l.Status().RequestsInWindow)
}

func TestLimiterStatusWindowOccupancy(t *testing.T) {
	ft := newFakeTime()
	l := NewLimiter("polygon", Config{MaxPerWindow: 5, Window: time.Minute}, ft.options()...)

	l.RecordRequest(ft.now)
	ft.now = ft.now.Add(20 * time.Second)
	l.RecordRequest(ft.now)

	st := l.Status()
	require.Equal(t, 2, st.RequestsInWindow)
	require.Equal(t, 40*time.Second, st.WindowRemaining)
	require.False(t, st.IsExplicitlyLimited)
	require.Zero(t, st.TimeUntilReset)

	// Expired entries leave the window.
	ft.now = ft.now.Add(2 * time.Minute)
	require.Zero(t, l.Status().RequestsInWindow)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, Config{MaxPerWindow: 5, Window: time.Minute}.Validate())
	require.Error(t, Config{MaxPerWindow: 0, Window: time.Minute}.Validate())
	require.Error(t, Config{MaxPerWindow: 5, Window: 0}.Validate())
	require.Error(t, Config{MaxPerWindow: 5, Window: time.Minute, MinSpacing: -time.Second}.Validate())
}

func TestRegistryAllLimited(t *testing.T) {
	reg := NewRegistry()
	limited, _ := reg.AllLimited()
	require.False(t, limited)

	ftA := newFakeTime()
	ftB := newFakeTime()
	a := reg.Register("polygon", Config{MaxPerWindow: 1, Window: time.Minute}, ftA.options()...)
	b := reg.Register("alpaca", Config{MaxPerWindow: 1, Window: time.Minute}, ftB.options()...)

	a.RecordRateLimitHit(20 * time.Second)
	limited, _ = reg.AllLimited()
	require.False(t, limited)

	b.RecordRateLimitHit(40 * time.Second)
	limited, wait := reg.AllLimited()
	require.True(t, limited)
	require.Equal(t, 20*time.Second, wait)

	require.Len(t, reg.Statuses(), 2)
}
