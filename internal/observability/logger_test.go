package observability

import (
	"bytes"
	"errors"
	"sync"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
)

// captureLogger records entries for assertions.
type captureLogger struct {
	mu      sync.Mutex
	entries []capturedEntry
}

type capturedEntry struct {
	level  string
	msg    string
	fields []Field
}

func (c *captureLogger) record(level, msg string, fields []Field) {
	c.mu.Lock()
	c.entries = append(c.entries, capturedEntry{level: level, msg: msg, fields: fields})
	c.mu.Unlock()
}

func (c *captureLogger) Debug(msg string, fields ...Field) { c.record("debug", msg, fields) }
func (c *captureLogger) Info(msg string, fields ...Field)  { c.record("info", msg, fields) }
func (c *captureLogger) Warn(msg string, fields ...Field)  { c.record("warn", msg, fields) }
func (c *captureLogger) Error(msg string, fields ...Field) { c.record("error", msg, fields) }

func withCaptureLogger(t *testing.T) *captureLogger {
	t.Helper()
	capture := &captureLogger{}
	SetLogger(capture)
	t.Cleanup(func() { SetLogger(nil) })
	return capture
}

func TestSetLoggerNilRestoresNoop(t *testing.T) {
	SetLogger(&captureLogger{})
	SetLogger(nil)
	require.NotPanics(t, func() { Log().Info("ignored") })
}

func TestTruncatePreview(t *testing.T) {
	require.Equal(t, "short", TruncatePreview([]byte("short"), 10))
	require.Equal(t, "abc...", TruncatePreview([]byte("abcdef"), 3))
	require.Equal(t, "abcdef", TruncatePreview([]byte("abcdef"), 0))
}

func TestAggregateErrors(t *testing.T) {
	capture := withCaptureLogger(t)

	require.NoError(t, AggregateErrors("export", nil))
	require.NoError(t, AggregateErrors("export", []error{nil, nil}))
	require.Empty(t, capture.entries)

	errA := errors.New("write json")
	errB := errors.New("write csv")
	err := AggregateErrors("export", []error{errA, nil, errB})
	require.ErrorIs(t, err, errA)
	require.ErrorIs(t, err, errB)
	require.ErrorContains(t, err, "export failed")

	require.Len(t, capture.entries, 1)
	require.Equal(t, "error", capture.entries[0].level)
}

func TestGuardRecoversListenerPanic(t *testing.T) {
	capture := withCaptureLogger(t)

	require.NotPanics(t, func() {
		Guard("gap-listener", func() { panic("boom") })
	})
	require.Len(t, capture.entries, 1)
	require.Equal(t, "listener panic", capture.entries[0].msg)

	Guard("noop", nil)
	ran := false
	Guard("ok", func() { ran = true })
	require.True(t, ran)
}

func TestZerologAdapterEmitsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewDefaultLogger(&buf, "debug")

	logger.Info("gap detected",
		Field{Key: "symbol", Value: "AAPL"},
		Field{Key: "attempt", Value: 3},
		Field{Key: "err", Value: errors.New("late")},
		Field{Key: "", Value: "skipped"},
	)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "gap detected", entry["message"])
	require.Equal(t, "AAPL", entry["symbol"])
	require.Equal(t, float64(3), entry["attempt"])
	require.Equal(t, "late", entry["err"])
	require.Equal(t, "info", entry["level"])
	require.Contains(t, entry, "time")
}

func TestZerologAdapterLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewDefaultLogger(&buf, "warn")

	logger.Debug("hidden")
	logger.Info("hidden")
	require.Zero(t, buf.Len())

	logger.Error("visible")
	require.Contains(t, buf.String(), "visible")
}
