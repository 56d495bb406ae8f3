// Package schema defines canonical market data entities shared across the monitor.
package schema

import (
	"fmt"
	"strings"
	"time"
)

// NormalizeSymbol canonicalizes a symbol for keying. Symbols are
// case-insensitive; all internal maps key on the uppercase form.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// SessionDate identifies a UTC trading day.
type SessionDate struct {
	Year  int
	Month time.Month
	Day   int
}

// DateOf returns the session date containing the given instant, in UTC.
func DateOf(t time.Time) SessionDate {
	u := t.UTC()
	return SessionDate{Year: u.Year(), Month: u.Month(), Day: u.Day()}
}

// ParseSessionDate parses a YYYY-MM-DD date string.
func ParseSessionDate(s string) (SessionDate, error) {
	t, err := time.Parse("2006-01-02", strings.TrimSpace(s))
	if err != nil {
		return SessionDate{}, fmt.Errorf("parse session date %q: %w", s, err)
	}
	return DateOf(t), nil
}

// Time returns midnight UTC of the session date.
func (d SessionDate) Time() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

// AddDays returns the session date shifted by n calendar days.
func (d SessionDate) AddDays(n int) SessionDate {
	return DateOf(d.Time().AddDate(0, 0, n))
}

// Before reports whether d precedes other.
func (d SessionDate) Before(other SessionDate) bool {
	return d.Time().Before(other.Time())
}

// Weekday returns the day of week for the session date.
func (d SessionDate) Weekday() time.Weekday {
	return d.Time().Weekday()
}

func (d SessionDate) String() string {
	return d.Time().Format("2006-01-02")
}

// MarshalJSON encodes the session date as a YYYY-MM-DD string.
func (d SessionDate) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

// UnmarshalJSON decodes a YYYY-MM-DD string.
func (d *SessionDate) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	parsed, err := ParseSessionDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
