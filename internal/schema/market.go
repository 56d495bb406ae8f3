package schema

import "time"

// MarketHours describes the UTC trading window during which SLA and
// staleness checks are active. Minutes are measured from midnight UTC.
type MarketHours struct {
	OpenMinuteUTC  int
	CloseMinuteUTC int
	Weekdays       [7]bool
}

// DefaultMarketHours covers US equities regular hours, 13:30-20:00 UTC,
// Monday through Friday.
func DefaultMarketHours() MarketHours {
	return MarketHours{
		OpenMinuteUTC:  13*60 + 30,
		CloseMinuteUTC: 20 * 60,
		Weekdays: [7]bool{
			time.Sunday:    false,
			time.Monday:    true,
			time.Tuesday:   true,
			time.Wednesday: true,
			time.Thursday:  true,
			time.Friday:    true,
			time.Saturday:  false,
		},
	}
}

// IsOpen reports whether the instant falls inside the trading window.
func (m MarketHours) IsOpen(t time.Time) bool {
	u := t.UTC()
	if !m.Weekdays[u.Weekday()] {
		return false
	}
	minute := u.Hour()*60 + u.Minute()
	return minute >= m.OpenMinuteUTC && minute < m.CloseMinuteUTC
}

// TradingDuration returns the length of one session.
func (m MarketHours) TradingDuration() time.Duration {
	return time.Duration(m.CloseMinuteUTC-m.OpenMinuteUTC) * time.Minute
}

// TradingMinutes returns the session length in whole minutes.
func (m MarketHours) TradingMinutes() int {
	return m.CloseMinuteUTC - m.OpenMinuteUTC
}

// OpenAt returns the session open instant for the given date.
func (m MarketHours) OpenAt(d SessionDate) time.Time {
	return d.Time().Add(time.Duration(m.OpenMinuteUTC) * time.Minute)
}

// CloseAt returns the session close instant for the given date.
func (m MarketHours) CloseAt(d SessionDate) time.Time {
	return d.Time().Add(time.Duration(m.CloseMinuteUTC) * time.Minute)
}

// MinuteWithinSession reports whether a minute-of-day index falls inside the
// trading window.
func (m MarketHours) MinuteWithinSession(minuteOfDay int) bool {
	return minuteOfDay >= m.OpenMinuteUTC && minuteOfDay < m.CloseMinuteUTC
}
