package helpers

import (
	"time"

	"github.com/juju/errors"
)

func IntSecondDefault(x int, def time.Duration) time.Duration {
	if x <= 0 {
		return def
	}
	return time.Duration(x) * time.Second
}

func IntMinuteDefault(x int, def time.Duration) time.Duration {
	if x <= 0 {
		return def
	}
	return time.Duration(x) * time.Minute
}

// ClockTime is wall clock time of day, no date, no zone.
type ClockTime struct {
	Hour, Minute, Second int
	Nanosecond           int
}

// ParseClockTime accepts "15:04:05" and "15:04:05.000".
func ParseClockTime(s string) (ClockTime, error) {
	for _, layout := range []string{"15:04:05.000", "15:04:05", "15:04"} {
		if t, err := time.Parse(layout, s); err == nil {
			return ClockTime{Hour: t.Hour(), Minute: t.Minute(), Second: t.Second(), Nanosecond: t.Nanosecond()}, nil
		}
	}
	return ClockTime{}, errors.NotValidf("clock time=%q", s)
}

// On returns the instant of c on the calendar day of t in UTC.
func (c ClockTime) On(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), c.Hour, c.Minute, c.Second, c.Nanosecond, time.UTC)
}
