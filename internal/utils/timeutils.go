package utils

import (
	"fmt"
	"time"
)

// ParseRFC3339 returns a time from the provided string or an error.
func ParseRFC3339(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("empty time value")
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time: %w", err)
	}
	return t, nil
}

// AlignPeriod truncates t down to the start of the wall-clock period that
// contains it. Periods are aligned to multiples of the period length since
// the Unix epoch, so a 300s period always starts at :00, :05, :10 and so on.
func AlignPeriod(t time.Time, period time.Duration) time.Time {
	if period <= 0 {
		return t
	}
	return t.Truncate(period)
}

// LastClosedPeriodStart returns the start of the most recently closed
// period as of now. A period [start, start+period) is closed once
// now >= start+period.
func LastClosedPeriodStart(now time.Time, period time.Duration) time.Time {
	return AlignPeriod(now, period).Add(-period)
}
