package schedule

import (
	"fmt"
	"time"
)

// Interval is a recurrence step for a recurring transaction.
type Interval string

const (
	Daily   Interval = "DAILY"
	Weekly  Interval = "WEEKLY"
	Monthly Interval = "MONTHLY"
	Yearly  Interval = "YEARLY"
)

// Valid reports whether iv is one of the known recurrence intervals.
func Valid(iv Interval) bool {
	switch iv {
	case Daily, Weekly, Monthly, Yearly:
		return true
	}
	return false
}

// Next returns the next occurrence of a recurring transaction dated t.
// MONTHLY and YEARLY keep the day-of-month where it exists in the target
// month and clamp to the month's last day otherwise (Jan 31 -> Feb 29 in a
// leap year, Feb 29 -> Feb 28 of the next year). An unknown interval is a
// contract violation and returns an error instead of passing t through.
func Next(t time.Time, iv Interval) (time.Time, error) {
	switch iv {
	case Daily:
		return t.AddDate(0, 0, 1), nil
	case Weekly:
		return t.AddDate(0, 0, 7), nil
	case Monthly:
		return addMonthsClamped(t, 1), nil
	case Yearly:
		return addMonthsClamped(t, 12), nil
	}
	return time.Time{}, fmt.Errorf("schedule: unknown interval %q", iv)
}

// addMonthsClamped adds months without the AddDate overflow (Jan 31 + 1 month
// must not land in March).
func addMonthsClamped(t time.Time, months int) time.Time {
	y, m, d := t.Date()
	h, min, sec := t.Clock()
	first := time.Date(y, m+time.Month(months), 1, 0, 0, 0, 0, t.Location())
	if last := daysIn(first.Year(), first.Month(), t.Location()); d > last {
		d = last
	}
	return time.Date(first.Year(), first.Month(), d, h, min, sec, t.Nanosecond(), t.Location())
}

// daysIn returns the number of days in the given month.
func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}
