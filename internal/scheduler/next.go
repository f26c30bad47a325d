package scheduler

import (
	"fmt"
	"time"

	"github.com/mbd888/clearing-core/internal/storage"
)

// Next computes a Schedule's next execution time strictly after from.
// Coalescing missed ticks relies on callers passing the payment's own
// prior NextExecuteAt as from rather than time.Now(): the anchor
// advances by exactly one period regardless of how many periods were
// missed while the driver was down, so a payment overdue by three
// days fires once and becomes due again on the following driver tick
// rather than firing three times in a row.
func Next(s storage.Schedule, from time.Time) (time.Time, error) {
	switch s.Kind {
	case storage.ScheduleOneTime:
		if s.ExecuteAt == nil {
			return time.Time{}, fmt.Errorf("scheduler: ONE_TIME schedule has no executeAt")
		}
		return *s.ExecuteAt, nil
	case storage.ScheduleInterval:
		if s.IntervalMs <= 0 {
			return time.Time{}, fmt.Errorf("scheduler: INTERVAL schedule needs a positive intervalMs")
		}
		return from.Add(time.Duration(s.IntervalMs) * time.Millisecond), nil
	case storage.ScheduleDaily:
		return nextClockTime(from, s.Hour, s.Minute), nil
	case storage.ScheduleWeekly:
		return nextWeekly(from, s.DayOfWeek, s.Hour, s.Minute), nil
	case storage.ScheduleMonthly:
		return nextMonthly(from, s.DayOfMonth, s.Hour, s.Minute), nil
	default:
		return time.Time{}, fmt.Errorf("scheduler: unknown schedule kind %q", s.Kind)
	}
}

// nextClockTime returns the next hour:minute strictly after from, in
// from's own location, rolling to the following day when hour:minute
// has already passed today.
func nextClockTime(from time.Time, hour, minute int) time.Time {
	candidate := time.Date(from.Year(), from.Month(), from.Day(), hour, minute, 0, 0, from.Location())
	if !candidate.After(from) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate
}

func nextWeekly(from time.Time, dow time.Weekday, hour, minute int) time.Time {
	candidate := nextClockTime(from, hour, minute)
	for candidate.Weekday() != dow {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate
}

// nextMonthly anchors to dayOfMonth, clamped to the target month's
// last day (e.g. dayOfMonth=31 on a 30-day month fires on the 30th).
func nextMonthly(from time.Time, dayOfMonth, hour, minute int) time.Time {
	year, month := from.Year(), from.Month()
	candidate := monthlyOccurrence(year, month, dayOfMonth, hour, minute, from.Location())
	if !candidate.After(from) {
		year, month = addMonth(year, month)
		candidate = monthlyOccurrence(year, month, dayOfMonth, hour, minute, from.Location())
	}
	return candidate
}

func monthlyOccurrence(year int, month time.Month, dayOfMonth, hour, minute int, loc *time.Location) time.Time {
	day := dayOfMonth
	if last := lastDayOfMonth(year, month); day > last {
		day = last
	}
	return time.Date(year, month, day, hour, minute, 0, 0, loc)
}

func lastDayOfMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func addMonth(year int, month time.Month) (int, time.Month) {
	if month == time.December {
		return year + 1, time.January
	}
	return year, month + 1
}
