package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/clearing-core/internal/storage"
)

func TestNext_S7DailyFromJustBeforeFireTime(t *testing.T) {
	loc := time.UTC
	from := time.Date(2026, 7, 30, 8, 59, 30, 0, loc)
	sched := storage.Schedule{Kind: storage.ScheduleDaily, Hour: 9, Minute: 0}

	next, err := Next(sched, from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 7, 30, 9, 0, 0, 0, loc), next)

	afterFire, err := Next(sched, next)
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, afterFire.Sub(next), "the following day's fire time is exactly 24h later")
}

func TestNext_DailyRollsToTomorrowWhenTimeAlreadyPassed(t *testing.T) {
	from := time.Date(2026, 7, 30, 9, 30, 0, 0, time.UTC)
	sched := storage.Schedule{Kind: storage.ScheduleDaily, Hour: 9, Minute: 0}

	next, err := Next(sched, from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC), next)
}

func TestNext_WeeklyPicksMatchingWeekday(t *testing.T) {
	from := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC) // Thursday
	sched := storage.Schedule{Kind: storage.ScheduleWeekly, DayOfWeek: time.Monday, Hour: 10, Minute: 0}

	next, err := Next(sched, from)
	require.NoError(t, err)
	assert.Equal(t, time.Monday, next.Weekday())
	assert.True(t, next.After(from))
}

func TestNext_MonthlyClampsToLastDayOfShortMonth(t *testing.T) {
	from := time.Date(2026, 1, 31, 13, 0, 0, 0, time.UTC) // January's fire time has passed
	sched := storage.Schedule{Kind: storage.ScheduleMonthly, DayOfMonth: 31, Hour: 12, Minute: 0}

	next, err := Next(sched, from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 28, 12, 0, 0, 0, time.UTC), next, "February has no 31st, clamp to its last day")
}

func TestNext_IntervalAdvancesByExactlyOnePeriodFromAnchor(t *testing.T) {
	anchor := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)
	sched := storage.Schedule{Kind: storage.ScheduleInterval, IntervalMs: int64(30 * time.Minute / time.Millisecond)}

	next, err := Next(sched, anchor)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, next.Sub(anchor))
}

func TestNext_OneTimeReturnsExecuteAtUnchanged(t *testing.T) {
	at := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	sched := storage.Schedule{Kind: storage.ScheduleOneTime, ExecuteAt: &at}

	next, err := Next(sched, time.Now())
	require.NoError(t, err)
	assert.Equal(t, at, next)
}
