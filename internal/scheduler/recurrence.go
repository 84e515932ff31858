package scheduler

import (
	"time"

	"github.com/irfndi/botfleet-go/internal/models"
)

// NextRun computes the next scheduled_time after one execution, or nil
// when the command does not recur. Times are host-local wall clock and
// the time of day is preserved.
func NextRun(cmd *models.ScheduledCommand) *time.Time {
	base := cmd.ScheduledTime
	switch cmd.RecurrenceType {
	case models.RecurrenceDaily:
		next := base.Add(24 * time.Hour)
		return &next
	case models.RecurrenceWeekly:
		next := base.Add(7 * 24 * time.Hour)
		return &next
	case models.RecurrenceMonthly:
		next := addMonthClamped(base)
		return &next
	case models.RecurrenceWeeklyDays:
		return nextWeekday(base, cmd.Weekdays)
	default:
		return nil
	}
}

// addMonthClamped adds one calendar month, clamping to the last day of
// the target month (Jan 31 -> Feb 28/29, never Mar 3).
func addMonthClamped(t time.Time) time.Time {
	year, month, day := t.Date()
	firstOfNext := time.Date(year, month+1, 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	if last := daysInMonth(firstOfNext.Year(), firstOfNext.Month()); day > last {
		day = last
	}
	return time.Date(firstOfNext.Year(), firstOfNext.Month(), day,
		t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func daysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// nextWeekday advances to the next calendar day whose weekday is in the
// set. Weekdays are 0=Monday..6=Sunday.
func nextWeekday(base time.Time, weekdays []int) *time.Time {
	if len(weekdays) == 0 {
		return nil
	}
	allowed := make(map[int]bool, len(weekdays))
	for _, d := range weekdays {
		if d >= 0 && d <= 6 {
			allowed[d] = true
		}
	}
	if len(allowed) == 0 {
		return nil
	}
	for i := 1; i <= 7; i++ {
		next := base.AddDate(0, 0, i)
		if allowed[mondayIndexed(next.Weekday())] {
			return &next
		}
	}
	return nil
}

func mondayIndexed(d time.Weekday) int {
	return (int(d) + 6) % 7
}
