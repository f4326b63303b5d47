package automation

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hylla/boardsync/internal/domain"
)

// NextRun computes the next due time for a scheduled trigger, strictly after
// now: the next full hour for hourly; the next boundary divisible by four
// for every-4-hours; the next occurrence of the specific time for daily,
// rolling to the next day when already passed; the next occurrence of
// day-of-week plus time for weekly, rolling to the next week when already
// passed today.
func NextRun(trigger domain.Trigger, now time.Time) (time.Time, error) {
	if trigger.Type != domain.TriggerScheduled {
		return time.Time{}, domain.ErrInvalidTrigger
	}
	switch trigger.Interval {
	case domain.IntervalHourly:
		return time.Date(now.Year(), now.Month(), now.Day(), now.Hour()+1, 0, 0, 0, now.Location()), nil

	case domain.IntervalEvery4Hours:
		next := ((now.Hour() / 4) + 1) * 4
		// time.Date normalizes hour 24 into the next day.
		return time.Date(now.Year(), now.Month(), now.Day(), next, 0, 0, 0, now.Location()), nil

	case domain.IntervalDaily:
		hour, minute, err := parseClockTime(trigger.SpecificTime)
		if err != nil {
			return time.Time{}, err
		}
		candidate := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
		if !candidate.After(now) {
			candidate = candidate.AddDate(0, 0, 1)
		}
		return candidate, nil

	case domain.IntervalWeekly:
		hour, minute, err := parseClockTime(trigger.SpecificTime)
		if err != nil {
			return time.Time{}, err
		}
		weekday := now.Weekday()
		if trigger.DayOfWeek != nil {
			weekday = *trigger.DayOfWeek
		}
		days := (int(weekday) - int(now.Weekday()) + 7) % 7
		candidate := time.Date(now.Year(), now.Month(), now.Day()+days, hour, minute, 0, 0, now.Location())
		if !candidate.After(now) {
			candidate = candidate.AddDate(0, 0, 7)
		}
		return candidate, nil
	}
	return time.Time{}, domain.ErrInvalidTrigger
}

// parseClockTime parses "HH:MM"; an empty string means midnight.
func parseClockTime(value string) (hour, minute int, err error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, 0, nil
	}
	parts := strings.SplitN(value, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q", value)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", value)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", value)
	}
	return hour, minute, nil
}
