// Package recurrence computes the next fire time for recurring broadcast
// campaigns.
//
// The calculator is a pure function over (rule, lastFired, now). It encodes
// a skip catch-up policy: if the process was down across one or more slots,
// the missed occurrences are skipped, not queued. The calculator keeps
// stepping forward until it lands on a slot in the future.
package recurrence

import (
	"time"

	"github.com/eksporyuk/broadcast-engine/internal/domain"
)

// catchUpTolerance allows a slot marginally in the past to still fire, so a
// dispatcher poll landing a few seconds after the slot doesn't skip it.
const catchUpTolerance = time.Minute

// NextFireTime returns the next occurrence of rule strictly after lastFired,
// fast-forwarded past referenceNow. ok is false when the rule is exhausted:
// the computed occurrence falls after the rule's inclusive EndDate.
func NextFireTime(rule *domain.RecurrenceRule, lastFired, referenceNow time.Time) (time.Time, bool) {
	if rule == nil {
		return time.Time{}, false
	}
	hour, minute, err := rule.ClockTime()
	if err != nil {
		return time.Time{}, false
	}
	interval := rule.Interval
	if interval < 1 {
		interval = 1
	}

	next := step(rule, lastFired, interval, hour, minute)
	horizon := referenceNow.Add(-catchUpTolerance)
	for !next.After(horizon) {
		if expired(rule, next) {
			return time.Time{}, false
		}
		next = step(rule, next, interval, hour, minute)
	}

	if expired(rule, next) {
		return time.Time{}, false
	}
	return next, true
}

// expired reports whether t falls after the rule's inclusive end date. The
// end date is compared against the end of its calendar day so a date-only
// bound covers occurrences on that day.
func expired(rule *domain.RecurrenceRule, t time.Time) bool {
	if rule.EndDate == nil {
		return false
	}
	end := *rule.EndDate
	endOfDay := time.Date(end.Year(), end.Month(), end.Day(), 23, 59, 59, 0, t.Location())
	return t.After(endOfDay)
}

// step advances one occurrence from `from` according to the rule.
func step(rule *domain.RecurrenceRule, from time.Time, interval, hour, minute int) time.Time {
	switch rule.Frequency {
	case domain.FrequencyWeekly:
		return stepWeekly(from, interval, hour, minute, rule.DaysOfWeek)
	case domain.FrequencyMonthly:
		return stepMonthly(from, interval, hour, minute)
	default: // DAILY
		return atClock(from.AddDate(0, 0, interval), hour, minute)
	}
}

// stepWeekly advances from the last fire to the next allowed weekday. With
// an explicit day set we scan day-by-day; the minimum advance is one
// calendar day so the same slot never re-fires. With no day set the rule
// fires on the same weekday every interval weeks.
func stepWeekly(from time.Time, interval, hour, minute int, daysOfWeek []int) time.Time {
	if len(daysOfWeek) == 0 {
		return atClock(from.AddDate(0, 0, 7*interval), hour, minute)
	}
	allowed := make(map[time.Weekday]bool, len(daysOfWeek))
	for _, d := range daysOfWeek {
		allowed[time.Weekday(d)] = true
	}
	next := from.AddDate(0, 0, 1)
	for !allowed[next.Weekday()] {
		next = next.AddDate(0, 0, 1)
	}
	return atClock(next, hour, minute)
}

// stepMonthly adds interval calendar months, clamping the day-of-month to
// the target month's last day (Jan 31 + 1 month → Feb 28/29).
func stepMonthly(from time.Time, interval, hour, minute int) time.Time {
	year, month, day := from.Date()
	m := int(month) + interval
	year += (m - 1) / 12
	month = time.Month((m-1)%12 + 1)
	if last := daysIn(year, month); day > last {
		day = last
	}
	return time.Date(year, month, day, hour, minute, 0, 0, from.Location())
}

// atClock keeps d's date and pins the clock to the rule's time of day.
func atClock(d time.Time, hour, minute int) time.Time {
	return time.Date(d.Year(), d.Month(), d.Day(), hour, minute, 0, 0, d.Location())
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
