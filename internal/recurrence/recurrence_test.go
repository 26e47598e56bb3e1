package recurrence

import (
	"testing"
	"time"

	"github.com/eksporyuk/broadcast-engine/internal/domain"
)

func mustTime(t *testing.T, value string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, value)
	if err != nil {
		t.Fatalf("bad time literal %q: %v", value, err)
	}
	return ts
}

func TestNextFireTime_Daily(t *testing.T) {
	last := mustTime(t, "2024-01-01T09:00:00Z")
	now := mustTime(t, "2024-01-01T09:00:30Z")

	rule := &domain.RecurrenceRule{Frequency: domain.FrequencyDaily, Interval: 1, TimeOfDay: "09:00"}
	next, ok := NextFireTime(rule, last, now)
	if !ok {
		t.Fatal("expected a next occurrence")
	}
	if want := mustTime(t, "2024-01-02T09:00:00Z"); !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestNextFireTime_DailyInterval(t *testing.T) {
	last := mustTime(t, "2024-01-01T07:30:00Z")
	now := mustTime(t, "2024-01-01T08:00:00Z")

	rule := &domain.RecurrenceRule{Frequency: domain.FrequencyDaily, Interval: 3, TimeOfDay: "07:30"}
	next, ok := NextFireTime(rule, last, now)
	if !ok {
		t.Fatal("expected a next occurrence")
	}
	if want := mustTime(t, "2024-01-04T07:30:00Z"); !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestNextFireTime_WeeklyDaysOfWeek(t *testing.T) {
	// Mon/Wed/Fri at 10:00. Every produced slot must land on one of those
	// days, strictly after the last fire, at the rule's time of day.
	rule := &domain.RecurrenceRule{
		Frequency:  domain.FrequencyWeekly,
		Interval:   1,
		TimeOfDay:  "10:00",
		DaysOfWeek: []int{1, 3, 5},
	}

	starts := []string{
		"2024-01-01T10:00:00Z", // Monday
		"2024-01-03T10:00:00Z", // Wednesday
		"2024-01-05T10:00:00Z", // Friday
		"2024-01-06T15:45:00Z", // Saturday
		"2024-01-07T00:00:00Z", // Sunday
	}
	allowed := map[time.Weekday]bool{time.Monday: true, time.Wednesday: true, time.Friday: true}

	for _, s := range starts {
		last := mustTime(t, s)
		next, ok := NextFireTime(rule, last, last)
		if !ok {
			t.Fatalf("start %s: expected a next occurrence", s)
		}
		if !next.After(last) {
			t.Errorf("start %s: next %v not strictly after last fire", s, next)
		}
		if !allowed[next.Weekday()] {
			t.Errorf("start %s: next %v lands on %v", s, next, next.Weekday())
		}
		if next.Hour() != 10 || next.Minute() != 0 {
			t.Errorf("start %s: next %v not at 10:00", s, next)
		}
	}
}

func TestNextFireTime_WeeklySameSlotNeverRefires(t *testing.T) {
	// Last fired Monday 10:00; Monday is in the day set. The minimum
	// advance of one calendar day must push to Wednesday, not re-fire
	// Monday's slot.
	rule := &domain.RecurrenceRule{
		Frequency:  domain.FrequencyWeekly,
		Interval:   1,
		TimeOfDay:  "10:00",
		DaysOfWeek: []int{1, 3},
	}
	last := mustTime(t, "2024-01-01T10:00:00Z") // Monday
	next, ok := NextFireTime(rule, last, last)
	if !ok {
		t.Fatal("expected a next occurrence")
	}
	if want := mustTime(t, "2024-01-03T10:00:00Z"); !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestNextFireTime_WeeklyEmptyDays(t *testing.T) {
	// No day set: fire on the same weekday every interval weeks.
	rule := &domain.RecurrenceRule{Frequency: domain.FrequencyWeekly, Interval: 2, TimeOfDay: "08:15"}
	last := mustTime(t, "2024-01-02T08:15:00Z") // Tuesday
	next, ok := NextFireTime(rule, last, last)
	if !ok {
		t.Fatal("expected a next occurrence")
	}
	if want := mustTime(t, "2024-01-16T08:15:00Z"); !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
	if next.Weekday() != time.Tuesday {
		t.Errorf("next lands on %v, want Tuesday", next.Weekday())
	}
}

func TestNextFireTime_MonthlyClamp(t *testing.T) {
	rule := &domain.RecurrenceRule{Frequency: domain.FrequencyMonthly, Interval: 1, TimeOfDay: "09:00"}

	tests := []struct {
		last string
		want string
	}{
		// Jan 31 -> Feb 29 (2024 is a leap year)
		{"2024-01-31T09:00:00Z", "2024-02-29T09:00:00Z"},
		// Jan 31 2023 -> Feb 28 (non-leap)
		{"2023-01-31T09:00:00Z", "2023-02-28T09:00:00Z"},
		// Mar 31 -> Apr 30
		{"2024-03-31T09:00:00Z", "2024-04-30T09:00:00Z"},
		// Mid-month stays put
		{"2024-01-15T09:00:00Z", "2024-02-15T09:00:00Z"},
	}
	for _, tt := range tests {
		last := mustTime(t, tt.last)
		next, ok := NextFireTime(rule, last, last)
		if !ok {
			t.Fatalf("last %s: expected a next occurrence", tt.last)
		}
		if want := mustTime(t, tt.want); !next.Equal(want) {
			t.Errorf("last %s: next = %v, want %v", tt.last, next, want)
		}
	}
}

func TestNextFireTime_MonthlyYearRollover(t *testing.T) {
	rule := &domain.RecurrenceRule{Frequency: domain.FrequencyMonthly, Interval: 3, TimeOfDay: "12:00"}
	last := mustTime(t, "2024-11-30T12:00:00Z")
	next, ok := NextFireTime(rule, last, last)
	if !ok {
		t.Fatal("expected a next occurrence")
	}
	if want := mustTime(t, "2025-02-28T12:00:00Z"); !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestNextFireTime_EndDateInPast(t *testing.T) {
	end := mustTime(t, "2024-01-05T00:00:00Z")
	rule := &domain.RecurrenceRule{
		Frequency: domain.FrequencyDaily,
		Interval:  1,
		TimeOfDay: "09:00",
		EndDate:   &end,
	}
	last := mustTime(t, "2024-01-05T09:00:00Z")
	now := mustTime(t, "2024-02-01T00:00:00Z")
	if _, ok := NextFireTime(rule, last, now); ok {
		t.Error("rule with endDate in the past must not produce an occurrence")
	}
}

func TestNextFireTime_EndDateInclusive(t *testing.T) {
	end := mustTime(t, "2024-01-02T00:00:00Z")
	rule := &domain.RecurrenceRule{
		Frequency: domain.FrequencyDaily,
		Interval:  1,
		TimeOfDay: "09:00",
		EndDate:   &end,
	}
	last := mustTime(t, "2024-01-01T09:00:00Z")

	// Jan 2 09:00 falls on the end date itself, so it still fires.
	next, ok := NextFireTime(rule, last, last)
	if !ok {
		t.Fatal("occurrence on the end date must be allowed")
	}
	if want := mustTime(t, "2024-01-02T09:00:00Z"); !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}

	// From there the rule is exhausted.
	if _, ok := NextFireTime(rule, next, next); ok {
		t.Error("rule must be exhausted after the end date")
	}
}

func TestNextFireTime_SkipsMissedOccurrences(t *testing.T) {
	// Process was down for nine days: the missed slots are skipped and the
	// next fire is the first slot in the future, not a burst.
	rule := &domain.RecurrenceRule{Frequency: domain.FrequencyDaily, Interval: 1, TimeOfDay: "09:00"}
	last := mustTime(t, "2024-01-01T09:00:00Z")
	now := mustTime(t, "2024-01-10T12:00:00Z")

	next, ok := NextFireTime(rule, last, now)
	if !ok {
		t.Fatal("expected a next occurrence")
	}
	if want := mustTime(t, "2024-01-11T09:00:00Z"); !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestNextFireTime_CatchUpRespectsEndDate(t *testing.T) {
	// The rule expired while the process was down; fast-forwarding must not
	// run past the end date looking for a future slot.
	end := mustTime(t, "2024-01-03T00:00:00Z")
	rule := &domain.RecurrenceRule{
		Frequency: domain.FrequencyDaily,
		Interval:  1,
		TimeOfDay: "09:00",
		EndDate:   &end,
	}
	last := mustTime(t, "2024-01-01T09:00:00Z")
	now := mustTime(t, "2024-06-01T00:00:00Z")
	if _, ok := NextFireTime(rule, last, now); ok {
		t.Error("expired rule must not fast-forward into an occurrence")
	}
}

func TestNextFireTime_NilOrInvalidRule(t *testing.T) {
	now := mustTime(t, "2024-01-01T09:00:00Z")
	if _, ok := NextFireTime(nil, now, now); ok {
		t.Error("nil rule must not produce an occurrence")
	}
	bad := &domain.RecurrenceRule{Frequency: domain.FrequencyDaily, Interval: 1, TimeOfDay: "junk"}
	if _, ok := NextFireTime(bad, now, now); ok {
		t.Error("unparseable timeOfDay must not produce an occurrence")
	}
}
