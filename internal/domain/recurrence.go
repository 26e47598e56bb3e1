package domain

import (
	"fmt"
	"time"
)

// Frequency enumerates the supported recurrence frequencies.
type Frequency string

const (
	FrequencyDaily   Frequency = "DAILY"
	FrequencyWeekly  Frequency = "WEEKLY"
	FrequencyMonthly Frequency = "MONTHLY"
)

// RecurrenceRule describes how a campaign repeats after its first fire.
//
// TimeOfDay is "HH:MM" on the rule's local clock. DaysOfWeek uses 0=Sunday
// through 6=Saturday and is only meaningful for WEEKLY rules; when empty, a
// WEEKLY rule fires on the same weekday as the previous occurrence. EndDate
// is an inclusive bound: no occurrence is produced after it.
type RecurrenceRule struct {
	Frequency  Frequency  `json:"frequency"`
	Interval   int        `json:"interval"`
	TimeOfDay  string     `json:"timeOfDay"`
	DaysOfWeek []int      `json:"daysOfWeek,omitempty"`
	EndDate    *time.Time `json:"endDate,omitempty"`
}

// Validate checks the rule for structural problems. It does not reject rules
// whose EndDate is already in the past; those simply never produce a next
// occurrence.
func (r *RecurrenceRule) Validate() error {
	switch r.Frequency {
	case FrequencyDaily, FrequencyWeekly, FrequencyMonthly:
	default:
		return fmt.Errorf("unknown frequency %q", r.Frequency)
	}
	if r.Interval < 1 {
		return fmt.Errorf("interval must be >= 1, got %d", r.Interval)
	}
	if _, _, err := r.ClockTime(); err != nil {
		return err
	}
	for _, d := range r.DaysOfWeek {
		if d < 0 || d > 6 {
			return fmt.Errorf("daysOfWeek values must be 0-6, got %d", d)
		}
	}
	return nil
}

// ClockTime parses TimeOfDay into hour and minute.
func (r *RecurrenceRule) ClockTime() (hour, minute int, err error) {
	if _, perr := fmt.Sscanf(r.TimeOfDay, "%d:%d", &hour, &minute); perr != nil {
		return 0, 0, fmt.Errorf("timeOfDay must be HH:MM, got %q", r.TimeOfDay)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("timeOfDay out of range: %q", r.TimeOfDay)
	}
	return hour, minute, nil
}
