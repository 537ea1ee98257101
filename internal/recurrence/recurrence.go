package recurrence

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Frequency is the unit a recurrence rule advances by.
type Frequency string

const (
	Daily     Frequency = "daily"
	Weekly    Frequency = "weekly"
	Monthly   Frequency = "monthly"
	Quarterly Frequency = "quarterly"
	Yearly    Frequency = "yearly"
)

// Frequencies lists every supported frequency in display order.
var Frequencies = []Frequency{Daily, Weekly, Monthly, Quarterly, Yearly}

var ErrUnsupportedFrequency = errors.New("unsupported_frequency")

// UnsupportedFrequencyError is returned by the calculator for unknown frequencies.
type UnsupportedFrequencyError struct {
	Frequency Frequency
}

func (e *UnsupportedFrequencyError) Error() string {
	return fmt.Sprintf("unsupported frequency: %q", string(e.Frequency))
}

func (e *UnsupportedFrequencyError) Unwrap() error {
	return ErrUnsupportedFrequency
}

// ParseFrequency normalizes raw input into a supported Frequency.
func ParseFrequency(raw string) (Frequency, error) {
	f := Frequency(strings.ToLower(strings.TrimSpace(raw)))
	if !f.Valid() {
		return f, &UnsupportedFrequencyError{Frequency: f}
	}
	return f, nil
}

func (f Frequency) Valid() bool {
	switch f {
	case Daily, Weekly, Monthly, Quarterly, Yearly:
		return true
	default:
		return false
	}
}

// Rule describes how a template repeats.
// DayOfWeek is only read for weekly rules (0=Monday .. 6=Sunday) and
// DayOfMonth only for monthly rules (1..31). Other anchors are ignored.
type Rule struct {
	Frequency  Frequency `json:"frequency"`
	Interval   int       `json:"interval"`
	DayOfWeek  *int      `json:"day_of_week,omitempty"`
	DayOfMonth *int      `json:"day_of_month,omitempty"`
}

// Date returns the civil date at UTC midnight.
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// Truncate drops the time of day, keeping the calendar date of t in its own location.
func Truncate(t time.Time) time.Time {
	y, m, d := t.Date()
	return Date(y, m, d)
}

// Weekday returns t's weekday with Monday as 0.
func Weekday(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}

// DaysIn returns the number of days in the given month.
func DaysIn(year int, month time.Month) int {
	return Date(year, month+1, 0).Day()
}

func IsLeapYear(year int) bool {
	return year%4 == 0 && (year%100 != 0 || year%400 == 0)
}

// NextDate returns the first occurrence of rule strictly after current.
func NextDate(current time.Time, rule Rule) (time.Time, error) {
	current = Truncate(current)
	interval := rule.Interval
	if interval <= 0 {
		interval = 1
	}

	switch rule.Frequency {
	case Daily:
		return current.AddDate(0, 0, interval), nil

	case Weekly:
		target := Weekday(current)
		if rule.DayOfWeek != nil {
			target = ((*rule.DayOfWeek % 7) + 7) % 7
		}
		ahead := target - Weekday(current)
		if ahead <= 0 {
			ahead += 7
		}
		return current.AddDate(0, 0, ahead+7*(interval-1)), nil

	case Monthly:
		day := current.Day()
		if rule.DayOfMonth != nil {
			day = *rule.DayOfMonth
		}
		next := addMonthsClamped(current, 1, day)
		// every N months is approximated with 30-day blocks after the first month.
		return next.AddDate(0, 0, (interval-1)*30), nil

	case Quarterly:
		return addMonthsClamped(current, 3*interval, current.Day()), nil

	case Yearly:
		return addMonthsClamped(current, 12*interval, current.Day()), nil

	default:
		return time.Time{}, &UnsupportedFrequencyError{Frequency: rule.Frequency}
	}
}

// FirstDate returns the first occurrence of rule after a template's start
// date. A weekly rule only steps to its anchor weekday here; the interval
// applies from the first occurrence on. Other frequencies match NextDate.
func FirstDate(start time.Time, rule Rule) (time.Time, error) {
	if rule.Frequency != Weekly {
		return NextDate(start, rule)
	}
	return NextDate(start, Rule{Frequency: Weekly, Interval: 1, DayOfWeek: rule.DayOfWeek})
}

// NextDates lists occurrences from start: FirstDate, then NextDate repeatedly.
// It stops before the first date after endDate and never returns more than
// maxOccurrences dates. A nil or non-positive bound is ignored.
func NextDates(start time.Time, rule Rule, count int, endDate *time.Time, maxOccurrences *int) ([]time.Time, error) {
	limit := count
	if maxOccurrences != nil && *maxOccurrences > 0 && *maxOccurrences < limit {
		limit = *maxOccurrences
	}
	if limit <= 0 {
		return []time.Time{}, nil
	}

	var end time.Time
	if endDate != nil {
		end = Truncate(*endDate)
	}

	dates := make([]time.Time, 0, limit)
	current := Truncate(start)
	step := FirstDate
	for len(dates) < limit {
		next, err := step(current, rule)
		step = NextDate
		if err != nil {
			return nil, err
		}
		if endDate != nil && next.After(end) {
			break
		}
		dates = append(dates, next)
		current = next
	}
	return dates, nil
}

func addMonthsClamped(t time.Time, months, day int) time.Time {
	total := int(t.Month()) - 1 + months
	year := t.Year() + total/12
	month := time.Month(total%12 + 1)

	if day < 1 {
		day = 1
	}
	if last := DaysIn(year, month); day > last {
		day = last
	}
	return Date(year, month, day)
}
