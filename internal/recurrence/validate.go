package recurrence

import (
	"fmt"
	"time"
)

// Validate checks a rule together with its start and end dates and returns
// every violation found. An empty result means the configuration is usable.
// today is the caller's notion of the current date.
func Validate(rule Rule, start time.Time, end *time.Time, today time.Time) []string {
	violations := make([]string, 0)
	start = Truncate(start)

	if rule.Interval <= 0 {
		violations = append(violations, "Interval value must be positive")
	}
	if start.Before(Truncate(today)) {
		violations = append(violations, "Start date cannot be in the past")
	}
	if end != nil && !Truncate(*end).After(start) {
		violations = append(violations, "End date must be after start date")
	}

	switch rule.Frequency {
	case Weekly:
		switch {
		case rule.DayOfWeek == nil:
			violations = append(violations, "Day of week is required for weekly frequency")
		case *rule.DayOfWeek < 0 || *rule.DayOfWeek > 6:
			violations = append(violations, "Day of week must be between 0 (Monday) and 6 (Sunday)")
		}
	case Monthly:
		switch {
		case rule.DayOfMonth == nil:
			violations = append(violations, "Day of month is required for monthly frequency")
		case *rule.DayOfMonth < 1 || *rule.DayOfMonth > 31:
			violations = append(violations, "Day of month must be between 1 and 31")
		case *rule.DayOfMonth > 29 && start.Month() == time.February:
			violations = append(violations, "Day of month 30-31 is invalid for February")
		}
	case Daily, Quarterly, Yearly:
	default:
		violations = append(violations, fmt.Sprintf("Invalid frequency: %s", rule.Frequency))
	}

	return violations
}
