package recurrence

import (
	"fmt"
	"strings"
)

var dayNames = [7]string{"Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday", "Sunday"}

// DayName returns the English name of a Monday-based weekday index.
func DayName(day int) string {
	if day < 0 || day > 6 {
		return ""
	}
	return dayNames[day]
}

// Describe renders a rule as a short label such as "Weekly on Wednesday"
// or "every 2 monthly on the 15".
func Describe(rule Rule) string {
	if !rule.Frequency.Valid() {
		return string(rule.Frequency)
	}

	label := string(rule.Frequency)
	if rule.Interval > 1 {
		label = fmt.Sprintf("every %d %s", rule.Interval, label)
	} else {
		label = strings.ToUpper(label[:1]) + label[1:]
	}

	switch rule.Frequency {
	case Weekly:
		if rule.DayOfWeek != nil {
			if name := DayName(*rule.DayOfWeek); name != "" {
				label += " on " + name
			}
		}
	case Monthly:
		if rule.DayOfMonth != nil {
			label += fmt.Sprintf(" on the %d", *rule.DayOfMonth)
		}
	}
	return label
}
