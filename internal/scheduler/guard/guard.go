package guard

import (
	"errors"
	"time"

	"github.com/smallbiznis/recurbill/internal/recurringinvoice/domain"
)

var (
	ErrTemplateNotActive      = errors.New("template_not_active")
	ErrPastEndDate            = errors.New("template_past_end_date")
	ErrOccurrenceLimitReached = errors.New("template_occurrence_limit_reached")
)

// EnsureTemplateCanGenerate rejects templates that must not produce another
// invoice as of asOf. ErrPastEndDate and ErrOccurrenceLimitReached mean the
// template should be deactivated.
func EnsureTemplateCanGenerate(tmpl *domain.RecurringTemplate, asOf time.Time) error {
	if tmpl == nil || !tmpl.IsActive {
		return ErrTemplateNotActive
	}
	if tmpl.PastEnd(asOf) {
		return ErrPastEndDate
	}
	if tmpl.LimitReached() {
		return ErrOccurrenceLimitReached
	}
	return nil
}

// ShouldDeactivate reports whether err from EnsureTemplateCanGenerate ends the schedule.
func ShouldDeactivate(err error) bool {
	return errors.Is(err, ErrPastEndDate) || errors.Is(err, ErrOccurrenceLimitReached)
}
