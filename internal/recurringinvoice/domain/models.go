// Package domain holds the recurring invoice template model and its state rules.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/recurbill/internal/recurrence"
)

// Status is the derived lifecycle state of a template.
type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusInactive Status = "INACTIVE"
)

// RecurringTemplate is a persisted recurrence rule with line items and
// generation progress. NextDueDate is only ever produced by the recurrence
// calculator.
type RecurringTemplate struct {
	ID                snowflake.ID         `gorm:"primaryKey;autoIncrement:false" json:"id"`
	OwnerID           snowflake.ID         `gorm:"not null;index:idx_recurring_templates_due,priority:1" json:"owner_id"`
	ClientID          snowflake.ID         `gorm:"not null;index" json:"client_id"`
	Name              string               `gorm:"type:text;not null" json:"name"`
	Frequency         recurrence.Frequency `gorm:"type:text;not null" json:"frequency"`
	Interval          int                  `gorm:"column:interval_value;not null" json:"interval_value"`
	DayOfWeek         *int                 `json:"day_of_week,omitempty"`
	DayOfMonth        *int                 `json:"day_of_month,omitempty"`
	StartDate         time.Time            `gorm:"type:date;not null" json:"start_date"`
	EndDate           *time.Time           `gorm:"type:date" json:"end_date,omitempty"`
	OccurrencesLimit  *int                 `json:"occurrences_limit,omitempty"`
	CurrentOccurrence int                  `gorm:"not null" json:"current_occurrence"`
	NextDueDate       time.Time            `gorm:"type:date;not null;index:idx_recurring_templates_due,priority:3" json:"next_due_date"`
	IsActive          bool                 `gorm:"not null;index:idx_recurring_templates_due,priority:2" json:"is_active"`
	AutoSend          bool                 `gorm:"not null" json:"auto_send"`
	EmailSubject      string               `gorm:"type:text" json:"email_subject,omitempty"`
	EmailMessage      string               `gorm:"type:text" json:"email_message,omitempty"`
	GenerationCount   int                  `gorm:"not null" json:"generation_count"`
	FailedGenerations int                  `gorm:"not null" json:"failed_generations"`
	LastGeneratedAt   *time.Time           `json:"last_generated_at,omitempty"`
	Version           int64                `gorm:"not null" json:"version"`
	CreatedAt         time.Time            `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt         time.Time            `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
	Items             []TemplateItem       `gorm:"foreignKey:TemplateID" json:"items"`
}

func (RecurringTemplate) TableName() string { return "recurring_templates" }

// TemplateItem is a line copied verbatim into every generated invoice.
type TemplateItem struct {
	ID          snowflake.ID    `gorm:"primaryKey;autoIncrement:false" json:"id"`
	TemplateID  snowflake.ID    `gorm:"not null;index" json:"template_id"`
	Description string          `gorm:"type:text;not null" json:"description"`
	Quantity    decimal.Decimal `gorm:"type:numeric(20,6);not null" json:"quantity"`
	Rate        decimal.Decimal `gorm:"type:numeric(20,6);not null" json:"rate"`
	Amount      decimal.Decimal `gorm:"type:numeric(20,6);not null" json:"amount"`
	SortOrder   int             `gorm:"not null" json:"sort_order"`
	CreatedAt   time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

func (TemplateItem) TableName() string { return "recurring_template_items" }

func (t *RecurringTemplate) Status() Status {
	if t.IsActive {
		return StatusActive
	}
	return StatusInactive
}

func (t *RecurringTemplate) Rule() recurrence.Rule {
	return recurrence.Rule{
		Frequency:  t.Frequency,
		Interval:   t.Interval,
		DayOfWeek:  t.DayOfWeek,
		DayOfMonth: t.DayOfMonth,
	}
}

// Toggle flips the active flag. Counters and dates are left untouched.
func (t *RecurringTemplate) Toggle() {
	t.IsActive = !t.IsActive
}

// LimitReached reports whether the occurrence limit, if any, is exhausted.
func (t *RecurringTemplate) LimitReached() bool {
	return t.OccurrencesLimit != nil && *t.OccurrencesLimit > 0 && t.CurrentOccurrence >= *t.OccurrencesLimit
}

// PastEnd reports whether date falls after the end date, if any.
func (t *RecurringTemplate) PastEnd(date time.Time) bool {
	return t.EndDate != nil && recurrence.Truncate(date).After(recurrence.Truncate(*t.EndDate))
}

// IsDue reports whether the template should be materialized as of asOf.
func (t *RecurringTemplate) IsDue(asOf time.Time) bool {
	return t.IsActive && !recurrence.Truncate(t.NextDueDate).After(recurrence.Truncate(asOf))
}

// Subtotal sums quantity times rate over the items.
func (t *RecurringTemplate) Subtotal() decimal.Decimal {
	total := decimal.Zero
	for _, item := range t.Items {
		total = total.Add(item.Quantity.Mul(item.Rate))
	}
	return total
}

// Advance records one successful generation for the due date asOf: counters
// move forward, the next due date is recomputed from asOf and the template
// deactivates once its limit or end date is crossed.
func (t *RecurringTemplate) Advance(asOf, now time.Time) error {
	next, err := recurrence.NextDate(asOf, t.Rule())
	if err != nil {
		return err
	}

	generatedAt := now
	t.CurrentOccurrence++
	t.GenerationCount++
	t.LastGeneratedAt = &generatedAt
	t.NextDueDate = next
	if t.LimitReached() || t.PastEnd(next) {
		t.IsActive = false
	}
	t.UpdatedAt = now
	return nil
}
