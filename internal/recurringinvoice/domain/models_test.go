package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/recurbill/internal/recurrence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func newTemplate() *RecurringTemplate {
	return &RecurringTemplate{
		Frequency:   recurrence.Weekly,
		Interval:    2,
		DayOfWeek:   intPtr(2),
		StartDate:   recurrence.Date(2024, 1, 1),
		NextDueDate: recurrence.Date(2024, 1, 3),
		IsActive:    true,
	}
}

func TestAdvance(t *testing.T) {
	now := time.Date(2024, 1, 3, 8, 30, 0, 0, time.UTC)
	tmpl := newTemplate()

	require.NoError(t, tmpl.Advance(recurrence.Date(2024, 1, 3), now))
	assert.Equal(t, 1, tmpl.CurrentOccurrence)
	assert.Equal(t, 1, tmpl.GenerationCount)
	assert.Equal(t, recurrence.Date(2024, 1, 17), tmpl.NextDueDate)
	require.NotNil(t, tmpl.LastGeneratedAt)
	assert.Equal(t, now, *tmpl.LastGeneratedAt)
	assert.True(t, tmpl.IsActive)
}

func TestAdvanceDeactivation(t *testing.T) {
	t.Run("occurrence limit", func(t *testing.T) {
		tmpl := newTemplate()
		tmpl.OccurrencesLimit = intPtr(1)
		require.NoError(t, tmpl.Advance(recurrence.Date(2024, 1, 3), time.Now()))
		assert.False(t, tmpl.IsActive)
		assert.True(t, tmpl.LimitReached())
	})

	t.Run("end date", func(t *testing.T) {
		tmpl := newTemplate()
		end := recurrence.Date(2024, 1, 16)
		tmpl.EndDate = &end
		require.NoError(t, tmpl.Advance(recurrence.Date(2024, 1, 3), time.Now()))
		assert.False(t, tmpl.IsActive)
	})

	t.Run("end date equal to next due keeps active", func(t *testing.T) {
		tmpl := newTemplate()
		end := recurrence.Date(2024, 1, 17)
		tmpl.EndDate = &end
		require.NoError(t, tmpl.Advance(recurrence.Date(2024, 1, 3), time.Now()))
		assert.True(t, tmpl.IsActive)
	})

	t.Run("unsupported frequency leaves state alone", func(t *testing.T) {
		tmpl := newTemplate()
		tmpl.Frequency = "hourly"
		err := tmpl.Advance(recurrence.Date(2024, 1, 3), time.Now())
		require.ErrorIs(t, err, recurrence.ErrUnsupportedFrequency)
		assert.Equal(t, 0, tmpl.CurrentOccurrence)
		assert.Equal(t, recurrence.Date(2024, 1, 3), tmpl.NextDueDate)
	})
}

func TestToggleAndStatus(t *testing.T) {
	tmpl := newTemplate()
	tmpl.CurrentOccurrence = 4
	tmpl.Toggle()
	assert.Equal(t, StatusInactive, tmpl.Status())
	assert.Equal(t, 4, tmpl.CurrentOccurrence)
	tmpl.Toggle()
	assert.Equal(t, StatusActive, tmpl.Status())
}

func TestIsDue(t *testing.T) {
	tmpl := newTemplate()
	assert.False(t, tmpl.IsDue(recurrence.Date(2024, 1, 2)))
	assert.True(t, tmpl.IsDue(recurrence.Date(2024, 1, 3)))
	assert.True(t, tmpl.IsDue(time.Date(2024, 1, 9, 23, 0, 0, 0, time.UTC)))

	tmpl.IsActive = false
	assert.False(t, tmpl.IsDue(recurrence.Date(2024, 1, 9)))
}

func TestSubtotal(t *testing.T) {
	tmpl := newTemplate()
	tmpl.Items = []TemplateItem{
		{Quantity: decimal.NewFromInt(3), Rate: decimal.RequireFromString("12.50")},
		{Quantity: decimal.RequireFromString("0.5"), Rate: decimal.NewFromInt(100)},
	}
	assert.True(t, decimal.RequireFromString("87.5").Equal(tmpl.Subtotal()))
}

func TestRecurrenceErrorUnwraps(t *testing.T) {
	err := &RecurrenceError{Violations: []string{"Interval value must be positive"}}
	assert.ErrorIs(t, err, ErrInvalidRecurrence)
	assert.Contains(t, err.Error(), "Interval value must be positive")
}
