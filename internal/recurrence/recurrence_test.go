package recurrence

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func timePtr(t time.Time) *time.Time { return &t }

func TestNextDate(t *testing.T) {
	tests := []struct {
		name    string
		current time.Time
		rule    Rule
		want    time.Time
	}{
		{
			name:    "daily interval",
			current: Date(2024, time.January, 30),
			rule:    Rule{Frequency: Daily, Interval: 3},
			want:    Date(2024, time.February, 2),
		},
		{
			name:    "weekly anchor later in week adds remaining interval weeks",
			current: Date(2024, time.January, 1),
			rule:    Rule{Frequency: Weekly, Interval: 2, DayOfWeek: intPtr(2)},
			want:    Date(2024, time.January, 10),
		},
		{
			name:    "weekly from anchor adds interval weeks",
			current: Date(2024, time.January, 3),
			rule:    Rule{Frequency: Weekly, Interval: 2, DayOfWeek: intPtr(2)},
			want:    Date(2024, time.January, 17),
		},
		{
			name:    "weekly without anchor keeps weekday",
			current: Date(2024, time.January, 5),
			rule:    Rule{Frequency: Weekly, Interval: 1},
			want:    Date(2024, time.January, 12),
		},
		{
			name:    "weekly anchor earlier in week wraps",
			current: Date(2024, time.January, 5),
			rule:    Rule{Frequency: Weekly, Interval: 1, DayOfWeek: intPtr(0)},
			want:    Date(2024, time.January, 8),
		},
		{
			name:    "monthly clamps to non-leap february",
			current: Date(2023, time.January, 31),
			rule:    Rule{Frequency: Monthly, Interval: 1, DayOfMonth: intPtr(31)},
			want:    Date(2023, time.February, 28),
		},
		{
			name:    "monthly clamps to leap february",
			current: Date(2024, time.January, 31),
			rule:    Rule{Frequency: Monthly, Interval: 1, DayOfMonth: intPtr(31)},
			want:    Date(2024, time.February, 29),
		},
		{
			name:    "monthly rolls year in december",
			current: Date(2024, time.December, 15),
			rule:    Rule{Frequency: Monthly, Interval: 1, DayOfMonth: intPtr(15)},
			want:    Date(2025, time.January, 15),
		},
		{
			name:    "monthly without anchor uses current day",
			current: Date(2024, time.March, 10),
			rule:    Rule{Frequency: Monthly, Interval: 1},
			want:    Date(2024, time.April, 10),
		},
		{
			name:    "monthly interval adds thirty day blocks",
			current: Date(2024, time.January, 15),
			rule:    Rule{Frequency: Monthly, Interval: 2, DayOfMonth: intPtr(15)},
			want:    Date(2024, time.March, 16),
		},
		{
			name:    "quarterly clamps day",
			current: Date(2023, time.November, 30),
			rule:    Rule{Frequency: Quarterly, Interval: 1},
			want:    Date(2024, time.February, 29),
		},
		{
			name:    "quarterly interval two",
			current: Date(2024, time.May, 15),
			rule:    Rule{Frequency: Quarterly, Interval: 2},
			want:    Date(2024, time.November, 15),
		},
		{
			name:    "yearly leap day falls back",
			current: Date(2024, time.February, 29),
			rule:    Rule{Frequency: Yearly, Interval: 1},
			want:    Date(2025, time.February, 28),
		},
		{
			name:    "yearly leap day to leap year",
			current: Date(2024, time.February, 29),
			rule:    Rule{Frequency: Yearly, Interval: 4},
			want:    Date(2028, time.February, 29),
		},
		{
			name:    "non positive interval treated as one",
			current: Date(2024, time.January, 1),
			rule:    Rule{Frequency: Daily, Interval: 0},
			want:    Date(2024, time.January, 2),
		},
		{
			name:    "time of day is dropped",
			current: time.Date(2024, time.January, 1, 23, 59, 0, 0, time.UTC),
			rule:    Rule{Frequency: Daily, Interval: 1},
			want:    Date(2024, time.January, 2),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NextDate(tt.current, tt.rule)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNextDateUnsupportedFrequency(t *testing.T) {
	_, err := NextDate(Date(2024, time.January, 1), Rule{Frequency: "hourly", Interval: 1})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsupportedFrequency))

	var unsupported *UnsupportedFrequencyError
	require.True(t, errors.As(err, &unsupported))
	assert.Equal(t, Frequency("hourly"), unsupported.Frequency)
}

func TestNextDateAlwaysAdvances(t *testing.T) {
	start := Date(2023, time.January, 1)
	for _, freq := range Frequencies {
		for interval := 1; interval <= 3; interval++ {
			for dow := 0; dow <= 6; dow++ {
				for _, dom := range []int{1, 15, 28, 29, 30, 31} {
					rule := Rule{Frequency: freq, Interval: interval, DayOfWeek: intPtr(dow), DayOfMonth: intPtr(dom)}
					for offset := 0; offset < 400; offset += 7 {
						current := start.AddDate(0, 0, offset)
						next, err := NextDate(current, rule)
						require.NoError(t, err)
						if !next.After(current) {
							t.Fatalf("%s interval=%d dow=%d dom=%d: %s did not advance past %s",
								freq, interval, dow, dom, next.Format(time.DateOnly), current.Format(time.DateOnly))
						}
					}
				}
			}
		}
	}
}

func TestNextDatesBounds(t *testing.T) {
	rule := Rule{Frequency: Weekly, Interval: 1, DayOfWeek: intPtr(0)}
	start := Date(2024, time.January, 1)

	t.Run("count only", func(t *testing.T) {
		dates, err := NextDates(start, rule, 3, nil, nil)
		require.NoError(t, err)
		assert.Equal(t, []time.Time{
			Date(2024, time.January, 8),
			Date(2024, time.January, 15),
			Date(2024, time.January, 22),
		}, dates)
	})

	t.Run("end date is inclusive", func(t *testing.T) {
		dates, err := NextDates(start, rule, 10, timePtr(Date(2024, time.January, 15)), nil)
		require.NoError(t, err)
		assert.Equal(t, []time.Time{
			Date(2024, time.January, 8),
			Date(2024, time.January, 15),
		}, dates)
	})

	t.Run("max occurrences caps result", func(t *testing.T) {
		dates, err := NextDates(start, rule, 10, nil, intPtr(4))
		require.NoError(t, err)
		assert.Len(t, dates, 4)
	})

	t.Run("zero count", func(t *testing.T) {
		dates, err := NextDates(start, rule, 0, nil, nil)
		require.NoError(t, err)
		assert.Empty(t, dates)
	})

	t.Run("deterministic", func(t *testing.T) {
		first, err := NextDates(start, Rule{Frequency: Monthly, Interval: 1, DayOfMonth: intPtr(31)}, 12, nil, nil)
		require.NoError(t, err)
		second, err := NextDates(start, Rule{Frequency: Monthly, Interval: 1, DayOfMonth: intPtr(31)}, 12, nil, nil)
		require.NoError(t, err)
		assert.Equal(t, first, second)
	})

	t.Run("never exceeds bounds", func(t *testing.T) {
		end := Date(2024, time.June, 30)
		for limit := 1; limit <= 8; limit++ {
			dates, err := NextDates(start, Rule{Frequency: Daily, Interval: 11}, 20, &end, intPtr(limit))
			require.NoError(t, err)
			assert.LessOrEqual(t, len(dates), limit)
			for _, d := range dates {
				assert.False(t, d.After(end))
			}
		}
	})

	t.Run("unsupported frequency", func(t *testing.T) {
		_, err := NextDates(start, Rule{Frequency: "fortnightly", Interval: 1}, 2, nil, nil)
		assert.ErrorIs(t, err, ErrUnsupportedFrequency)
	})
}

func TestParseFrequency(t *testing.T) {
	f, err := ParseFrequency(" Monthly ")
	require.NoError(t, err)
	assert.Equal(t, Monthly, f)

	_, err = ParseFrequency("biweekly")
	assert.ErrorIs(t, err, ErrUnsupportedFrequency)
}

func TestDescribe(t *testing.T) {
	cases := []struct {
		rule Rule
		want string
	}{
		{Rule{Frequency: Daily, Interval: 1}, "Daily"},
		{Rule{Frequency: Weekly, Interval: 1, DayOfWeek: intPtr(2)}, "Weekly on Wednesday"},
		{Rule{Frequency: Weekly, Interval: 2, DayOfWeek: intPtr(4)}, "every 2 weekly on Friday"},
		{Rule{Frequency: Weekly, Interval: 1, DayOfWeek: intPtr(9)}, "Weekly"},
		{Rule{Frequency: Monthly, Interval: 1, DayOfMonth: intPtr(15)}, "Monthly on the 15"},
		{Rule{Frequency: Monthly, Interval: 2, DayOfMonth: intPtr(15)}, "every 2 monthly on the 15"},
		{Rule{Frequency: Quarterly, Interval: 3}, "every 3 quarterly"},
		{Rule{Frequency: Yearly, Interval: 1}, "Yearly"},
		{Rule{Frequency: "hourly", Interval: 1}, "hourly"},
	}
	for _, tc := range cases {
		t.Run(tc.want, func(t *testing.T) {
			assert.Equal(t, tc.want, Describe(tc.rule))
		})
	}
	assert.Equal(t, "", DayName(7))
}

func TestFirstDate(t *testing.T) {
	biweeklyWednesday := Rule{Frequency: Weekly, Interval: 2, DayOfWeek: intPtr(2)}

	first, err := FirstDate(Date(2024, time.January, 1), biweeklyWednesday)
	require.NoError(t, err)
	assert.Equal(t, Date(2024, time.January, 3), first)

	second, err := NextDate(first, biweeklyWednesday)
	require.NoError(t, err)
	assert.Equal(t, Date(2024, time.January, 17), second)

	onAnchor, err := FirstDate(Date(2024, time.January, 3), biweeklyWednesday)
	require.NoError(t, err)
	assert.Equal(t, Date(2024, time.January, 10), onAnchor)

	monthly := Rule{Frequency: Monthly, Interval: 2, DayOfMonth: intPtr(15)}
	fromFirst, err := FirstDate(Date(2024, time.January, 15), monthly)
	require.NoError(t, err)
	fromNext, err := NextDate(Date(2024, time.January, 15), monthly)
	require.NoError(t, err)
	assert.Equal(t, fromNext, fromFirst)

	_, err = FirstDate(Date(2024, time.January, 1), Rule{Frequency: "hourly"})
	assert.ErrorIs(t, err, ErrUnsupportedFrequency)
}

func TestNextDatesStartsWithFirstDate(t *testing.T) {
	dates, err := NextDates(Date(2024, time.January, 1), Rule{Frequency: Weekly, Interval: 2, DayOfWeek: intPtr(2)}, 3, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []time.Time{
		Date(2024, time.January, 3),
		Date(2024, time.January, 17),
		Date(2024, time.January, 31),
	}, dates)
}
