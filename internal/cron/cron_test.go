package cron

import (
	"testing"
	"time"

	"github.com/rendis/flowgate/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(s string) time.Time {
	t, err := time.Parse("2006-01-02 15:04", s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestParse_EveryFifteenMinutes(t *testing.T) {
	s, err := Parse("*/15 * * * *")
	require.NoError(t, err)

	assert.True(t, s.Matches(at("2026-03-02 10:15")))
	assert.False(t, s.Matches(at("2026-03-02 10:16")))
	assert.True(t, s.Matches(at("2026-03-02 10:00")))
	assert.True(t, s.Matches(at("2026-03-02 23:45")))
}

func TestParse_ListsRangesSteps(t *testing.T) {
	s, err := Parse("0,30 9-17 * * 1-5")
	require.NoError(t, err)

	// 2026-03-02 is a Monday.
	assert.True(t, s.Matches(at("2026-03-02 09:00")))
	assert.True(t, s.Matches(at("2026-03-02 17:30")))
	assert.False(t, s.Matches(at("2026-03-02 18:00")))
	assert.False(t, s.Matches(at("2026-03-02 09:15")))
	assert.False(t, s.Matches(at("2026-03-07 09:00")), "saturday")

	s, err = Parse("10-40/10 */6 1,15 */3 *")
	require.NoError(t, err)
	assert.True(t, s.Matches(at("2026-01-15 06:20")))
	assert.True(t, s.Matches(at("2026-04-01 18:40")))
	assert.False(t, s.Matches(at("2026-02-15 06:20")), "month not in */3")
	assert.False(t, s.Matches(at("2026-01-15 06:50")), "minute past range")
	assert.False(t, s.Matches(at("2026-01-15 07:20")), "hour not in */6")
}

func TestParse_StartWithStep(t *testing.T) {
	s, err := Parse("5/20 * * * *")
	require.NoError(t, err)
	for _, m := range []string{"05", "25", "45"} {
		assert.True(t, s.Matches(at("2026-01-01 00:"+m)), m)
	}
	assert.False(t, s.Matches(at("2026-01-01 00:00")))
}

func TestParse_SundayAsSeven(t *testing.T) {
	s, err := Parse("0 0 * * 7")
	require.NoError(t, err)
	assert.True(t, s.Matches(at("2026-03-01 00:00")), "2026-03-01 is a Sunday")

	s, err = Parse("0 0 * * 5-7")
	require.NoError(t, err)
	assert.True(t, s.Matches(at("2026-03-01 00:00")))
	assert.True(t, s.Matches(at("2026-03-06 00:00")), "friday")
	assert.False(t, s.Matches(at("2026-03-02 00:00")), "monday")
}

func TestParse_WeekdayStepStopsBeforeSeven(t *testing.T) {
	s, err := Parse("0 0 * * 1/2")
	require.NoError(t, err)
	// 2026-03-02 is a Monday.
	assert.True(t, s.Matches(at("2026-03-02 00:00")), "monday")
	assert.True(t, s.Matches(at("2026-03-04 00:00")), "wednesday")
	assert.True(t, s.Matches(at("2026-03-06 00:00")), "friday")
	assert.False(t, s.Matches(at("2026-03-01 00:00")), "sunday")
	assert.False(t, s.Matches(at("2026-03-03 00:00")), "tuesday")

	s, err = Parse("0 0 * * 0/3")
	require.NoError(t, err)
	assert.True(t, s.Matches(at("2026-03-01 00:00")), "sunday")
	assert.True(t, s.Matches(at("2026-03-04 00:00")), "wednesday")
	assert.True(t, s.Matches(at("2026-03-07 00:00")), "saturday")
}

func TestParse_DayFieldsBothApply(t *testing.T) {
	s, err := Parse("0 12 13 * 5")
	require.NoError(t, err)
	assert.True(t, s.Matches(at("2026-03-13 12:00")), "friday the 13th")
	assert.False(t, s.Matches(at("2026-03-20 12:00")), "friday, not the 13th")
	assert.False(t, s.Matches(at("2026-04-13 12:00")), "13th, not a friday")
}

func TestParse_Malformed(t *testing.T) {
	cases := []string{
		"",
		"* * * *",
		"* * * * * *",
		"60 * * * *",
		"* 24 * * *",
		"* * 0 * *",
		"* * * 13 *",
		"* * * * 8",
		"*/0 * * * *",
		"*/x * * * *",
		"5-1 * * * *",
		"1,,2 * * * *",
		"* * * JAN *",
		"* * ? * *",
		"a-3 * * * *",
	}
	for _, expr := range cases {
		t.Run(expr, func(t *testing.T) {
			_, err := Parse(expr)
			require.Error(t, err)
			assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
		})
	}
}

func TestSchedule_Next(t *testing.T) {
	s, err := Parse("*/15 * * * *")
	require.NoError(t, err)
	assert.Equal(t, at("2026-03-02 10:30"), s.Next(at("2026-03-02 10:15")))
	assert.Equal(t, at("2026-03-02 10:15"), s.Next(at("2026-03-02 10:01")))

	s, err = Parse("30 8 1 1 *")
	require.NoError(t, err)
	assert.Equal(t, at("2027-01-01 08:30"), s.Next(at("2026-03-02 10:15")))

	s, err = Parse("0 0 30 2 *")
	require.NoError(t, err)
	assert.True(t, s.Next(at("2026-03-02 10:15")).IsZero())
}

func TestSchedule_String(t *testing.T) {
	s, err := Parse("  */5   *  * * * ")
	require.NoError(t, err)
	assert.Equal(t, "*/5 * * * *", s.String())
}
