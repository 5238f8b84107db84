package normalize

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noonIn(t *testing.T, tz string, y int, m time.Month, d int) int64 {
	t.Helper()
	loc, err := time.LoadLocation(tz)
	require.NoError(t, err)
	return time.Date(y, m, d, 12, 0, 0, 0, loc).Unix()
}

func TestParseDate_ISO(t *testing.T) {
	got, ok := ParseDate("2025-10-01", "America/Guayaquil")
	require.True(t, ok)

	want := time.Date(2025, 10, 1, 17, 0, 0, 0, time.UTC).Unix() // 12:00 at UTC-5
	assert.Equal(t, want, got)
}

func TestParseDate_Layouts(t *testing.T) {
	const tz = "America/Guayaquil"
	tests := []struct {
		name string
		in   string
		want int64
	}{
		{"month first short year", "01/09/25", noonIn(t, tz, 2025, time.January, 9)},
		{"month first full year", "1/9/2025", noonIn(t, tz, 2025, time.January, 9)},
		{"day beyond twelve", "10/31/2025", noonIn(t, tz, 2025, time.October, 31)},
		{"with time of day", "2025-10-01 23:45:00", noonIn(t, tz, 2025, time.October, 1)},
		{"surrounding spaces", "  2025-10-01 ", noonIn(t, tz, 2025, time.October, 1)},
		{"month name", "October 1, 2025", noonIn(t, tz, 2025, time.October, 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseDate(tt.in, tz)
			require.True(t, ok, tt.in)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseDate_Invalid(t *testing.T) {
	tests := []struct {
		name string
		in   string
		tz   string
	}{
		{"empty", "", "America/Guayaquil"},
		{"garbage", "not-a-date", "America/Guayaquil"},
		{"impossible iso day", "2025-02-30", "America/Guayaquil"},
		{"unknown zone", "2025-10-01", "Mars/Olympus"},
		{"empty zone", "2025-10-01", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := ParseDate(tt.in, tt.tz)
			assert.False(t, ok)
		})
	}
}

func TestParseDate_TimeZoneKeepsCalendarDay(t *testing.T) {
	for _, tz := range []string{"UTC", "Asia/Tokyo", "Pacific/Honolulu"} {
		ts, ok := ParseDate("2025-03-15", tz)
		require.True(t, ok)
		loc, _ := time.LoadLocation(tz)
		local := time.Unix(ts, 0).In(loc)
		assert.Equal(t, 15, local.Day(), tz)
		assert.Equal(t, EventHour, local.Hour(), tz)
	}
}
