package canonical

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	v, err := time.Parse(time.RFC3339, s)
	require.NoError(t, err)
	return v
}

func TestCESTWindow(t *testing.T) {
	start, end := CESTWindow(2026)
	assert.Equal(t, "2026-03-29T02:00:00Z", start.Format(time.RFC3339))
	assert.Equal(t, "2026-10-25T03:00:00Z", end.Format(time.RFC3339))

	start, end = CESTWindow(2025)
	assert.Equal(t, "2025-03-30T02:00:00Z", start.Format(time.RFC3339))
	assert.Equal(t, "2025-10-26T03:00:00Z", end.Format(time.RFC3339))
}

func TestBucket(t *testing.T) {
	tests := []struct {
		name string
		in   string
		date string
		hour int
	}{
		{"winter midnight", "2026-01-15T00:00:00+01:00", "2026-01-15", 0},
		{"winter last hour", "2026-01-15T23:00:00+01:00", "2026-01-15", 23},
		{"summer noon", "2026-07-01T12:00:00+02:00", "2026-07-01", 12},
		{"spring transition instant", "2026-03-29T02:30:00+01:00", "2026-03-29", 2},
		{"autumn reversal instant", "2026-10-25T02:30:00+02:00", "2026-10-25", 2},
		{"previous evening absorbed", "2026-02-09T23:00:00+01:00", "2026-02-09", 23},
		{"utc input", "2026-02-09T23:00:00Z", "2026-02-10", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			date, hour := Bucket(mustTime(t, tt.in))
			assert.Equal(t, tt.date, date)
			assert.Equal(t, tt.hour, hour)
		})
	}
}

func TestIsCEST_Boundaries(t *testing.T) {
	start, end := CESTWindow(2026)
	assert.False(t, IsCEST(start.Add(-time.Nanosecond)))
	assert.True(t, IsCEST(start))
	assert.True(t, IsCEST(end.Add(-time.Nanosecond)))
	assert.False(t, IsCEST(end))
}

func TestPseudoUTC(t *testing.T) {
	assert.Equal(t, "2026-02-01T07:00:00Z", PseudoUTC("2026-02-01", 7))
	assert.Equal(t, "2026-02-01T23:00:00Z", PseudoUTC("2026-02-01", 23))
}

func TestIsTransitionDay(t *testing.T) {
	assert.True(t, IsTransitionDay("2026-03-29"))
	assert.True(t, IsTransitionDay("2026-10-25"))
	assert.False(t, IsTransitionDay("2026-03-22"))
	assert.False(t, IsTransitionDay("2026-06-28"))
	assert.False(t, IsTransitionDay("not-a-date"))
}
