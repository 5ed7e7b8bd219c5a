package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestManualClock(t *testing.T) {
	start := time.Date(2024, 10, 1, 8, 0, 0, 0, time.UTC)
	c := NewManualClock(start)
	assert.Equal(t, start, c.Now())

	c.Advance(90 * time.Minute)
	assert.Equal(t, start.Add(90*time.Minute), c.Now())
	assert.InDelta(t, 90*60*1000, MillisSince(c, start), 1e-6)

	c.Set(start)
	assert.Equal(t, start, c.Now())
}

func TestSystemClockIsUTC(t *testing.T) {
	assert.Equal(t, time.UTC, SystemClock{}.Now().Location())
}

func TestDurations(t *testing.T) {
	cases := []struct {
		name string
		got  time.Duration
		want time.Duration
	}{
		{"fractional hours", Hours(1.5), 90 * time.Minute},
		{"zero hours", Hours(0), 0},
		{"days", Days(30), 720 * time.Hour},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.got)
		})
	}
}

func TestWindows(t *testing.T) {
	loc := time.FixedZone("UTC+5", 5*3600)
	now := time.Date(2024, 10, 1, 3, 30, 0, 0, loc)

	assert.Equal(t, time.Date(2024, 9, 30, 3, 30, 0, 0, loc), WindowStart(now, 24*time.Hour))
	assert.Equal(t, time.Date(2024, 10, 1, 0, 0, 0, 0, loc), StartOfDay(now))
}
