// Package timeutil provides the clock abstraction the warning engine uses for
// cooldown windows, expiration dates and latency measurement, plus a few
// window helpers.
package timeutil

import (
	"sync"
	"time"
)

// Clock returns the current time. Production code uses SystemClock; tests
// inject a ManualClock to pin cooldown boundaries.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// ManualClock is a Clock whose time only moves when told to.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock creates a ManualClock starting at t.
func NewManualClock(t time.Time) *ManualClock {
	return &ManualClock{now: t}
}

// Now implements Clock.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock to t.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Hours converts a fractional hour count into a Duration.
func Hours(h float64) time.Duration {
	return time.Duration(h * float64(time.Hour))
}

// Days converts a whole day count into a Duration.
func Days(d int) time.Duration {
	return time.Duration(d) * 24 * time.Hour
}

// WindowStart returns the start of a trailing window of length d ending at now.
func WindowStart(now time.Time, d time.Duration) time.Time {
	return now.Add(-d)
}

// StartOfDay returns midnight of t's day in t's location.
func StartOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// MillisSince returns the elapsed milliseconds between start and now as a float.
func MillisSince(c Clock, start time.Time) float64 {
	return float64(c.Now().Sub(start)) / float64(time.Millisecond)
}
