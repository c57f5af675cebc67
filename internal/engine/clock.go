package engine

import "time"

// Clock supplies wall time and timers to the processing loop.
//
// The loop never calls time.Now or time.After directly, so tests can drive
// suspensions with a manual clock (see testutil.ManualClock).
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives once d has elapsed.
	// A non-positive d fires immediately.
	After(d time.Duration) <-chan time.Time
}

// SystemClock is the production Clock backed by the time package.
type SystemClock struct{}

// Now returns time.Now in UTC.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// After delegates to time.After.
func (SystemClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}
