package engine

import "time"

// Clock supplies wall time to the executor, runner and retry policy.
//
// Tests substitute a fixed clock so daily windows, scheduling and lease
// expiry are deterministic.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real wall clock.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time {
	return time.Now()
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now calls f.
func (f ClockFunc) Now() time.Time {
	return f()
}
