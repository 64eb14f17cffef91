package clock

import "time"

// Clock abstracts wall-clock reads so routing, quiet-hours and scheduling
// logic stays deterministic under test.
type Clock interface {
	Now() time.Time
}

// RealClock reads the system clock in UTC.
type RealClock struct{}

func (RealClock) Now() time.Time {
	return time.Now().UTC()
}

// Fixed is a Clock pinned to a single instant, for tests.
type Fixed time.Time

func (f Fixed) Now() time.Time {
	return time.Time(f)
}
