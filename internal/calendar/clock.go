package calendar

import "time"

// Clock abstracts wall-clock time so schedulers and lifecycle checks
// can be driven by virtual time in tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// RealClock returns the system clock
func RealClock() Clock { return realClock{} }

// FixedClock is a settable clock for tests
type FixedClock struct {
	Current time.Time
}

func (f *FixedClock) Now() time.Time { return f.Current }

// Advance moves the fixed clock forward
func (f *FixedClock) Advance(d time.Duration) {
	f.Current = f.Current.Add(d)
}
