// Package clock abstracts wall-clock reads so message timestamps and rate
// limiting can be driven by a fixed clock in tests.
package clock

import "time"

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using the system clock.
type RealClock struct{}

// New creates a new RealClock.
func New() *RealClock {
	return &RealClock{}
}

// Now returns the current local time.
func (c *RealClock) Now() time.Time {
	return time.Now()
}
