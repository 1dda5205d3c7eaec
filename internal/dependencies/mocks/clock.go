// Package mocks holds test doubles for the injectable dependencies.
package mocks

import (
	"sync"
	"time"

	"github.com/Tyrowin/roomchat/internal/dependencies/clock"
)

// MockClock is a settable Clock for tests. It is safe for concurrent use
// because the hub loop and client pumps may read it from different goroutines.
type MockClock struct {
	mu      sync.Mutex
	current time.Time
}

var _ clock.Clock = (*MockClock)(nil)

// NewMockClock creates a MockClock set to t.
func NewMockClock(t time.Time) *MockClock {
	return &MockClock{current: t}
}

// Now returns the mocked current time.
func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Advance moves the clock forward by d.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	c.mu.Unlock()
}

// Set sets the clock to t.
func (c *MockClock) Set(t time.Time) {
	c.mu.Lock()
	c.current = t
	c.mu.Unlock()
}
