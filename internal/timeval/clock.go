// ABOUTME: Monotonic microsecond clock used for local timestamps
// ABOUTME: Clock interface allows deterministic time in tests
package timeval

import (
	"sync"
	"time"
)

// Clock provides the current local time
type Clock interface {
	Now() Value
}

// processStart anchors the monotonic clock; time.Since uses the monotonic reading
var processStart = time.Now()

// MonotonicClock counts microseconds since process start
type MonotonicClock struct{}

// Now returns the time since process start
func (MonotonicClock) Now() Value {
	return FromDuration(time.Since(processStart))
}

// Now returns the monotonic clock reading
func Now() Value {
	return MonotonicClock{}.Now()
}

// ManualClock is a Clock that only moves when told to
type ManualClock struct {
	mu  sync.Mutex
	now Value
}

// NewManualClock creates a manual clock starting at start
func NewManualClock(start Value) *ManualClock {
	return &ManualClock{now: start}
}

// Now returns the current manual time
func (c *ManualClock) Now() Value {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(FromDuration(d))
	c.mu.Unlock()
}

// Set moves the clock to v
func (c *ManualClock) Set(v Value) {
	c.mu.Lock()
	c.now = v
	c.mu.Unlock()
}
