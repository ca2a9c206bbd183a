package testutil

import (
	"sync"
	"time"
)

// DeterministicClock is a resettable logical clock for tests.
//
// The first call to Next returns 1. Safe for concurrent use.
type DeterministicClock struct {
	mu   sync.Mutex
	tick uint64
}

// NewDeterministicClock creates a clock starting at 0.
func NewDeterministicClock() *DeterministicClock {
	return &DeterministicClock{}
}

// Next increments and returns the next tick.
func (c *DeterministicClock) Next() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tick++
	return c.tick
}

// Current returns the current tick without incrementing.
func (c *DeterministicClock) Current() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tick
}

// Reset rewinds the clock to 0.
func (c *DeterministicClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tick = 0
}

// WallClock is a settable wall clock for age-based rotation and deadlines.
type WallClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewWallClock returns a clock frozen at start.
func NewWallClock(start time.Time) *WallClock {
	return &WallClock{now: start}
}

// Now returns the current time.
func (c *WallClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *WallClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
