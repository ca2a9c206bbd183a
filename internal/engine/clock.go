package engine

import "sync/atomic"

// Clock is the node's logical clock. Every entry the engine writes is
// stamped with Next, so timestamps are strictly increasing per node and,
// because the engine witnesses each scope's last stored timestamp before
// stamping, per scope as well.
//
// Thread-safety: Clock is safe for concurrent use. Each scope writer calls
// Next from its own goroutine.
type Clock struct {
	ts atomic.Uint64
}

// NewClock creates a new clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a new clock positioned at start. The first Next
// returns start+1.
func NewClockAt(start uint64) *Clock {
	c := &Clock{}
	c.ts.Store(start)
	return c
}

// Next returns the next timestamp and advances the clock.
// Calls are linearizable - each call returns a unique, increasing value.
func (c *Clock) Next() uint64 {
	return c.ts.Add(1)
}

// Current returns the current timestamp without advancing.
func (c *Clock) Current() uint64 {
	return c.ts.Load()
}

// Witness moves the clock forward to at least ts. Timestamps seen in
// stored or imported entries are witnessed so Next never reissues them.
func (c *Clock) Witness(ts uint64) {
	for {
		cur := c.ts.Load()
		if ts <= cur || c.ts.CompareAndSwap(cur, ts) {
			return
		}
	}
}
