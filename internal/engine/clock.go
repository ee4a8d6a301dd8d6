package engine

import (
	"sync/atomic"
	"time"
)

// Clock is a monotonic logical clock.
//
// It stamps queued envelopes with an order sequence, hands out occupancy
// epochs and breaks ties between timed entries that share a deadline.
// Values are strictly increasing and never reused within a process.
//
// Thread-safety: Clock is safe for concurrent use (atomic operations).
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a new clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a new clock starting at a specific sequence number.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next returns the next sequence number and increments the clock.
// Calls are linearizable - each call returns a unique, increasing value.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the current sequence number without incrementing.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}

// occupancyEpochs issues the tokens stored in Envelope occupancy slots.
// A token is never reused, so a stale holder can be told apart from a new one.
var occupancyEpochs = NewClock()

// TimeSource supplies wall-clock time to the dispatcher and envelopes.
// Tests substitute a manual implementation to make deadlines deterministic.
type TimeSource interface {
	Now() time.Time
}

// SystemTime reads the process clock.
type SystemTime struct{}

// Now returns time.Now().
func (SystemTime) Now() time.Time {
	return time.Now()
}
