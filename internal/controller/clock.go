package controller

import "time"

// SharedClock gives every chain of an ensemble the same start time.
// Create one per process and hand it to each controller.
type SharedClock struct {
	start time.Time
	now   func() time.Time
}

// NewSharedClock starts a clock now.
func NewSharedClock() *SharedClock {
	return &SharedClock{start: time.Now(), now: time.Now}
}

// NewSharedClockAt creates a clock with an explicit start and time source.
func NewSharedClockAt(start time.Time, now func() time.Time) *SharedClock {
	if now == nil {
		now = time.Now
	}
	return &SharedClock{start: start, now: now}
}

// Start returns the ensemble start time.
func (c *SharedClock) Start() time.Time { return c.start }

// Elapsed returns the time since the ensemble started.
func (c *SharedClock) Elapsed() time.Duration { return c.now().Sub(c.start) }
