// Package rate decides when a destination may emit a frame.
package rate

import (
	"time"
)

// Governor decimates an incoming stream of timestamped frames down to a fixed
// target rate. Frames are never delayed or duplicated: each call either lets
// the frame through or drops it.
//
// A Governor is not safe for concurrent use. Each stream worker owns one.
type Governor struct {
	period  time.Duration
	nextDue time.Time
}

// NewGovernor returns a Governor emitting at most fps frames per second.
// Rates below 1 are valid and produce multi-second gaps.
func NewGovernor(fps float64) *Governor {
	return &Governor{
		period: Period(fps),
	}
}

// Period converts a frame rate to the interval between frames.
func Period(fps float64) time.Duration {
	return time.Duration(float64(time.Second) / fps)
}

// Period returns the target interval between emitted frames.
func (g *Governor) Period() time.Duration {
	return g.period
}

// NextDue returns the earliest time at which the next frame will be allowed.
// It is zero before the first call to Allow.
func (g *Governor) NextDue() time.Time {
	return g.nextDue
}

// Allow reports whether a frame arriving at t should be emitted.
//
// The schedule starts at the first frame. When t lags the schedule by more
// than one period (for example after a stall) the schedule is moved to
// t + period instead of letting a burst of late frames through.
func (g *Governor) Allow(t time.Time) bool {
	if g.nextDue.IsZero() {
		g.nextDue = t
	}
	if t.Before(g.nextDue) {
		// Don't need a new frame yet.
		return false
	}
	if t.Sub(g.nextDue) > g.period {
		g.nextDue = t.Add(g.period)
	} else {
		g.nextDue = g.nextDue.Add(g.period)
	}
	return true
}

// Reset forgets the schedule, so the next frame is emitted unconditionally.
func (g *Governor) Reset() {
	g.nextDue = time.Time{}
}
