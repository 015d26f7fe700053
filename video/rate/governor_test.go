package rate

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// drive feeds frames at the given source rate for d and counts emissions.
func drive(g *Governor, sourceFPS float64, d time.Duration) (emitted int, offered int) {
	step := Period(sourceFPS)
	for t := time.Duration(0); t < d; t += step {
		offered++
		if g.Allow(epoch.Add(t)) {
			emitted++
		}
	}
	return emitted, offered
}

func TestGovernorConvergesToTarget(t *testing.T) {
	cases := []struct {
		source, target float64
	}{
		{30, 5},
		{30, 15},
		{25, 15},
		{60, 24},
		{30, 29.97},
		{30, 0.5},
	}
	for _, c := range cases {
		d := 20 * time.Second
		emitted, _ := drive(NewGovernor(c.target), c.source, d)
		want := c.target * d.Seconds()
		assert.InDelta(t, want, float64(emitted), 1.0+c.target/c.source,
			"source %v fps, target %v fps", c.source, c.target)
	}
}

func TestGovernorSlowSourceEmitsEverything(t *testing.T) {
	for _, c := range []struct{ source, target float64 }{
		{5, 15},
		{10, 60},
		{1, 2},
		{14.9, 15},
	} {
		emitted, offered := drive(NewGovernor(c.target), c.source, 10*time.Second)
		assert.Equal(t, offered, emitted, "source %v fps, target %v fps", c.source, c.target)
	}
}

func TestGovernorFirstFrameAlwaysAllowed(t *testing.T) {
	g := NewGovernor(0.1)
	assert.True(t, g.Allow(epoch))
	assert.False(t, g.Allow(epoch.Add(9*time.Second)))
	assert.True(t, g.Allow(epoch.Add(10*time.Second)))
}

func TestGovernorResyncsAfterStall(t *testing.T) {
	g := NewGovernor(10)
	for i := 0; i < 5; i++ {
		assert.True(t, g.Allow(epoch.Add(time.Duration(i)*100*time.Millisecond)))
	}

	// A five second stall must not produce a burst of back-dated frames.
	resume := epoch.Add(5 * time.Second)
	assert.True(t, g.Allow(resume))
	assert.Equal(t, resume.Add(100*time.Millisecond), g.NextDue())
	for i := 1; i < 10; i++ {
		assert.False(t, g.Allow(resume.Add(time.Duration(i)*time.Millisecond)))
	}
}

func TestGovernorNoBurstWithinOnePeriod(t *testing.T) {
	g := NewGovernor(10)
	assert.True(t, g.Allow(epoch))
	// Late by less than one period: keep the grid, emit once.
	assert.True(t, g.Allow(epoch.Add(150*time.Millisecond)))
	assert.Equal(t, epoch.Add(200*time.Millisecond), g.NextDue())
	assert.False(t, g.Allow(epoch.Add(160*time.Millisecond)))
}

func TestGovernorReset(t *testing.T) {
	g := NewGovernor(1)
	assert.True(t, g.Allow(epoch))
	assert.False(t, g.Allow(epoch.Add(time.Millisecond)))
	g.Reset()
	assert.True(t, g.NextDue().IsZero())
	assert.True(t, g.Allow(epoch.Add(2*time.Millisecond)))
}

func TestPeriod(t *testing.T) {
	assert.Equal(t, 200*time.Millisecond, Period(5))
	assert.Equal(t, 2*time.Second, Period(0.5))
	assert.True(t, math.Abs(float64(Period(29.97)-33366700*time.Nanosecond)) < float64(time.Microsecond))
}
