package stream

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

var (
	randMu     sync.Mutex
	randSource = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// Backoff configures the delay between reconnect attempts: Initial after the
// first failure, growing by Multiplier up to Max.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter adds up to 25% to each delay so destinations that failed
	// together do not reconnect in lockstep.
	Jitter bool
}

func DefaultBackoff() Backoff {
	return Backoff{
		Initial:    250 * time.Millisecond,
		Max:        10 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
	}
}

// Validate returns a *video.ConfigError rooted at "backoff".
func (b Backoff) Validate() error {
	if b == (Backoff{}) {
		return nil
	}
	if b.Initial <= 0 {
		return invalid("backoff.initial", b.Initial, "must be positive")
	}
	if b.Max < b.Initial {
		return invalid("backoff.max", b.Max, "must be at least backoff.initial")
	}
	if b.Multiplier < 1 {
		return invalid("backoff.multiplier", b.Multiplier, "must be at least 1")
	}
	return nil
}

// Delay returns the wait before reconnect attempt n, where n = 1 follows the
// first failure.
func (b Backoff) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := float64(b.Initial) * math.Pow(b.Multiplier, float64(n-1))
	if d > float64(b.Max) || math.IsInf(d, 0) || math.IsNaN(d) {
		d = float64(b.Max)
	}
	delay := time.Duration(d)
	if b.Jitter && delay >= 4 {
		randMu.Lock()
		delay += time.Duration(randSource.Int63n(int64(delay / 4)))
		randMu.Unlock()
	}
	return delay
}
