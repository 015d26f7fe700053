package source

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"conduit/video"
	"conduit/video/transcode"
)

// Option customizes a connector.
type Option func(*options)

type options struct {
	now func() time.Time
}

func defaultOptions() options {
	return options{now: time.Now}
}

// WithClock replaces the clock used for capture timestamps and warm-up.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

type connectorParams struct {
	// finite sources map io.EOF to ErrEndOfStream; for live sources it is a
	// capture failure.
	finite bool
	// pace limits the replay rate of finite sources. Zero disables pacing.
	pace   float64
	warmup time.Duration
}

// connector turns a Grabber into a Connector: it discards warm-up frames,
// paces file replay, normalizes every frame to the capture resolution and
// stamps sequence numbers and capture times.
type connector struct {
	name    string
	grabber Grabber
	res     video.Resolution
	params  connectorParams
	now     func() time.Time
	limiter *rate.Limiter

	openedAt time.Time
	warmedUp bool
	eos      bool
	seq      uint64

	closeOnce sync.Once
	closeErr  error
}

func newConnector(name string, g Grabber, res video.Resolution, p connectorParams, o options) *connector {
	c := &connector{
		name:     name,
		grabber:  g,
		res:      res,
		params:   p,
		now:      o.now,
		openedAt: o.now(),
		warmedUp: p.warmup <= 0,
	}
	if p.pace > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(p.pace), 1)
	} else if p.finite {
		log.WithField("source", name).Warn("Native frame rate unknown; replaying unpaced")
	}
	log.WithFields(log.Fields{
		"source":     name,
		"resolution": res,
		"pace":       p.pace,
	}).Info("Source opened")
	return c
}

func (c *connector) Resolution() video.Resolution {
	return c.res
}

func (c *connector) Next(ctx context.Context) (*video.Frame, error) {
	if c.eos {
		return nil, ErrEndOfStream
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !c.warmedUp {
		if err := c.warmup(ctx); err != nil {
			return nil, err
		}
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	f, err := c.grab()
	if err != nil {
		return nil, err
	}
	c.seq++
	f.Seq = c.seq
	f.Time = c.now()
	return f, nil
}

// grab reads one frame and normalizes it to the capture resolution.
func (c *connector) grab() (*video.Frame, error) {
	f, err := c.grabber.Grab()
	if err != nil {
		if isEOF(err) && c.params.finite {
			c.eos = true
			log.WithField("source", c.name).Infof("End of stream after %d frames", c.seq)
			return nil, ErrEndOfStream
		}
		return nil, &CaptureError{Source: c.name, Err: err}
	}
	if f.Width != c.res.Width || f.Height != c.res.Height {
		f = transcode.Transcode(f, c.res, transcode.Bilinear)
	}
	return f, nil
}

// warmup discards frames until the warm-up period since open has elapsed.
func (c *connector) warmup(ctx context.Context) error {
	stats := WarmupStats{}
	var first, last time.Time
	for c.now().Sub(c.openedAt) < c.params.warmup {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := c.grabber.Grab(); err != nil {
			return &CaptureError{Source: c.name, Err: err}
		}
		t := c.now()
		if first.IsZero() {
			first = t
		}
		last = t
		stats.Frames++
	}
	stats.Duration = c.now().Sub(c.openedAt)
	if stats.Frames > 1 {
		stats.FPS = float64(stats.Frames-1) / last.Sub(first).Seconds()
	}
	c.warmedUp = true
	log.WithFields(log.Fields{
		"source":   c.name,
		"frames":   stats.Frames,
		"duration": stats.Duration,
		"fps":      stats.FPS,
	}).Info("Warm-up complete")
	return nil
}

func (c *connector) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.grabber.Close()
		log.WithField("source", c.name).Info("Source closed")
	})
	return c.closeErr
}

// WarmupStats summarizes the frames discarded during camera warm-up.
type WarmupStats struct {
	Frames   int
	Duration time.Duration
	// FPS is the measured device rate, zero when fewer than two frames
	// arrived.
	FPS float64
}
