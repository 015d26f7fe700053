// Package engine ties a source connector to a fixed set of stream workers
// for one run.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"conduit/metrics"
	"conduit/stream"
	"conduit/transport"
	"conduit/video"
	"conduit/video/source"
)

// Config is a fully resolved run configuration.
type Config struct {
	Source       source.Config
	Destinations []stream.Destination
}

// Validate checks the source and every destination. Errors are
// *video.ConfigError naming the offending field.
func (c Config) Validate() error {
	if c.Source == nil {
		return &video.ConfigError{Field: "source", Reason: "exactly one source is required"}
	}
	if err := c.Source.Validate(); err != nil {
		return prefixed("source", err)
	}
	if len(c.Destinations) == 0 {
		return &video.ConfigError{Field: "destinations", Reason: "at least one destination is required"}
	}
	names := make(map[string]int)
	for i, d := range c.Destinations {
		field := fmt.Sprintf("destinations[%d]", i)
		if err := d.Validate(); err != nil {
			return prefixed(field, err)
		}
		label := d.Label()
		if j, ok := names[label]; ok {
			return &video.ConfigError{
				Field:  field + ".name",
				Value:  label,
				Reason: fmt.Sprintf("duplicates destinations[%d]", j),
			}
		}
		names[label] = i
	}
	return nil
}

func prefixed(prefix string, err error) error {
	var ce *video.ConfigError
	if errors.As(err, &ce) {
		return ce.Prefixed(prefix)
	}
	return fmt.Errorf("%s: %w", prefix, err)
}

// Phase is the lifecycle phase of a run.
type Phase int32

const (
	Idle Phase = iota
	Running
	Stopping
	Stopped
)

var phaseNames = []string{"idle", "running", "stopping", "stopped"}

func (p Phase) String() string {
	if p >= 0 && int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return "unknown"
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Phase) UnmarshalText(b []byte) error {
	for i, name := range phaseNames {
		if string(b) == name {
			*p = Phase(i)
			return nil
		}
	}
	return fmt.Errorf("unknown phase %q", b)
}

// Opener opens the connector for a source configuration.
type Opener func(source.Config) (source.Connector, error)

// Option configures an Engine.
type Option func(*Engine)

// WithBackend opens sources through b.
func WithBackend(b source.Backend) Option {
	return func(e *Engine) {
		e.open = func(c source.Config) (source.Connector, error) {
			return source.Open(c, b)
		}
	}
}

// WithOpener replaces source opening entirely.
func WithOpener(o Opener) Option {
	return func(e *Engine) { e.open = o }
}

// WithDialer sets the dialer every worker connects with.
func WithDialer(d transport.Dialer) Option {
	return func(e *Engine) { e.dialer = d }
}

// WithMetrics reports into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// Engine owns the source connector and the stream workers of one run. It
// pumps frames from the source to every worker without waiting on any of
// them.
type Engine struct {
	cfg     Config
	id      string
	clog    *log.Entry
	open    Opener
	dialer  transport.Dialer
	metrics *metrics.Metrics
	workers []*stream.Worker

	phase  atomic.Int32
	frames atomic.Uint64
	ran    atomic.Bool

	lock    sync.Mutex
	started time.Time
	lastErr error
}

// New validates cfg and builds an idle engine. Nothing is opened or
// connected until Run.
func New(cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:    cfg,
		id:     uuid.NewString(),
		dialer: transport.Default,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.open == nil {
		return nil, errors.New("engine: no capture backend")
	}
	if e.metrics == nil {
		e.metrics = metrics.New()
	}
	e.clog = log.WithFields(log.Fields{
		"run":    e.id,
		"source": cfg.Source.String(),
	})
	for _, d := range cfg.Destinations {
		e.workers = append(e.workers, stream.NewWorker(d,
			stream.WithDialer(e.dialer),
			stream.WithMetrics(e.metrics),
		))
	}
	e.setPhase(Idle)
	return e, nil
}

// ID returns the run id.
func (e *Engine) ID() string {
	return e.id
}

// Phase returns the current phase.
func (e *Engine) Phase() Phase {
	return Phase(e.phase.Load())
}

func (e *Engine) setPhase(p Phase) {
	e.phase.Store(int32(p))
	e.metrics.EnginePhase.Set(float64(p))
}

// Run opens the source, starts every worker and distributes frames until the
// source ends, fails, or ctx is cancelled. It returns nil for end of stream
// and for cancellation, the *source.OpenError if the source cannot be
// opened, and the *source.CaptureError if capture fails. Every worker has
// released its channel and the connector is closed when Run returns.
//
// An Engine runs once.
func (e *Engine) Run(ctx context.Context) error {
	if !e.ran.CompareAndSwap(false, true) {
		return errors.New("engine: already run")
	}

	conn, err := e.open(e.cfg.Source)
	if err != nil {
		e.clog.Errorf("Failed to open source: %v", err)
		e.stopWorkers()
		e.finish(err)
		return err
	}

	e.lock.Lock()
	e.started = time.Now()
	e.lock.Unlock()
	e.setPhase(Running)
	e.clog.WithField("destinations", len(e.workers)).Info("Starting run")

	for _, w := range e.workers {
		w.Start()
	}

	err = e.pump(ctx, conn)

	e.setPhase(Stopping)
	e.stopWorkers()
	if cerr := conn.Close(); cerr != nil {
		e.clog.Warnf("Closing source: %v", cerr)
	}
	e.finish(err)
	return err
}

func (e *Engine) pump(ctx context.Context, conn source.Connector) error {
	for {
		if ctx.Err() != nil {
			e.clog.Info("Shutdown requested")
			return nil
		}
		f, err := conn.Next(ctx)
		switch {
		case errors.Is(err, source.ErrEndOfStream):
			e.clog.Infof("Source exhausted after %d frames", e.frames.Load())
			return nil
		case err != nil:
			if ctx.Err() != nil {
				e.clog.Info("Shutdown requested")
				return nil
			}
			e.clog.Errorf("Capture failed: %v", err)
			return err
		}
		e.frames.Add(1)
		e.metrics.FramesCaptured.Inc()
		for _, w := range e.workers {
			w.Offer(f)
		}
	}
}

// stopWorkers stops every worker concurrently and waits for all of them.
func (e *Engine) stopWorkers() {
	var wg sync.WaitGroup
	for _, w := range e.workers {
		wg.Add(1)
		go func(w *stream.Worker) {
			defer wg.Done()
			w.Stop()
		}(w)
	}
	wg.Wait()
}

func (e *Engine) finish(err error) {
	e.lock.Lock()
	e.lastErr = err
	e.lock.Unlock()
	e.setPhase(Stopped)
	if err != nil {
		e.clog.Warnf("Run ended: %v", err)
	} else {
		e.clog.Info("Run ended")
	}
}

// Forget drops this run's per-destination metric series.
func (e *Engine) Forget() {
	for _, w := range e.workers {
		e.metrics.Forget(w.Name())
	}
}

// Status is a point-in-time view of a run.
type Status struct {
	RunID        string          `json:"run_id"`
	Source       string          `json:"source"`
	Phase        Phase           `json:"phase"`
	Started      time.Time       `json:"started"`
	Frames       uint64          `json:"frames"`
	Error        string          `json:"error,omitempty"`
	Destinations []stream.Status `json:"destinations"`
}

// Healthy reports whether the run is distributing frames.
func (s Status) Healthy() bool {
	return s.Phase == Running
}

// Status returns a snapshot of the run and every destination.
func (e *Engine) Status() Status {
	s := Status{
		RunID:  e.id,
		Source: e.cfg.Source.String(),
		Phase:  e.Phase(),
		Frames: e.frames.Load(),
	}
	e.lock.Lock()
	s.Started = e.started
	if e.lastErr != nil {
		s.Error = e.lastErr.Error()
	}
	e.lock.Unlock()
	for _, w := range e.workers {
		s.Destinations = append(s.Destinations, w.Status())
	}
	return s
}
