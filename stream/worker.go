package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"conduit/metrics"
	"conduit/transport"
	"conduit/util"
	"conduit/video"
	"conduit/video/rate"
	"conduit/video/transcode"
	"conduit/video/wire"
)

// State is the connection lifecycle state of a worker.
type State int32

const (
	Idle State = iota
	Connecting
	Streaming
	BackingOff
	Stopped
)

var stateNames = []string{"idle", "connecting", "streaming", "backoff", "stopped"}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for i, name := range stateNames {
		if string(b) == name {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", b)
}

// Status is a point-in-time view of a worker for health reporting.
type Status struct {
	Name      string    `json:"name"`
	Endpoint  string    `json:"endpoint"`
	State     State     `json:"state"`
	Since     time.Time `json:"since"`
	LastSeq   uint64    `json:"last_seq"`
	Emitted   uint64    `json:"emitted"`
	Dropped   uint64    `json:"dropped"`
	Failures  int       `json:"consecutive_failures"`
	LastError string    `json:"last_error,omitempty"`
}

// Option configures a Worker.
type Option func(*Worker)

// WithDialer replaces the network dialer.
func WithDialer(d transport.Dialer) Option {
	return func(w *Worker) { w.dialer = d }
}

// WithMetrics reports into m instead of a private, unregistered set.
func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Worker) { w.metrics = m }
}

// Worker feeds one destination. The engine hands it frames with Offer; a
// goroutine started by Start connects, rate-limits, transcodes, encodes and
// sends them. Failures of the destination stay inside the worker.
type Worker struct {
	dest    Destination
	label   string
	dialer  transport.Dialer
	metrics *metrics.Metrics
	clog    *log.Entry

	slot  *Slot
	state atomic.Int32

	// Owned by the worker goroutine.
	gov      *rate.Governor
	enc      wire.Encoder
	failures int

	dropped atomic.Uint64

	statusLock sync.Mutex
	status     Status

	startOnce sync.Once
	stopOnce  sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	done      *util.Event
}

// NewWorker creates an idle worker for a validated destination.
func NewWorker(d Destination, opts ...Option) *Worker {
	d = d.WithDefaults()
	w := &Worker{
		dest:   d,
		label:  d.Label(),
		dialer: transport.Default,
		slot:   NewSlot(),
		gov:    rate.NewGovernor(d.FPS),
		enc:    wire.Encoder{Codec: d.Codec, Quality: d.Quality},
		done:   util.NewEvent(),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.metrics == nil {
		w.metrics = metrics.New()
	}
	w.clog = log.WithFields(log.Fields{
		"destination": w.label,
		"endpoint":    d.Endpoint().String(),
	})
	w.ctx, w.cancel = context.WithCancel(context.Background())
	w.status = Status{
		Name:     w.label,
		Endpoint: d.Endpoint().String(),
		State:    Idle,
		Since:    time.Now(),
	}
	return w
}

// Name returns the destination label.
func (w *Worker) Name() string {
	return w.label
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	return State(w.state.Load())
}

// Start moves the worker to Connecting and launches its goroutine. The worker
// is Connecting by the time Start returns.
func (w *Worker) Start() {
	w.startOnce.Do(func() {
		w.setState(Connecting, nil)
		go w.run()
	})
}

// Offer hands f to the worker without blocking. Frames offered while the
// worker is not streaming are discarded, as is a previously offered frame
// the worker has not picked up yet.
func (w *Worker) Offer(f *video.Frame) {
	if w.State() != Streaming {
		w.drop(metrics.DropDisconnected)
		return
	}
	if w.slot.Put(f) {
		w.drop(metrics.DropBusy)
	}
}

// Stop requests the Stopped state and waits until the transport channel has
// been released. It is safe to call more than once and on a worker that was
// never started.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.cancel()
		w.startOnce.Do(func() {
			w.setState(Stopped, nil)
			w.done.Notify()
		})
	})
	w.done.Wait()
}

// Done is closed once the worker has stopped.
func (w *Worker) Done() <-chan struct{} {
	return w.done.Done()
}

// Status returns a snapshot of the worker.
func (w *Worker) Status() Status {
	w.statusLock.Lock()
	defer w.statusLock.Unlock()
	s := w.status
	s.Dropped = w.dropped.Load()
	return s
}

func (w *Worker) drop(reason string) {
	w.dropped.Add(1)
	w.metrics.FramesDropped.WithLabelValues(w.label, reason).Inc()
}

func (w *Worker) setState(s State, err error) {
	w.state.Store(int32(s))
	w.metrics.WorkerState.WithLabelValues(w.label).Set(float64(s))

	w.statusLock.Lock()
	defer w.statusLock.Unlock()
	w.status.State = s
	w.status.Since = time.Now()
	w.status.Failures = w.failures
	if err != nil {
		w.status.LastError = err.Error()
	}
}

func (w *Worker) run() {
	defer w.done.Notify()
	defer w.setState(Stopped, nil)
	defer w.clog.Info("Stream worker stopped")

	for {
		ch, err := w.connect()
		if err == nil {
			err = w.stream(ch)
			if cerr := ch.Close(); cerr != nil {
				w.clog.Debugf("Close failed: %v", cerr)
			}
		}
		if w.ctx.Err() != nil {
			return
		}

		w.failures++
		delay := w.dest.Backoff.Delay(w.failures)
		w.clog.WithField("attempt", w.failures).Warnf("%v; retrying in %v", err, delay)
		w.setState(BackingOff, err)

		t := time.NewTimer(delay)
		select {
		case <-w.ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		w.setState(Connecting, nil)
	}
}

func (w *Worker) connect() (transport.Channel, error) {
	ch, err := w.dialer.Dial(w.ctx, w.dest.Endpoint())
	if err != nil {
		w.metrics.Connects.WithLabelValues(w.label, metrics.ConnectFailed).Inc()
		return nil, err
	}
	w.metrics.Connects.WithLabelValues(w.label, metrics.ConnectOK).Inc()
	w.clog.Info("Stream connected")
	w.failures = 0
	// Whatever was offered before the connection dropped is stale.
	if w.slot.Take() != nil {
		w.drop(metrics.DropDisconnected)
	}
	w.setState(Streaming, nil)
	return ch, nil
}

// stream sends offered frames until the channel fails or the worker is
// stopped, returning nil only in the latter case.
func (w *Worker) stream(ch transport.Channel) error {
	for {
		select {
		case <-w.ctx.Done():
			return nil
		case <-w.slot.Ready():
			f := w.slot.Take()
			if f == nil {
				continue
			}
			if err := w.handle(ch, f); err != nil {
				if w.ctx.Err() != nil {
					return nil
				}
				w.metrics.TransmitFailures.WithLabelValues(w.label).Inc()
				return err
			}
		}
	}
}

// handle runs one frame through the rate gate, transcoder, encoder and
// channel. Only transmission failures are returned.
func (w *Worker) handle(ch transport.Channel, f *video.Frame) error {
	last := w.lastSeq()
	if f.Seq <= last {
		w.drop(metrics.DropStale)
		return nil
	}
	if !w.gov.Allow(f.Time) {
		w.drop(metrics.DropRate)
		return nil
	}

	start := time.Now()
	out := transcode.Transcode(f, w.dest.Resolution, w.dest.Interpolation)
	m, err := w.enc.Encode(out)
	if err != nil {
		w.clog.Errorf("Encoding frame %d failed: %v", f.Seq, err)
		w.drop(metrics.DropEncode)
		return nil
	}
	w.metrics.TranscodeDuration.WithLabelValues(w.label).Observe(time.Since(start).Seconds())

	start = time.Now()
	if err := ch.Send(w.ctx, m); err != nil {
		if errors.Is(err, transport.ErrTooLarge) {
			w.clog.Warnf("Dropping frame %d: %v", f.Seq, err)
			w.drop(metrics.DropEncode)
			return nil
		}
		var te *transport.TransmitError
		if !errors.As(err, &te) {
			err = &transport.TransmitError{Endpoint: w.dest.Endpoint().String(), Err: err}
		}
		return err
	}
	w.metrics.TransmitDuration.WithLabelValues(w.label).Observe(time.Since(start).Seconds())
	w.metrics.FramesEmitted.WithLabelValues(w.label).Inc()

	w.statusLock.Lock()
	w.status.LastSeq = f.Seq
	w.status.Emitted++
	w.statusLock.Unlock()
	return nil
}

func (w *Worker) lastSeq() uint64 {
	w.statusLock.Lock()
	defer w.statusLock.Unlock()
	return w.status.LastSeq
}
