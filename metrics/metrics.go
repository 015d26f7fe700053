// Package metrics holds the Prometheus collectors for the frame pipeline.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "conduit"

// Reasons a frame offered to a destination was not sent.
const (
	DropRate         = "rate"
	DropBusy         = "busy"
	DropDisconnected = "disconnected"
	DropStale        = "stale"
	DropEncode       = "encode"
)

// Connection attempt results.
const (
	ConnectOK     = "ok"
	ConnectFailed = "failed"
)

// Metrics contains every collector the engine and workers update. A zero
// registration is fine for tests; Register exposes them.
type Metrics struct {
	FramesCaptured    prometheus.Counter
	FramesEmitted     *prometheus.CounterVec
	FramesDropped     *prometheus.CounterVec
	TransmitFailures  *prometheus.CounterVec
	Connects          *prometheus.CounterVec
	WorkerState       *prometheus.GaugeVec
	EnginePhase       prometheus.Gauge
	TransmitDuration  *prometheus.HistogramVec
	TranscodeDuration *prometheus.HistogramVec
}

// New creates unregistered collectors.
func New() *Metrics {
	return &Metrics{
		FramesCaptured: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "source",
				Name:      "frames_total",
				Help:      "Total number of frames read from the source",
			},
		),

		FramesEmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "destination",
				Name:      "frames_emitted_total",
				Help:      "Total number of frames transmitted to a destination",
			},
			[]string{"destination"},
		),

		FramesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "destination",
				Name:      "frames_dropped_total",
				Help:      "Total number of frames not transmitted, by reason",
			},
			[]string{"destination", "reason"},
		),

		TransmitFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "destination",
				Name:      "transmit_failures_total",
				Help:      "Total number of failed transmissions",
			},
			[]string{"destination"},
		),

		Connects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "destination",
				Name:      "connects_total",
				Help:      "Total number of connection attempts, by result",
			},
			[]string{"destination", "result"},
		),

		WorkerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "destination",
				Name:      "state",
				Help:      "Worker state (0=idle, 1=connecting, 2=streaming, 3=backoff, 4=stopped)",
			},
			[]string{"destination"},
		),

		EnginePhase: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "phase",
				Help:      "Engine phase (0=idle, 1=running, 2=stopping, 3=stopped)",
			},
		),

		TransmitDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "destination",
				Name:      "transmit_duration_seconds",
				Help:      "Time spent sending one frame",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
			},
			[]string{"destination"},
		),

		TranscodeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "destination",
				Name:      "transcode_duration_seconds",
				Help:      "Time spent resizing and encoding one frame",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
			},
			[]string{"destination"},
		),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.FramesCaptured,
		m.FramesEmitted,
		m.FramesDropped,
		m.TransmitFailures,
		m.Connects,
		m.WorkerState,
		m.EnginePhase,
		m.TransmitDuration,
		m.TranscodeDuration,
	}
}

// Register adds every collector to r. Collectors already registered by an
// earlier call are skipped.
func (m *Metrics) Register(r prometheus.Registerer) error {
	for _, c := range m.collectors() {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Forget removes the per-destination series, used when a run ends and its
// destinations may not exist in the next one.
func (m *Metrics) Forget(destination string) {
	m.FramesEmitted.DeleteLabelValues(destination)
	for _, reason := range []string{DropRate, DropBusy, DropDisconnected, DropStale, DropEncode} {
		m.FramesDropped.DeleteLabelValues(destination, reason)
	}
	m.TransmitFailures.DeleteLabelValues(destination)
	for _, result := range []string{ConnectOK, ConnectFailed} {
		m.Connects.DeleteLabelValues(destination, result)
	}
	m.WorkerState.DeleteLabelValues(destination)
	m.TransmitDuration.DeleteLabelValues(destination)
	m.TranscodeDuration.DeleteLabelValues(destination)
}
