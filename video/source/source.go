// Package source acquires frames from a single video origin.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"

	"conduit/video"
)

// ErrEndOfStream is returned by Connector.Next once a finite source has
// delivered its last frame.
var ErrEndOfStream = errors.New("end of stream")

// OpenError reports that a source could not be opened: missing file,
// unsupported codec, or unknown device.
type OpenError struct {
	Source string
	Err    error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("open %s: %v", e.Source, e.Err)
}

func (e *OpenError) Unwrap() error { return e.Err }

// CaptureError reports that a running source failed, for example because the
// camera disappeared. It is not retried.
type CaptureError struct {
	Source string
	Err    error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("capture %s: %v", e.Source, e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }

// Connector defines a stream of frames, such as a camera.
type Connector interface {
	// Next blocks until the next frame is available. Every frame has the
	// capture resolution and a sequence number one greater than the
	// previous frame. Next returns ErrEndOfStream after the last frame of a
	// finite source, a *CaptureError when the origin fails, or ctx.Err().
	Next(ctx context.Context) (*video.Frame, error)

	// Resolution returns the capture resolution.
	Resolution() video.Resolution

	// Close disconnects from the origin and frees up all resources.
	Close() error
}

// Grabber is the capture backend's view of an opened origin.
type Grabber interface {
	// Grab blocks until the next raw frame is available. The frame must be
	// freshly allocated; it need not have the capture resolution yet.
	// Grab returns io.EOF after the last frame of a finite origin.
	Grab() (*video.Frame, error)

	// FPS reports the origin's native rate, or 0 when unknown.
	FPS() float64

	Close() error
}

// Backend opens grabbers for each source variant.
type Backend interface {
	OpenFile(cfg FileConfig) (Grabber, error)
	OpenCamera(cfg CameraConfig) (Grabber, error)
}

// Open validates cfg and connects to the origin it describes.
func Open(cfg Config, backend Backend, opts ...Option) (Connector, error) {
	if cfg == nil {
		return nil, &video.ConfigError{Field: "source", Reason: "no source configured"}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	switch c := cfg.(type) {
	case FileConfig:
		open := func() (Connector, error) {
			g, err := backend.OpenFile(c)
			if err != nil {
				return nil, &OpenError{Source: c.String(), Err: err}
			}
			pace := c.FPS
			if pace == 0 {
				pace = g.FPS()
			}
			return newConnector(c.String(), g, c.Resolution, connectorParams{
				finite: true,
				pace:   pace,
			}, o), nil
		}
		if c.Loop {
			return Loop(open)
		}
		return open()

	case CameraConfig:
		g, err := backend.OpenCamera(c)
		if err != nil {
			return nil, &OpenError{Source: c.String(), Err: err}
		}
		return newConnector(c.String(), g, c.Resolution, connectorParams{
			warmup: c.Warmup,
		}, o), nil

	default:
		return nil, &video.ConfigError{Field: "source", Value: fmt.Sprintf("%T", cfg), Reason: "unsupported source type"}
	}
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF)
}
