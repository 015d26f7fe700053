// Package stream implements the per-destination stream worker: a
// connection lifecycle that rate-limits, resizes, encodes and transmits the
// frames offered to it.
package stream

import (
	"fmt"
	"time"

	"conduit/transport"
	"conduit/video"
	"conduit/video/transcode"
	"conduit/video/wire"
)

// Destination rate bounds, frames per second.
const (
	MinFPS = 0.01
	MaxFPS = 60
)

// Destination is one network endpoint and the resolution, rate and transport
// it is fed with.
type Destination struct {
	Name       string
	Address    string
	Port       int
	Path       string
	Resolution video.Resolution
	FPS        float64

	Protocol transport.Protocol
	Pattern  transport.Pattern

	Codec         wire.Codec
	Quality       int
	Interpolation transcode.Kernel

	// Timeout bounds connect and every send.
	Timeout time.Duration
	Backoff Backoff
}

// Label names the destination in logs and metrics.
func (d Destination) Label() string {
	if d.Name != "" {
		return d.Name
	}
	return d.Endpoint().String()
}

// Endpoint returns the transport endpoint for d.
func (d Destination) Endpoint() transport.Endpoint {
	return transport.Endpoint{
		Protocol: d.Protocol,
		Pattern:  d.Pattern,
		Address:  d.Address,
		Port:     d.Port,
		Path:     d.Path,
		Timeout:  d.Timeout,
	}
}

// WithDefaults fills in the optional fields.
func (d Destination) WithDefaults() Destination {
	if d.Codec == 0 {
		d.Codec = wire.JPEG
	}
	if d.Interpolation == "" {
		d.Interpolation = transcode.DefaultKernel
	}
	if d.Timeout == 0 {
		d.Timeout = transport.DefaultTimeout
	}
	if d.Backoff == (Backoff{}) {
		d.Backoff = DefaultBackoff()
	}
	return d
}

func invalid(field string, value interface{}, format string, args ...interface{}) *video.ConfigError {
	return &video.ConfigError{Field: field, Value: value, Reason: fmt.Sprintf(format, args...)}
}

// Validate checks every invariant of d. Optional fields left zero are
// accepted; see WithDefaults.
func (d Destination) Validate() error {
	if !d.Resolution.Valid() {
		return invalid("resolution", d.Resolution, "width and height must be positive")
	}
	if d.FPS < MinFPS || d.FPS > MaxFPS {
		return invalid("fps", d.FPS, "must be in [%g, %g]", MinFPS, float64(MaxFPS))
	}
	if _, err := transport.ParseProtocol(string(d.Protocol)); err != nil {
		return invalid("protocol", d.Protocol, "%v", err)
	}
	if d.Pattern < transport.Pair || d.Pattern > transport.PushPull {
		return invalid("pattern", int(d.Pattern), "unknown pattern")
	}
	if !transport.Supports(d.Protocol, d.Pattern) {
		return invalid("pattern", d.Pattern, "not supported by protocol %s", d.Protocol)
	}
	switch {
	case d.Protocol == transport.IPC:
		if d.Address == "" {
			return invalid("address", d.Address, "socket path required")
		}
	case d.Port < 0 || d.Port > 65535:
		return invalid("port", d.Port, "must be in [0, 65535]")
	case d.Port == 0 && d.Pattern != transport.PubSub && d.Protocol != transport.NATS:
		return invalid("port", d.Port, "required for pattern %s", d.Pattern)
	}
	switch d.Codec {
	case 0, wire.JPEG:
	case wire.Raw:
		if d.Protocol == transport.MJPEG {
			return invalid("codec", d.Codec, "mjpeg requires jpeg")
		}
		if d.Protocol == transport.NATS {
			size := wire.HeaderSize + d.Resolution.Width*d.Resolution.Height*video.Channels
			if size > transport.NATSMaxPayload {
				return invalid("codec", d.Codec, "raw %v frames are %d bytes, over the %d byte NATS payload limit; use jpeg",
					d.Resolution, size, transport.NATSMaxPayload)
			}
		}
	default:
		return invalid("codec", d.Codec, "unknown codec")
	}
	if d.Quality < 0 || d.Quality > 100 {
		return invalid("quality", d.Quality, "must be in [0, 100]")
	}
	if d.Interpolation != "" {
		if _, err := transcode.ParseKernel(string(d.Interpolation)); err != nil {
			return invalid("interpolation", d.Interpolation, "%v", err)
		}
	}
	if d.Timeout < 0 {
		return invalid("timeout", d.Timeout, "must not be negative")
	}
	if err := d.Backoff.Validate(); err != nil {
		return err
	}
	return nil
}
