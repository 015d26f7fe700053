// Package config loads the run configuration from a YAML (or JSON) file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/davecgh/go-spew/spew"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"conduit/engine"
	"conduit/stream"
	"conduit/transport"
	"conduit/video"
	"conduit/video/source"
	"conduit/video/transcode"
	"conduit/video/wire"
)

// File is the on-disk document.
//
//	source:
//	  camera: {device: 0, resolution: 1280x720, fps: 30, warmup: 2s}
//	destinations:
//	  - {name: core, address: 10.0.0.2, port: 5454, resolution: 1280x720,
//	     fps: 5, protocol: tcp, pattern: pushpull, codec: raw}
type File struct {
	Source       Source        `yaml:"source"`
	Destinations []Destination `yaml:"destinations"`
}

// Source holds exactly one source variant.
type Source struct {
	File   *FileSource   `yaml:"file"`
	Camera *CameraSource `yaml:"camera"`
}

type FileSource struct {
	Path       string     `yaml:"path"`
	Resolution Resolution `yaml:"resolution"`
	FPS        float64    `yaml:"fps"`
	Loop       bool       `yaml:"loop"`
}

type CameraSource struct {
	Device     int           `yaml:"device"`
	Resolution Resolution    `yaml:"resolution"`
	FPS        float64       `yaml:"fps"`
	Warmup     time.Duration `yaml:"warmup"`
	Tuning     source.Tuning `yaml:"tuning"`
}

type Destination struct {
	Name          string        `yaml:"name"`
	Address       string        `yaml:"address"`
	Port          int           `yaml:"port"`
	Path          string        `yaml:"path"`
	Resolution    Resolution    `yaml:"resolution"`
	FPS           float64       `yaml:"fps"`
	Protocol      string        `yaml:"protocol"`
	Pattern       *Pattern      `yaml:"pattern"`
	Codec         string        `yaml:"codec"`
	Quality       int           `yaml:"quality"`
	Interpolation string        `yaml:"interpolation"`
	Timeout       time.Duration `yaml:"timeout"`
	Backoff       *Backoff      `yaml:"backoff"`
}

// Backoff overrides the reconnect schedule. Fields left out keep their
// stream.DefaultBackoff values.
type Backoff struct {
	Initial    time.Duration `yaml:"initial"`
	Max        time.Duration `yaml:"max"`
	Multiplier float64       `yaml:"multiplier"`
	Jitter     *bool         `yaml:"jitter"`
}

func (b *Backoff) resolve() stream.Backoff {
	sb := stream.DefaultBackoff()
	if b.Initial != 0 {
		sb.Initial = b.Initial
	}
	if b.Max != 0 {
		sb.Max = b.Max
	}
	if b.Multiplier != 0 {
		sb.Multiplier = b.Multiplier
	}
	if b.Jitter != nil {
		sb.Jitter = *b.Jitter
	}
	// Raising only the initial delay lifts the cap with it.
	if b.Max == 0 && sb.Max < sb.Initial {
		sb.Max = sb.Initial
	}
	return sb
}

// Resolution accepts "1280x720", [1280, 720] or {width: 1280, height: 720}.
type Resolution video.Resolution

func (r *Resolution) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.ScalarNode:
		w, h, ok := strings.Cut(strings.ToLower(n.Value), "x")
		if !ok {
			return fmt.Errorf("line %d: resolution %q is not WIDTHxHEIGHT", n.Line, n.Value)
		}
		var err error
		if r.Width, err = strconv.Atoi(strings.TrimSpace(w)); err != nil {
			return fmt.Errorf("line %d: resolution width: %w", n.Line, err)
		}
		if r.Height, err = strconv.Atoi(strings.TrimSpace(h)); err != nil {
			return fmt.Errorf("line %d: resolution height: %w", n.Line, err)
		}
		return nil
	case yaml.SequenceNode:
		var wh []int
		if err := n.Decode(&wh); err != nil {
			return err
		}
		if len(wh) != 2 {
			return fmt.Errorf("line %d: resolution needs [width, height]", n.Line)
		}
		r.Width, r.Height = wh[0], wh[1]
		return nil
	default:
		var v video.Resolution
		if err := n.Decode(&v); err != nil {
			return err
		}
		*r = Resolution(v)
		return nil
	}
}

// Pattern accepts a pattern name or its number.
type Pattern transport.Pattern

func (p *Pattern) UnmarshalYAML(n *yaml.Node) error {
	pat, err := transport.ParsePattern(n.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*p = Pattern(pat)
	return nil
}

// Parse decodes a document. Unknown keys are rejected.
func Parse(r io.Reader) (*File, error) {
	var f File
	d := yaml.NewDecoder(r)
	d.KnownFields(true)
	if err := d.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty configuration")
		}
		return nil, err
	}
	return &f, nil
}

func configFromFile(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	f, err := Parse(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Load reads, resolves and validates the configuration at path.
func Load(path string) (engine.Config, error) {
	f, err := configFromFile(path)
	if err != nil {
		return engine.Config{}, err
	}
	cfg, err := f.Resolve()
	if err != nil {
		return engine.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return engine.Config{}, err
	}
	log.Debugf("Loaded configuration: %v", spew.Sdump(cfg))
	return cfg, nil
}

func invalid(field string, value interface{}, err error) *video.ConfigError {
	return &video.ConfigError{Field: field, Value: value, Reason: err.Error()}
}

// Resolve converts the document into the engine's configuration. Enum
// strings are parsed here; range checks are left to engine.Config.Validate.
func (f *File) Resolve() (engine.Config, error) {
	var cfg engine.Config
	switch {
	case f.Source.File != nil && f.Source.Camera != nil:
		return cfg, &video.ConfigError{Field: "source", Reason: "only one of file and camera may be set"}
	case f.Source.File != nil:
		s := f.Source.File
		cfg.Source = source.FileConfig{
			Path:       s.Path,
			Resolution: video.Resolution(s.Resolution),
			FPS:        s.FPS,
			Loop:       s.Loop,
		}
	case f.Source.Camera != nil:
		s := f.Source.Camera
		cfg.Source = source.CameraConfig{
			Device:     s.Device,
			Resolution: video.Resolution(s.Resolution),
			FPS:        s.FPS,
			Warmup:     s.Warmup,
			Tuning:     s.Tuning,
		}
	default:
		return cfg, &video.ConfigError{Field: "source", Reason: "one of file and camera is required"}
	}

	for i, d := range f.Destinations {
		sd, err := d.resolve()
		if err != nil {
			var ce *video.ConfigError
			if errors.As(err, &ce) {
				err = ce.Prefixed(fmt.Sprintf("destinations[%d]", i))
			}
			return cfg, err
		}
		cfg.Destinations = append(cfg.Destinations, sd)
	}
	return cfg, nil
}

func (d Destination) resolve() (stream.Destination, error) {
	sd := stream.Destination{
		Name:       d.Name,
		Address:    d.Address,
		Port:       d.Port,
		Path:       d.Path,
		Resolution: video.Resolution(d.Resolution),
		FPS:        d.FPS,
		Quality:    d.Quality,
		Timeout:    d.Timeout,
		Protocol:   transport.TCP,
	}
	if d.Protocol != "" {
		p, err := transport.ParseProtocol(d.Protocol)
		if err != nil {
			return sd, invalid("protocol", d.Protocol, err)
		}
		sd.Protocol = p
	}
	if d.Pattern == nil {
		return sd, &video.ConfigError{Field: "pattern", Reason: "is required"}
	}
	sd.Pattern = transport.Pattern(*d.Pattern)

	c, err := wire.ParseCodec(d.Codec)
	if err != nil {
		return sd, invalid("codec", d.Codec, err)
	}
	sd.Codec = c

	if d.Interpolation != "" {
		k, err := transcode.ParseKernel(d.Interpolation)
		if err != nil {
			return sd, invalid("interpolation", d.Interpolation, err)
		}
		sd.Interpolation = k
	}
	if d.Backoff != nil {
		sd.Backoff = d.Backoff.resolve()
	}
	return sd, nil
}
