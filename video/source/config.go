package source

import (
	"fmt"
	"time"

	"conduit/video"
)

// MaxWarmup bounds the camera warm-up delay.
const MaxWarmup = 2 * time.Minute

// Config selects and parameterizes one source variant. The set of variants is
// closed: FileConfig and CameraConfig.
type Config interface {
	// CaptureResolution is the resolution every frame is normalized to.
	CaptureResolution() video.Resolution
	// Validate checks the variant's invariants, returning a
	// *video.ConfigError naming the offending field.
	Validate() error
	String() string

	isConfig()
}

// FileConfig replays a video file.
type FileConfig struct {
	Path       string
	Resolution video.Resolution
	// FPS is the replay pace. Zero uses the file's native rate.
	FPS float64
	// Loop reopens the file at end of stream instead of terminating.
	Loop bool
}

func (FileConfig) isConfig() {}

func (c FileConfig) CaptureResolution() video.Resolution { return c.Resolution }

func (c FileConfig) String() string { return "file:" + c.Path }

func (c FileConfig) Validate() error {
	if c.Path == "" {
		return &video.ConfigError{Field: "path", Value: c.Path, Reason: "must not be empty"}
	}
	if !c.Resolution.Valid() {
		return &video.ConfigError{Field: "resolution", Value: c.Resolution, Reason: "dimensions must be positive"}
	}
	if c.FPS < 0 || c.FPS > 240 {
		return &video.ConfigError{Field: "fps", Value: c.FPS, Reason: "must be in [0, 240]"}
	}
	return nil
}

// CameraConfig captures from a local camera device.
type CameraConfig struct {
	Device     int
	Resolution video.Resolution
	FPS        float64
	// Warmup is how long frames are discarded after open while the device
	// converges on focus and white balance.
	Warmup time.Duration
	Tuning Tuning
}

func (CameraConfig) isConfig() {}

func (c CameraConfig) CaptureResolution() video.Resolution { return c.Resolution }

func (c CameraConfig) String() string { return fmt.Sprintf("camera:%d", c.Device) }

func (c CameraConfig) Validate() error {
	if c.Device < 0 {
		return &video.ConfigError{Field: "device", Value: c.Device, Reason: "must not be negative"}
	}
	if !c.Resolution.Valid() {
		return &video.ConfigError{Field: "resolution", Value: c.Resolution, Reason: "dimensions must be positive"}
	}
	if c.FPS <= 0 || c.FPS > 240 {
		return &video.ConfigError{Field: "fps", Value: c.FPS, Reason: "must be in (0, 240]"}
	}
	if c.Warmup < 0 || c.Warmup > MaxWarmup {
		return &video.ConfigError{Field: "warmup", Value: c.Warmup, Reason: fmt.Sprintf("must be in [0, %v]", MaxWarmup)}
	}
	if err := c.Tuning.Validate(); err != nil {
		return err.(*video.ConfigError).Prefixed("tuning")
	}
	return nil
}

// Tuning holds optional device controls. A nil field leaves the device
// default in place. Applying a value the platform does not support is a
// no-op, never an error.
type Tuning struct {
	Brightness       *int `yaml:"brightness"`
	Contrast         *int `yaml:"contrast"`
	Saturation       *int `yaml:"saturation"`
	Hue              *int `yaml:"hue"`
	Zoom             *int `yaml:"zoom"`
	Focus            *int `yaml:"focus"`
	Autofocus        *int `yaml:"autofocus"`
	AutoWhiteBalance *int `yaml:"auto_white_balance"`
}

type control struct {
	name     string
	value    *int
	min, max int
	bounded  bool
}

func (t Tuning) controls() []control {
	return []control{
		{name: "brightness", value: t.Brightness},
		{name: "contrast", value: t.Contrast},
		{name: "saturation", value: t.Saturation},
		{name: "hue", value: t.Hue},
		{name: "zoom", value: t.Zoom, min: -100, max: 100, bounded: true},
		{name: "focus", value: t.Focus, min: 0, max: 255, bounded: true},
		{name: "autofocus", value: t.Autofocus, min: 0, max: 1, bounded: true},
		{name: "auto_white_balance", value: t.AutoWhiteBalance, min: 0, max: 1, bounded: true},
	}
}

// Validate checks the controls that have a known range.
func (t Tuning) Validate() error {
	for _, c := range t.controls() {
		if c.value == nil || !c.bounded {
			continue
		}
		if v := *c.value; v < c.min || v > c.max {
			return &video.ConfigError{Field: c.name, Value: v, Reason: fmt.Sprintf("must be in [%d, %d]", c.min, c.max)}
		}
	}
	return nil
}

// Each calls fn for every control that is set.
func (t Tuning) Each(fn func(name string, value int)) {
	for _, c := range t.controls() {
		if c.value != nil {
			fn(c.name, *c.value)
		}
	}
}
