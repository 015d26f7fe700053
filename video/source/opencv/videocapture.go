// Package opencv implements the capture backend on top of OpenCV.
package opencv

import (
	"errors"
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"conduit/video"
	"conduit/video/source"
)

// Backend opens files and camera devices with gocv.
type Backend struct{}

var _ source.Backend = Backend{}

// properties maps tuning control names to capture properties.
var properties = map[string]gocv.VideoCaptureProperties{
	"brightness":         gocv.VideoCaptureBrightness,
	"contrast":           gocv.VideoCaptureContrast,
	"saturation":         gocv.VideoCaptureSaturation,
	"hue":                gocv.VideoCaptureHue,
	"zoom":               gocv.VideoCaptureZoom,
	"focus":              gocv.VideoCaptureFocus,
	"autofocus":          gocv.VideoCaptureAutoFocus,
	"auto_white_balance": gocv.VideoCaptureAutoWB,
}

func (Backend) OpenFile(cfg source.FileConfig) (source.Grabber, error) {
	if _, err := os.Stat(cfg.Path); err != nil {
		return nil, err
	}
	cap, err := gocv.VideoCaptureFile(cfg.Path)
	if err != nil {
		return nil, err
	}
	if !cap.IsOpened() {
		cap.Close()
		return nil, errors.New("unsupported container or codec")
	}
	g := newGrabber(cap, cfg.Resolution, true)

	// A file that opens but cannot produce a single frame has a codec we
	// can't decode. Keep the probed frame for the first Grab.
	if !cap.Read(&g.raw) || g.raw.Empty() {
		g.Close()
		return nil, errors.New("unable to decode first frame; unsupported codec?")
	}
	g.pending = true
	return g, nil
}

func (Backend) OpenCamera(cfg source.CameraConfig) (source.Grabber, error) {
	cap, err := gocv.VideoCaptureDevice(cfg.Device)
	if err != nil {
		return nil, err
	}
	if !cap.IsOpened() {
		cap.Close()
		return nil, fmt.Errorf("camera device %d not found", cfg.Device)
	}

	cap.Set(gocv.VideoCaptureFrameWidth, float64(cfg.Resolution.Width))
	cap.Set(gocv.VideoCaptureFrameHeight, float64(cfg.Resolution.Height))
	cap.Set(gocv.VideoCaptureFPS, cfg.FPS)

	clog := log.WithField("source", cfg.String())
	cfg.Tuning.Each(func(name string, value int) {
		prop, ok := properties[name]
		if !ok {
			return
		}
		cap.Set(prop, float64(value))
		// Unsupported controls are silently ignored by the driver.
		if got := cap.Get(prop); got != float64(value) {
			clog.Debugf("Camera did not apply %s=%d (reads back %v)", name, value, got)
		} else {
			clog.Debugf("Camera %s set to %d", name, value)
		}
	})

	return newGrabber(cap, cfg.Resolution, false), nil
}

// grabber reads from a gocv.VideoCapture, reusing its Mats between frames.
type grabber struct {
	cap    *gocv.VideoCapture
	res    video.Resolution
	finite bool

	raw, resized, rgba gocv.Mat
	pending            bool
}

func newGrabber(cap *gocv.VideoCapture, res video.Resolution, finite bool) *grabber {
	return &grabber{
		cap:     cap,
		res:     res,
		finite:  finite,
		raw:     gocv.NewMat(),
		resized: gocv.NewMat(),
		rgba:    gocv.NewMat(),
	}
}

func (g *grabber) FPS() float64 {
	return g.cap.Get(gocv.VideoCaptureFPS)
}

func (g *grabber) Grab() (*video.Frame, error) {
	if g.pending {
		g.pending = false
	} else if ok := g.cap.Read(&g.raw); !ok || g.raw.Empty() {
		if g.finite {
			return nil, io.EOF
		}
		return nil, errors.New("device read failed; disconnected?")
	}

	src := g.raw
	if g.raw.Cols() != g.res.Width || g.raw.Rows() != g.res.Height {
		gocv.Resize(g.raw, &g.resized, g.res.Point(), 0, 0, gocv.InterpolationLinear)
		src = g.resized
	}
	gocv.CvtColor(src, &g.rgba, gocv.ColorBGRToRGBA)

	return &video.Frame{
		Pix:    g.rgba.ToBytes(),
		Width:  g.rgba.Cols(),
		Height: g.rgba.Rows(),
	}, nil
}

func (g *grabber) Close() error {
	g.raw.Close()
	g.resized.Close()
	g.rgba.Close()
	return g.cap.Close()
}
