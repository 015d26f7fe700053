package video

import (
	"fmt"
	"image"
	"time"
)

// Channels is the channel depth of every Frame. Pixels are packed RGBA.
const Channels = 4

// Resolution is a frame size in pixels.
type Resolution struct {
	Width  int `yaml:"width" json:"width"`
	Height int `yaml:"height" json:"height"`
}

func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// Valid reports whether both dimensions are positive.
func (r Resolution) Valid() bool {
	return r.Width > 0 && r.Height > 0
}

// Point returns the resolution as an image.Point.
func (r Resolution) Point() image.Point {
	return image.Point{X: r.Width, Y: r.Height}
}

// Frame is an immutable snapshot produced by a source connector.
//
// A Frame is shared by pointer between every stream worker once it has been
// handed out, so neither Pix nor any other field may be written afterwards.
// Code that needs different pixels builds a new Frame.
type Frame struct {
	// Pix holds Width*Height*Channels bytes of packed RGBA.
	Pix    []byte
	Width  int
	Height int

	// Seq is assigned at capture time and increases by one per frame.
	Seq uint64
	// Time is the capture timestamp.
	Time time.Time
}

// NewFrame allocates a zeroed frame of the given resolution.
func NewFrame(r Resolution) *Frame {
	return &Frame{
		Pix:    make([]byte, r.Width*r.Height*Channels),
		Width:  r.Width,
		Height: r.Height,
	}
}

// FrameFromRGBA copies img into a new Frame. The copy drops any stride
// padding so that Pix is tightly packed.
func FrameFromRGBA(img *image.RGBA) *Frame {
	b := img.Bounds()
	f := NewFrame(Resolution{Width: b.Dx(), Height: b.Dy()})
	row := b.Dx() * Channels
	for y := 0; y < b.Dy(); y++ {
		src := img.PixOffset(b.Min.X, b.Min.Y+y)
		copy(f.Pix[y*row:(y+1)*row], img.Pix[src:src+row])
	}
	return f
}

// Resolution returns the frame size.
func (f *Frame) Resolution() Resolution {
	return Resolution{Width: f.Width, Height: f.Height}
}

// Image returns an *image.RGBA view sharing the frame's pixel buffer. The view
// must be treated as read-only.
func (f *Frame) Image() *image.RGBA {
	return &image.RGBA{
		Pix:    f.Pix,
		Stride: f.Width * Channels,
		Rect:   image.Rect(0, 0, f.Width, f.Height),
	}
}

// WithMeta returns a shallow copy of f carrying the given sequence number and
// timestamp. The pixel buffer is shared.
func (f *Frame) WithMeta(seq uint64, t time.Time) *Frame {
	n := *f
	n.Seq = seq
	n.Time = t
	return &n
}
