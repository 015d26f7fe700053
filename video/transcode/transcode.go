// Package transcode resizes frames to a destination resolution.
package transcode

import (
	"fmt"
	"strings"

	"golang.org/x/image/draw"

	"conduit/video"
)

// Kernel names an interpolation algorithm.
type Kernel string

const (
	Nearest    Kernel = "nearest"
	Approx     Kernel = "approx-bilinear"
	Bilinear   Kernel = "bilinear"
	CatmullRom Kernel = "catmull-rom"
)

// DefaultKernel is used when a destination does not name one.
const DefaultKernel = Approx

var interpolators = map[Kernel]draw.Interpolator{
	Nearest:    draw.NearestNeighbor,
	Approx:     draw.ApproxBiLinear,
	Bilinear:   draw.BiLinear,
	CatmullRom: draw.CatmullRom,
}

// ParseKernel maps a configuration string to a Kernel. The empty string
// selects DefaultKernel.
func ParseKernel(s string) (Kernel, error) {
	if s == "" {
		return DefaultKernel, nil
	}
	k := Kernel(strings.ToLower(s))
	if _, ok := interpolators[k]; !ok {
		return "", fmt.Errorf("unknown interpolation %q", s)
	}
	return k, nil
}

// Transcode returns f scaled to r.
//
// When f already has resolution r the input pointer is returned as is; no
// pixels are touched. Otherwise a new Frame is allocated carrying the same
// sequence number and timestamp. The input is never modified.
func Transcode(f *video.Frame, r video.Resolution, k Kernel) *video.Frame {
	if f.Width == r.Width && f.Height == r.Height {
		return f
	}
	interp, ok := interpolators[k]
	if !ok {
		interp = interpolators[DefaultKernel]
	}
	out := video.NewFrame(r)
	dst := out.Image()
	src := f.Image()
	interp.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	out.Seq = f.Seq
	out.Time = f.Time
	return out
}
