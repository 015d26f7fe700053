package video

import (
	"image"
	"image/color"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolution(t *testing.T) {
	assert.True(t, Resolution{Width: 1280, Height: 720}.Valid())
	assert.False(t, Resolution{Width: 0, Height: 720}.Valid())
	assert.False(t, Resolution{Width: 640, Height: -360}.Valid())
	assert.Equal(t, "640x360", Resolution{Width: 640, Height: 360}.String())
	assert.Equal(t, image.Point{X: 4, Y: 2}, Resolution{Width: 4, Height: 2}.Point())
}

func TestNewFrame(t *testing.T) {
	f := NewFrame(Resolution{Width: 4, Height: 3})
	assert.Len(t, f.Pix, 4*3*Channels)
	assert.Equal(t, Resolution{Width: 4, Height: 3}, f.Resolution())
}

func TestFrameFromRGBA_DropsStridePadding(t *testing.T) {
	big := image.NewRGBA(image.Rect(0, 0, 8, 8))
	big.Set(2, 2, color.RGBA{R: 10, G: 20, B: 30, A: 255})
	sub := big.SubImage(image.Rect(2, 2, 5, 4)).(*image.RGBA)

	f := FrameFromRGBA(sub)
	require.Equal(t, 3, f.Width)
	require.Equal(t, 2, f.Height)
	assert.Len(t, f.Pix, 3*2*Channels)
	assert.Equal(t, []byte{10, 20, 30, 255}, f.Pix[:4])
}

func TestFrameImageSharesPixels(t *testing.T) {
	f := NewFrame(Resolution{Width: 2, Height: 2})
	f.Pix[0] = 42
	img := f.Image()
	assert.Equal(t, image.Rect(0, 0, 2, 2), img.Bounds())
	assert.Equal(t, uint8(42), img.RGBAAt(0, 0).R)
	assert.Same(t, &f.Pix[0], &img.Pix[0])
}

func TestFrameWithMeta(t *testing.T) {
	f := NewFrame(Resolution{Width: 1, Height: 1})
	now := time.Now()
	g := f.WithMeta(7, now)
	assert.Equal(t, uint64(0), f.Seq)
	assert.Equal(t, uint64(7), g.Seq)
	assert.Equal(t, now, g.Time)
	assert.Same(t, &f.Pix[0], &g.Pix[0])
}

func TestConfigErrorPrefixed(t *testing.T) {
	e := &ConfigError{Field: "fps", Value: 0.0, Reason: "must be in (0, 60]"}
	p := e.Prefixed("destinations[1]")
	assert.Equal(t, "destinations[1].fps", p.Field)
	assert.Equal(t, "fps", e.Field)
	assert.Contains(t, p.Error(), "destinations[1].fps")
}
