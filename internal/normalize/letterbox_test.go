package normalize

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
)

func solid(w, h int, c color.Color) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func TestFit(t *testing.T) {
	tests := []struct {
		name       string
		w, h, side int
		want       Geometry
	}{
		{"landscape", 200, 100, 64, Geometry{Scale: 0.32, Width: 64, Height: 32, OffsetX: 0, OffsetY: 16}},
		{"portrait", 100, 200, 64, Geometry{Scale: 0.32, Width: 32, Height: 64, OffsetX: 16, OffsetY: 0}},
		{"square upscale", 10, 10, 40, Geometry{Scale: 4, Width: 40, Height: 40}},
		{"sliver keeps one pixel", 1000, 1, 10, Geometry{Scale: 0.01, Width: 10, Height: 1, OffsetY: 4}},
		{"empty", 0, 10, 64, Geometry{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Fit(tt.w, tt.h, tt.side)
			assert.InDelta(t, tt.want.Scale, got.Scale, 1e-9)
			got.Scale = tt.want.Scale
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestProject(t *testing.T) {
	g := Fit(200, 100, 64)
	got := g.Project([4]float64{100, 50, 50, 25})
	assert.InDeltaSlice(t, []float64{32, 32, 16, 8}, got[:], 1e-9)
}

func TestLetterboxAlwaysSquare(t *testing.T) {
	pad := color.NRGBA{R: 10, G: 20, B: 30, A: 255}
	for _, size := range [][2]int{{200, 100}, {100, 200}, {64, 64}, {7, 3}, {3000, 17}} {
		out := Letterbox(solid(size[0], size[1], color.White), 64, pad)
		assert.Equal(t, image.Rect(0, 0, 64, 64), out.Bounds(), "%dx%d", size[0], size[1])
	}
}

func TestLetterboxPadsAndCenters(t *testing.T) {
	pad := color.NRGBA{R: 255, A: 255}
	out := Letterbox(solid(200, 100, color.NRGBA{G: 255, A: 255}), 64, pad)

	// Bands above and below the content keep the pad color.
	assert.Equal(t, pad, out.NRGBAAt(0, 0))
	assert.Equal(t, pad, out.NRGBAAt(63, 63))
	assert.Equal(t, pad, out.NRGBAAt(32, 15))

	center := out.NRGBAAt(32, 32)
	assert.Greater(t, center.G, uint8(200))
	assert.Less(t, center.R, uint8(50))
}
