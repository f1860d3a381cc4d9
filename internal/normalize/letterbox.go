package normalize

import (
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
)

// Geometry is the placement of a w×h source inside a side×side letterbox.
type Geometry struct {
	Scale   float64
	Width   int // Resized content width
	Height  int // Resized content height
	OffsetX int
	OffsetY int
}

// Fit computes the letterbox placement for a w×h source. The longer side is
// scaled to exactly side and the content is centered.
func Fit(w, h, side int) Geometry {
	if w <= 0 || h <= 0 || side <= 0 {
		return Geometry{}
	}
	s := float64(side) / float64(max(w, h))
	nw := min(side, max(1, int(math.Round(float64(w)*s))))
	nh := min(side, max(1, int(math.Round(float64(h)*s))))
	return Geometry{
		Scale:   s,
		Width:   nw,
		Height:  nh,
		OffsetX: (side - nw) / 2,
		OffsetY: (side - nh) / 2,
	}
}

// Project maps a (left, top, width, height) box in source pixels into the
// letterboxed frame.
func (g Geometry) Project(box [4]float64) [4]float64 {
	return [4]float64{
		box[0]*g.Scale + float64(g.OffsetX),
		box[1]*g.Scale + float64(g.OffsetY),
		box[2] * g.Scale,
		box[3] * g.Scale,
	}
}

// Letterbox resizes img uniformly so its longer side equals side and pastes
// it centered on a side×side canvas filled with pad.
func Letterbox(img image.Image, side int, pad color.Color) *image.NRGBA {
	canvas := imaging.New(side, side, pad)
	b := img.Bounds()
	g := Fit(b.Dx(), b.Dy(), side)
	if g.Width == 0 {
		return canvas
	}
	resized := imaging.Resize(img, g.Width, g.Height, imaging.Lanczos)
	return imaging.Paste(canvas, resized, image.Pt(g.OffsetX, g.OffsetY))
}
