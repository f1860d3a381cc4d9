package manifest

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClipBox(t *testing.T) {
	tests := []struct {
		name string
		bbox [4]float64
		w, h int
		want Box
		ok   bool
	}{
		{"inside", [4]float64{10, 20, 30, 40}, 100, 100, Box{Left: 10, Top: 20, Width: 30, Height: 40}, true},
		{"rounds", [4]float64{10.4, 20.6, 29.5, 40.2}, 100, 100, Box{Left: 10, Top: 21, Width: 30, Height: 40}, true},
		{"overflow right and bottom", [4]float64{90, 95, 30, 30}, 100, 100, Box{Left: 90, Top: 95, Width: 10, Height: 5}, true},
		{"negative origin", [4]float64{-5, -5, 20, 20}, 100, 100, Box{Left: 0, Top: 0, Width: 20, Height: 20}, true},
		{"beyond edge", [4]float64{150, 10, 10, 10}, 100, 100, Box{Left: 99, Top: 10, Width: 1, Height: 10}, true},
		{"zero width", [4]float64{10, 10, 0.4, 10}, 100, 100, Box{}, false},
		{"negative height", [4]float64{10, 10, 10, -3}, 100, 100, Box{}, false},
		{"bad image size", [4]float64{0, 0, 1, 1}, 0, 100, Box{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ClipBox(0, tt.bbox, tt.w, tt.h)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClipBoxPostconditions(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 10000; i++ {
		w := 1 + rng.IntN(2000)
		h := 1 + rng.IntN(2000)
		bbox := [4]float64{
			rng.Float64()*3000 - 500,
			rng.Float64()*3000 - 500,
			rng.Float64()*3000 - 500,
			rng.Float64()*3000 - 500,
		}
		b, ok := ClipBox(3, bbox, w, h)
		if !ok {
			continue
		}
		if b.Left < 0 || b.Top < 0 || b.Width <= 0 || b.Height <= 0 ||
			b.Left+b.Width > w || b.Top+b.Height > h {
			t.Fatalf("clip(%v, %dx%d) = %+v violates bounds", bbox, w, h, b)
		}
		assert.Equal(t, 3, b.ClassID)
	}
}
