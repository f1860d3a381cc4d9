package manifest

import "math"

// ClipBox rounds a (left, top, width, height) box to integer pixels and
// clips it into [0, imgW) × [0, imgH). It reports false when the box clips
// to zero width or height.
func ClipBox(classID int, bbox [4]float64, imgW, imgH int) (Box, bool) {
	if imgW <= 0 || imgH <= 0 {
		return Box{}, false
	}
	x := int(math.Round(bbox[0]))
	y := int(math.Round(bbox[1]))
	w := int(math.Round(bbox[2]))
	h := int(math.Round(bbox[3]))

	x = min(max(x, 0), imgW-1)
	y = min(max(y, 0), imgH-1)
	w = min(w, imgW-x)
	h = min(h, imgH-y)
	if w <= 0 || h <= 0 {
		return Box{}, false
	}
	return Box{ClassID: classID, Left: x, Top: y, Width: w, Height: h}, true
}
