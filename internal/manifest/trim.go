package manifest

import "sort"

// TrimPolicy bounds the boxes kept per image.
type TrimPolicy struct {
	MinWidth    int
	MinHeight   int
	MaxPerClass int
	MaxTotal    int
}

// Trim reduces boxes only when there are more than MaxTotal: small boxes
// go first, then each class keeps its MaxPerClass largest, then the
// MaxTotal largest overall survive. Ties keep input order. It returns the
// kept boxes and how many were dropped.
func Trim(boxes []Box, p TrimPolicy) ([]Box, int) {
	if len(boxes) <= p.MaxTotal {
		return boxes, 0
	}
	kept := make([]Box, 0, len(boxes))
	for _, b := range boxes {
		if b.Width >= p.MinWidth && b.Height >= p.MinHeight {
			kept = append(kept, b)
		}
	}

	if len(kept) > p.MaxTotal {
		var order []int
		byClass := make(map[int][]Box)
		for _, b := range kept {
			if _, ok := byClass[b.ClassID]; !ok {
				order = append(order, b.ClassID)
			}
			byClass[b.ClassID] = append(byClass[b.ClassID], b)
		}
		kept = kept[:0:0]
		for _, id := range order {
			group := byClass[id]
			sortByAreaDesc(group)
			if len(group) > p.MaxPerClass {
				group = group[:p.MaxPerClass]
			}
			kept = append(kept, group...)
		}
	}

	if len(kept) > p.MaxTotal {
		sortByAreaDesc(kept)
		kept = kept[:p.MaxTotal]
	}
	return kept, len(boxes) - len(kept)
}

func sortByAreaDesc(boxes []Box) {
	sort.SliceStable(boxes, func(i, j int) bool {
		return boxes[i].Area() > boxes[j].Area()
	})
}
