package manifest

import (
	"math/rand/v2"
	"sort"
)

// BalancePolicy configures class balancing.
type BalancePolicy struct {
	PerClassCap    int
	MinClassImages int
}

// Selection is the outcome of Balance.
type Selection struct {
	Images   []int        // Selected image indices, ascending
	Eligible map[int]bool // Classes that met MinClassImages; empty on fallback
}

// Keeps reports whether boxes of class id survive the selection. Every class
// survives a fallback selection.
func (s Selection) Keeps(id int) bool {
	return len(s.Eligible) == 0 || s.Eligible[id]
}

// Balance selects a class-balanced subset of images. classes[i] lists the
// class ids present in image i. Classes with fewer than MinClassImages
// images are ineligible and must be removed from the selected images by the
// caller (see Selection.Keeps); each eligible class draws not-yet-chosen
// images from its shuffled pool in round-robin until its pool is exhausted
// or it has drawn PerClassCap. When no class is eligible every image is
// selected.
func Balance(classes [][]int, p BalancePolicy, rng *rand.Rand) Selection {
	pools := make(map[int][]int)
	for i, ids := range classes {
		for _, id := range ids {
			pools[id] = append(pools[id], i)
		}
	}

	var eligible []int
	sel := Selection{Eligible: make(map[int]bool)}
	for id, pool := range pools {
		if len(pool) >= p.MinClassImages {
			eligible = append(eligible, id)
			sel.Eligible[id] = true
		}
	}
	sort.Ints(eligible)
	for _, id := range eligible {
		pool := pools[id]
		rng.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	}

	chosen := make(map[int]bool)
	next := make(map[int]int)
	drawn := make(map[int]int)
	for progress := true; progress; {
		progress = false
		for _, id := range eligible {
			if drawn[id] >= p.PerClassCap {
				continue
			}
			pool := pools[id]
			for next[id] < len(pool) && chosen[pool[next[id]]] {
				next[id]++
			}
			if next[id] == len(pool) {
				continue
			}
			chosen[pool[next[id]]] = true
			next[id]++
			drawn[id]++
			progress = true
		}
	}

	if len(chosen) == 0 {
		sel.Images = make([]int, len(classes))
		for i := range sel.Images {
			sel.Images[i] = i
		}
		clear(sel.Eligible)
		return sel
	}
	sel.Images = make([]int, 0, len(chosen))
	for i := range chosen {
		sel.Images = append(sel.Images, i)
	}
	sort.Ints(sel.Images)
	return sel
}
