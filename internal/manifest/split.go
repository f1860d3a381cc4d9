package manifest

import (
	"math"
	"math/rand/v2"
)

// ValCount returns how many of n items go to validation: floor(n*fraction)
// but at least one whenever n > 0, and never more than n.
func ValCount(n int, fraction float64) int {
	if n <= 0 {
		return 0
	}
	v := int(math.Floor(float64(n) * fraction))
	return min(max(1, v), n)
}

// Split shuffles items and splits them into train and validation sets.
func Split[T any](items []T, fraction float64, rng *rand.Rand) (train, val []T) {
	shuffled := append([]T(nil), items...)
	rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	nVal := ValCount(len(shuffled), fraction)
	return shuffled[nVal:], shuffled[:nVal]
}
