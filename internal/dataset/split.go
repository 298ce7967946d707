package dataset

import (
	"math"
	"math/rand/v2"
	"slices"
)

// Split shuffles stems with seed and cuts them at floor(ratio*N) into train
// and val. The input is sorted first, so the result depends only on the set
// of stems, the ratio, and the seed.
func Split(stems []string, ratio float64, seed uint64) (train, val []string) {
	shuffled := slices.Clone(stems)
	slices.Sort(shuffled)
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	cut := int(math.Floor(ratio * float64(len(shuffled))))
	cut = min(max(cut, 0), len(shuffled))
	return shuffled[:cut], shuffled[cut:]
}
