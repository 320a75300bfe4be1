package generator

import (
	"math/rand"
	"time"
)

// newRNG returns a generator seeded with seed, or with the clock when seed is
// 0, along with the seed actually used.
func newRNG(seed int64) (*rand.Rand, int64) {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return rand.New(rand.NewSource(seed)), seed
}
