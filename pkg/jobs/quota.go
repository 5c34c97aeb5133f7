package jobs

import "math/rand"

// ComputeQuotas splits t pending items across w workers. It returns nil when
// w is zero. Every quota is t/w or t/w+1; the t%w extra units are placed on
// workers chosen uniformly at random, with replacement, until all are placed.
func ComputeQuotas(t, w int, rng *rand.Rand) []int {
	if w <= 0 {
		return nil
	}
	if t < 0 {
		t = 0
	}
	even, excess := t/w, t%w
	quotas := make([]int, w)
	for i := range quotas {
		quotas[i] = even
	}
	for excess > 0 {
		i := rng.Intn(w)
		// Workers already holding an extra unit are redrawn.
		if quotas[i] > even {
			continue
		}
		quotas[i]++
		excess--
	}
	return quotas
}
