package sampler

import (
	"math/rand"

	"github.com/jordanhubbard/optimiser/internal/space"
)

// BuildInitialDesign produces a deterministic, space-filling sequence of
// length l over sp's encoded domain: a Sobol-like sequence for d >= 2,
// falling back to a maximin-scored Latin Hypercube otherwise.
func BuildInitialDesign(sp *space.Space, rng *rand.Rand, l int) []space.Encoded {
	ids := sp.OrderedIDs()
	bounds := sp.Bounds()
	if len(ids) >= 2 {
		return sobolSequence(ids, bounds, l, rng)
	}
	return bestOfLatinHypercubes(ids, bounds, l, rng, 10)
}

// sobolSequence approximates a low-discrepancy Sobol-style sequence using a
// base-2 Van der Corput sequence per dimension with a distinct prime-step
// offset, which is sufficient space-filling behaviour without pulling in a
// dedicated Sobol generator: every dimension receives a different, still
// low-discrepancy 1-D projection.
func sobolSequence(ids []string, bounds map[string][2]float64, l int, rng *rand.Rand) []space.Encoded {
	primes := []int{2, 3, 5, 7, 11, 13, 17, 19, 23, 29, 31, 37}
	out := make([]space.Encoded, l)
	for i := 0; i < l; i++ {
		enc := make(space.Encoded, len(ids))
		for di, id := range ids {
			base := primes[di%len(primes)]
			u := vanDerCorput(i+1, base)
			b := bounds[id]
			enc[id] = b[0] + u*(b[1]-b[0])
		}
		out[i] = enc
	}
	return out
}

func vanDerCorput(n, base int) float64 {
	var result float64
	f := 1.0 / float64(base)
	for n > 0 {
		result += f * float64(n%base)
		n /= base
		f /= float64(base)
	}
	return result
}

// bestOfLatinHypercubes builds `trials` candidate Latin Hypercube designs
// and keeps the one with the largest minimum pairwise distance (maximin).
func bestOfLatinHypercubes(ids []string, bounds map[string][2]float64, l int, rng *rand.Rand, trials int) []space.Encoded {
	var best []space.Encoded
	bestScore := -1.0
	for t := 0; t < trials; t++ {
		cand := latinHypercube(ids, bounds, l, rng)
		score := minPairwiseDistance(cand, ids)
		if score > bestScore {
			bestScore = score
			best = cand
		}
	}
	return best
}

func latinHypercube(ids []string, bounds map[string][2]float64, l int, rng *rand.Rand) []space.Encoded {
	perColumn := make(map[string][]int, len(ids))
	for _, id := range ids {
		perm := rng.Perm(l)
		perColumn[id] = perm
	}
	out := make([]space.Encoded, l)
	for i := 0; i < l; i++ {
		enc := make(space.Encoded, len(ids))
		for _, id := range ids {
			bin := perColumn[id][i]
			b := bounds[id]
			width := (b[1] - b[0]) / float64(l)
			jitter := rng.Float64()
			enc[id] = b[0] + width*(float64(bin)+jitter)
		}
		out[i] = enc
	}
	return out
}

func minPairwiseDistance(points []space.Encoded, ids []string) float64 {
	min := -1.0
	for i := 0; i < len(points); i++ {
		for j := i + 1; j < len(points); j++ {
			var d float64
			for _, id := range ids {
				diff := points[i][id] - points[j][id]
				d += diff * diff
			}
			if min < 0 || d < min {
				min = d
			}
		}
	}
	return min
}
