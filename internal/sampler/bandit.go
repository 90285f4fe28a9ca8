package sampler

import (
	"math/rand"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/jordanhubbard/optimiser/internal/space"
)

// Bandit is a Beta-Bernoulli Thompson-sampling bandit over the labels of
// each categorical/ordinal dimension, adapted from the router package's
// model-selection bandit: here the "arms" are parameter labels and the
// "reward" is whether a trial using that label passed its filters, biasing
// (not replacing) the initial design's categorical draws once evidence
// exists.
type Bandit struct {
	dims  []string          // categorical/ordinal dimension ids
	arms  map[string][]string // dimension id -> labels
	alpha map[string]map[string]float64
	beta  map[string]map[string]float64
}

// NewBandit builds a Bandit over sp's categorical/ordinal dimensions. Other
// dimension kinds are ignored.
func NewBandit(sp *space.Space) *Bandit {
	b := &Bandit{
		arms:  make(map[string][]string),
		alpha: make(map[string]map[string]float64),
		beta:  make(map[string]map[string]float64),
	}
	for _, d := range sp.Dimensions() {
		if d.Kind != space.KindCategorical && d.Kind != space.KindOrdinal {
			continue
		}
		b.dims = append(b.dims, d.ID)
		b.arms[d.ID] = d.Labels
		b.alpha[d.ID] = make(map[string]float64, len(d.Labels))
		b.beta[d.ID] = make(map[string]float64, len(d.Labels))
		for _, l := range d.Labels {
			b.alpha[d.ID][l] = 1 // uniform Beta(1,1) prior
			b.beta[d.ID][l] = 1
		}
	}
	return b
}

// Bias redraws each categorical/ordinal coordinate of enc by Thompson
// sampling over its arms, once at least one observation has been recorded
// for that dimension; numeric coordinates pass through unchanged.
func (b *Bandit) Bias(enc space.Encoded, rng *rand.Rand) space.Encoded {
	if len(b.dims) == 0 {
		return enc
	}
	out := make(space.Encoded, len(enc))
	for k, v := range enc {
		out[k] = v
	}
	for _, dimID := range b.dims {
		labels := b.arms[dimID]
		observed := false
		for _, l := range labels {
			if b.alpha[dimID][l]+b.beta[dimID][l] > 2 {
				observed = true
				break
			}
		}
		if !observed {
			continue
		}
		bestScore := -1.0
		bestIdx := 0
		for i, l := range labels {
			draw := distuv.Beta{Alpha: b.alpha[dimID][l], Beta: b.beta[dimID][l], Src: rng}.Rand()
			if draw > bestScore {
				bestScore = draw
				bestIdx = i
			}
		}
		out[dimID] = float64(bestIdx)
	}
	return out
}

// Observe updates the arm statistics for every categorical/ordinal
// coordinate present in encoded, crediting success when the trial passed
// its filters.
func (b *Bandit) Observe(encoded space.Encoded, success bool) {
	for _, dimID := range b.dims {
		x, ok := encoded[dimID]
		if !ok {
			continue
		}
		idx := int(x)
		labels := b.arms[dimID]
		if idx < 0 || idx >= len(labels) {
			continue
		}
		label := labels[idx]
		if success {
			b.alpha[dimID][label]++
		} else {
			b.beta[dimID][label]++
		}
	}
}
