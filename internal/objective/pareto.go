package objective

import "github.com/jordanhubbard/optimiser/internal/space"

// MaxParetoFrontSize bounds the number of solutions retained in the front.
const MaxParetoFrontSize = 20

// BestSnapshot is the best trial observed so far in a session. Exists iff
// at least one trial has passed all filters; monotonically improving in
// Metric.
type BestSnapshot struct {
	Metric      float64
	TrialNumber int
	Params      space.User
	Metrics     map[string]float64
}

// Best tracks the best-so-far snapshot with strict-improvement semantics.
type Best struct {
	snapshot *BestSnapshot
}

// Consider updates the best snapshot iff filtersPassed and metricValue is a
// strict improvement over the current best. Returns true if it became the
// new best.
func (b *Best) Consider(trialNumber int, metricValue float64, filtersPassed bool, params space.User, metrics map[string]float64) bool {
	if !filtersPassed {
		return false
	}
	if b.snapshot != nil && metricValue <= b.snapshot.Metric {
		return false
	}
	b.snapshot = &BestSnapshot{
		Metric:      metricValue,
		TrialNumber: trialNumber,
		Params:      params,
		Metrics:     metrics,
	}
	return true
}

// Snapshot returns the current best, or nil if no trial has passed filters.
func (b *Best) Snapshot() *BestSnapshot {
	return b.snapshot
}

// Restore seeds the best-so-far snapshot directly from a persisted
// warm-start record, bypassing Consider's strict-improvement check since
// the persisted snapshot already reflects the best trial across the
// session's full history, not just the trials replayed in this process.
func (b *Best) Restore(snapshot *BestSnapshot) {
	b.snapshot = snapshot
}

// ParetoSolution is one member of a Pareto front.
type ParetoSolution struct {
	Params     space.User
	Metrics    map[string]float64
	Scalarized float64
	Objectives []float64 // per-target raw (transformed) objective values, maximization-oriented
}

// ParetoFront tracks the non-dominated set of solutions seen so far,
// bounded to MaxParetoFrontSize. Domination assumes maximization across all
// Objectives components.
type ParetoFront struct {
	solutions []ParetoSolution
}

// dominates reports whether a dominates b: a is >= b in every objective and
// strictly greater in at least one.
func dominates(a, b []float64) bool {
	strictlyBetter := false
	for i := range a {
		if a[i] < b[i] {
			return false
		}
		if a[i] > b[i] {
			strictlyBetter = true
		}
	}
	return strictlyBetter
}

// Add inserts a candidate solution, removing any existing members it
// dominates, and skipping insertion if any existing member dominates it.
// If the front would exceed MaxParetoFrontSize, the candidate with the
// lowest scalarized value is evicted.
func (f *ParetoFront) Add(candidate ParetoSolution) {
	for _, existing := range f.solutions {
		if dominates(existing.Objectives, candidate.Objectives) {
			return // candidate is dominated, discard
		}
	}
	kept := f.solutions[:0:0]
	for _, existing := range f.solutions {
		if !dominates(candidate.Objectives, existing.Objectives) {
			kept = append(kept, existing)
		}
	}
	kept = append(kept, candidate)

	if len(kept) > MaxParetoFrontSize {
		worst := 0
		for i, s := range kept {
			if s.Scalarized < kept[worst].Scalarized {
				worst = i
			}
		}
		kept = append(kept[:worst], kept[worst+1:]...)
	}
	f.solutions = kept
}

// Solutions returns the current front.
func (f *ParetoFront) Solutions() []ParetoSolution {
	out := make([]ParetoSolution, len(f.solutions))
	copy(out, f.solutions)
	return out
}
