// Package gp implements a Gaussian-process surrogate with a Matern 5/2
// kernel and UCB/EI/POI/Mixed acquisition maximization, built on
// gonum.org/v1/gonum's linear-algebra and statistics packages.
package gp

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/jordanhubbard/optimiser/internal/space"
)

// Acquisition selects which acquisition function Ask maximizes.
type Acquisition string

const (
	UCB   Acquisition = "ucb"
	EI    Acquisition = "ei"
	POI   Acquisition = "poi"
	Mixed Acquisition = "mixed"
)

// Model is a GP surrogate over a fixed-dimensionality encoded search space.
type Model struct {
	dim         int
	acquisition Acquisition

	xs []space.Encoded
	ys []float64

	lengthScale float64
	signalVar   float64
	noiseVar    float64

	bounds        map[string][2]float64
	boundsShrunk  bool
	candidatePool int
	rng           *rand.Rand
}

// New constructs an untrained Model for a space of the given dimensionality,
// seeded for deterministic candidate generation given the same observation
// history (required for warm-start equivalence). bounds seeds the
// candidate-generation region from the space's own declared per-dimension
// range so the GP phase can propose anywhere in [min,max], not just inside
// the convex hull of whatever the init design happened to sample; it does
// NOT count as the one adaptive-bounds shrink (BoundsShrunkOnce stays false
// until SetBounds is called explicitly by the adaptive-bounds pass).
func New(dim int, bounds map[string][2]float64, acq Acquisition, seed int64) *Model {
	if acq == "" {
		acq = Mixed
	}
	m := &Model{
		dim:           dim,
		acquisition:   acq,
		lengthScale:   1.0,
		signalVar:     1.0,
		noiseVar:      1e-6,
		candidatePool: 256,
		rng:           rand.New(rand.NewSource(seed)),
	}
	if len(bounds) > 0 {
		seeded := make(map[string][2]float64, len(bounds))
		for id, b := range bounds {
			seeded[id] = b
		}
		m.bounds = seeded
	}
	return m
}

// SetBounds narrows the candidate-generation region used by Ask to a
// shrunk subregion. Called at most once per session by the Sampler's
// adaptive-bounds pass; overrides whatever bounds New seeded.
func (m *Model) SetBounds(b map[string][2]float64) {
	m.bounds = b
	m.boundsShrunk = true
}

// BoundsShrunkOnce reports whether SetBounds has already been called.
func (m *Model) BoundsShrunkOnce() bool { return m.boundsShrunk }

// Tell records an observation.
func (m *Model) Tell(x space.Encoded, y float64) {
	m.xs = append(m.xs, x)
	m.ys = append(m.ys, y)
}

var errNoObservations = errors.New("gp: ask called with no observations")

// Ask maximizes the configured acquisition function over a random candidate
// pool scored against the fitted GP posterior, scaled by costMultiplier for
// cost-aware acquisition (1.0 when disabled).
func (m *Model) Ask(ctx context.Context, kappa, xi, costMultiplier float64) (space.Encoded, error) {
	if len(m.xs) == 0 {
		return nil, errNoObservations
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ids := m.dimensionIDs()
	K, err := m.covMatrix(ids)
	if err != nil {
		return nil, err
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(K); !ok {
		return nil, errors.New("gp: covariance matrix is not positive definite")
	}

	yBest := m.ys[0]
	for _, y := range m.ys {
		if y > yBest {
			yBest = y
		}
	}

	var bestX space.Encoded
	bestScore := math.Inf(-1)
	for i := 0; i < m.candidatePool; i++ {
		cand := m.randomCandidate(ids)
		mean, variance := m.predict(ids, &chol, cand)
		std := math.Sqrt(math.Max(variance, 1e-12))

		score := m.acquire(mean, std, yBest, kappa, xi, float64(len(m.xs)))
		if costMultiplier > 0 {
			score /= costMultiplier
		}
		if score > bestScore {
			bestScore = score
			bestX = cand
		}
	}
	if bestX == nil {
		return nil, errors.New("gp: failed to produce a candidate")
	}
	return bestX, nil
}

func (m *Model) acquire(mean, std, yBest, kappa, xi, n float64) float64 {
	switch m.acquisition {
	case UCB:
		return mean + kappa*std
	case EI:
		return expectedImprovement(mean, std, yBest, xi)
	case POI:
		return probabilityOfImprovement(mean, std, yBest, xi)
	case Mixed:
		alpha := math.Max(0.1, 1-n/30)
		return alpha*(mean+kappa*std) + (1-alpha)*expectedImprovement(mean, std, yBest, xi)
	default:
		return mean + kappa*std
	}
}

func expectedImprovement(mean, std, yBest, xi float64) float64 {
	if std <= 1e-12 {
		return 0
	}
	z := (mean - yBest - xi) / std
	n := distuv.Normal{Mu: 0, Sigma: 1}
	return (mean-yBest-xi)*n.CDF(z) + std*n.Prob(z)
}

func probabilityOfImprovement(mean, std, yBest, xi float64) float64 {
	if std <= 1e-12 {
		return 0
	}
	z := (mean - yBest - xi) / std
	n := distuv.Normal{Mu: 0, Sigma: 1}
	return n.CDF(z)
}

func (m *Model) dimensionIDs() []string {
	ids := make([]string, 0, m.dim)
	if len(m.xs) > 0 {
		for id := range m.xs[0] {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (m *Model) kernel(a, b space.Encoded, ids []string) float64 {
	var sqDist float64
	for _, id := range ids {
		d := (a[id] - b[id]) / m.lengthScale
		sqDist += d * d
	}
	r := math.Sqrt(5 * sqDist)
	return m.signalVar * (1 + r + 5*sqDist/3) * math.Exp(-r)
}

func (m *Model) covMatrix(ids []string) (*mat.SymDense, error) {
	n := len(m.xs)
	K := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := m.kernel(m.xs[i], m.xs[j], ids)
			if i == j {
				v += m.noiseVar
			}
			K.SetSym(i, j, v)
		}
	}
	return K, nil
}

func (m *Model) predict(ids []string, chol *mat.Cholesky, x space.Encoded) (mean, variance float64) {
	n := len(m.xs)
	kStar := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		kStar.SetVec(i, m.kernel(m.xs[i], x, ids))
	}

	y := mat.NewVecDense(n, m.ys)
	var alpha mat.VecDense
	if err := chol.SolveVecTo(&alpha, y); err != nil {
		return avg(m.ys), m.signalVar
	}
	mean = mat.Dot(kStar, &alpha)

	var v mat.VecDense
	if err := chol.SolveVecTo(&v, kStar); err != nil {
		return mean, m.signalVar
	}
	selfK := m.kernel(x, x, ids)
	variance = selfK - mat.Dot(kStar, &v)
	if variance < 0 {
		variance = 0
	}
	return mean, variance
}

func (m *Model) randomCandidate(ids []string) space.Encoded {
	cand := make(space.Encoded, len(ids))
	for _, id := range ids {
		lo, hi := 0.0, 1.0
		if m.bounds != nil {
			if b, ok := m.bounds[id]; ok {
				lo, hi = b[0], b[1]
			} else {
				lo, hi = m.observedRange(id)
			}
		} else {
			lo, hi = m.observedRange(id)
		}
		if hi <= lo {
			cand[id] = lo
			continue
		}
		cand[id] = lo + m.rng.Float64()*(hi-lo)
	}
	return cand
}

func (m *Model) observedRange(id string) (lo, hi float64) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, x := range m.xs {
		v := x[id]
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	if lo > hi {
		return 0, 1
	}
	return lo, hi
}

func avg(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
