// Package sampler implements the Sampler Façade: a uniform interface
// over an initial space-filling design phase and a GP-surrogate-driven
// model phase, hiding both from the Session loop.
package sampler

import (
	"context"
	"math"
	"math/rand"
	"sync"

	"github.com/jordanhubbard/optimiser/internal/circuitbreaker"
	"github.com/jordanhubbard/optimiser/internal/sampler/gp"
	"github.com/jordanhubbard/optimiser/internal/space"
)

// Defaults for the sampler's tunable parameters.
const (
	DefaultInitRatio  = 3.5
	DefaultInitMin    = 20
	DefaultInitMax    = 100
	DefaultKappaMin   = 0.5
	DefaultKappaMax   = 10.0
	DefaultKappaDecay = 0.92
	DefaultWideWindow = 20
	DefaultNarrowWin  = 10
	DefaultImproveThreshold = 0.002
)

// Acquisition selects the acquisition function used by the GP-driven phase.
type Acquisition string

const (
	AcquisitionUCB   Acquisition = "ucb"
	AcquisitionEI    Acquisition = "ei"
	AcquisitionPOI   Acquisition = "poi"
	AcquisitionMixed Acquisition = "mixed"
)

// Config configures a Sampler.
type Config struct {
	Budget           int // N, 1..5000
	Seed             int64
	Acquisition      Acquisition
	Kappa            float64
	Xi               float64
	EarlyStop        bool
	EarlyStopWarmup  int
	AdaptiveBounds   bool
	CostAware        bool
	InitRatio        float64
	InitMin, InitMax int
}

func (c Config) withDefaults() Config {
	if c.InitRatio <= 0 {
		c.InitRatio = DefaultInitRatio
	}
	if c.InitMin <= 0 {
		c.InitMin = DefaultInitMin
	}
	if c.InitMax <= 0 {
		c.InitMax = DefaultInitMax
	}
	if c.Kappa <= 0 {
		c.Kappa = 2.576
	}
	if c.Xi <= 0 {
		c.Xi = 0.01
	}
	if c.Acquisition == "" {
		c.Acquisition = AcquisitionMixed
	}
	if c.EarlyStopWarmup <= 0 {
		c.EarlyStopWarmup = DefaultInitMin
	}
	return c
}

// InitDesignLength computes L = clamp(ceil(N/r), Lmin, Lmax).
func InitDesignLength(n int, ratio float64, lmin, lmax int) int {
	l := int(math.Ceil(float64(n) / ratio))
	if l < lmin {
		l = lmin
	}
	if l > lmax {
		l = lmax
	}
	if l > n {
		l = n
	}
	return l
}

// CostEstimator supplies a rolling mean trial duration for cost-aware
// acquisition; stats.SessionCostEstimator implements it. session.Run builds
// its Sampler with a nil estimator, so in the server costMultiplier stays
// 1.0 and Config.CostAware does not change proposals.
type CostEstimator interface {
	RecentMeanDurationMs() float64
}

// Sampler is the façade used by the Session loop.
type Sampler struct {
	mu sync.Mutex

	space *space.Space
	cfg   Config
	rng   *rand.Rand

	initDesign []space.Encoded
	initIdx    int

	gpModel *gp.Model
	breaker *circuitbreaker.Breaker
	bandit  *Bandit
	cost    CostEstimator

	observed     int
	history      []observation
	kappa        float64
	exploitIters int

	done bool
}

type observation struct {
	encoded   space.Encoded
	objective float64
}

// New constructs a Sampler bound to a built Space.
func New(sp *space.Space, cfg Config, cost CostEstimator) *Sampler {
	cfg = cfg.withDefaults()
	rng := rand.New(rand.NewSource(cfg.Seed))
	l := InitDesignLength(cfg.Budget, cfg.InitRatio, cfg.InitMin, cfg.InitMax)
	design := BuildInitialDesign(sp, rng, l)

	return &Sampler{
		space:      sp,
		cfg:        cfg,
		rng:        rng,
		initDesign: design,
		gpModel:    gp.New(sp.Len(), sp.Bounds(), gp.Acquisition(cfg.Acquisition), cfg.Seed+1),
		breaker:    circuitbreaker.New(circuitbreaker.WithThreshold(3)),
		bandit:     NewBandit(sp),
		cost:       cost,
		kappa:      cfg.Kappa,
	}
}

// NextProposal returns the next point to evaluate, or done=true if the
// budget or convergence criteria say to stop.
func (s *Sampler) NextProposal(ctx context.Context) (space.Encoded, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done || s.observed >= s.cfg.Budget {
		return nil, true, nil
	}

	if s.initIdx < len(s.initDesign) {
		enc := s.applyBanditBias(s.initDesign[s.initIdx])
		s.initIdx++
		return enc, false, nil
	}

	var enc space.Encoded
	err := s.breaker.Call(func() error {
		var askErr error
		enc, askErr = s.gpModel.Ask(ctx, s.kappa, s.cfg.Xi, s.costMultiplier())
		return askErr
	})
	if err != nil {
		// Breaker open or GP ask failed: fall back to a uniform random draw so the
		// session never stalls on a flaky surrogate fit.
		enc = s.space.SampleUniform(s.rng)
	}
	return enc, false, nil
}

// Observe records an outcome and advances the adaptive-κ and convergence
// state machines.
func (s *Sampler) Observe(encoded space.Encoded, objective float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.observed++
	s.history = append(s.history, observation{encoded: encoded, objective: objective})
	s.gpModel.Tell(encoded, objective)
	s.bandit.Observe(encoded, objective > Penalty())

	s.adjustKappa()

	if s.cfg.AdaptiveBounds && s.observed >= 20 {
		s.maybeShrinkBounds()
	}

	if s.cfg.EarlyStop && s.observed >= s.cfg.EarlyStopWarmup {
		if s.windowImprovement(DefaultWideWindow) < DefaultImproveThreshold {
			s.done = true
		}
	}
}

// Penalty mirrors objective.Penalty without importing the objective package
// (which would create an import cycle); kept as a local constant reference
// point for the ">" comparison used to bias the categorical bandit.
func Penalty() float64 { return -1e9 }

func (s *Sampler) costMultiplier() float64 {
	if !s.cfg.CostAware || s.cost == nil {
		return 1.0
	}
	mean := s.cost.RecentMeanDurationMs()
	if mean <= 0 {
		return 1.0
	}
	return mean
}

func (s *Sampler) applyBanditBias(enc space.Encoded) space.Encoded {
	return s.bandit.Bias(enc, s.rng)
}

// adjustKappa implements the adaptive-kappa rule: after >=5
// observations, compare recent improvement over a sliding window against a
// threshold, and widen or narrow exploration accordingly. The narrower
// plateau window additionally bumps κ and suppresses convergence.
func (s *Sampler) adjustKappa() {
	if s.observed < 5 {
		return
	}
	wide := s.windowImprovement(DefaultWideWindow)
	if wide < DefaultImproveThreshold {
		s.kappa = math.Min(DefaultKappaMax, s.kappa*1.1)
		s.exploitIters = 0
	} else {
		s.kappa = math.Max(DefaultKappaMin, s.kappa*DefaultKappaDecay)
		s.exploitIters++
	}

	narrow := s.windowImprovement(DefaultNarrowWin)
	if narrow < DefaultImproveThreshold/2 {
		s.kappa = math.Min(DefaultKappaMax, s.kappa*1.1)
	}
}

// windowImprovement returns (max-min) objective over the last w
// observations (or all, if fewer).
func (s *Sampler) windowImprovement(w int) float64 {
	n := len(s.history)
	if n == 0 {
		return math.Inf(1)
	}
	start := n - w
	if start < 0 {
		start = 0
	}
	window := s.history[start:]
	lo, hi := window[0].objective, window[0].objective
	for _, o := range window[1:] {
		if o.objective < lo {
			lo = o.objective
		}
		if o.objective > hi {
			hi = o.objective
		}
	}
	return hi - lo
}

// maybeShrinkBounds implements the optional adaptive-bounds domain
// reduction: at most once per session, once the shrunk region is
// materially narrower, bounds are tightened for subsequent GP proposals.
// The original Space bounds are never mutated, preserving round-trip
// correctness; only the GP's internal search region narrows.
func (s *Sampler) maybeShrinkBounds() {
	const topFraction = 0.7
	const gamma = 0.8

	if s.gpModel.BoundsShrunkOnce() {
		return
	}

	sorted := make([]observation, len(s.history))
	copy(sorted, s.history)
	// simple selection of the top topFraction by objective
	n := len(sorted)
	k := int(float64(n) * topFraction)
	if k < 1 {
		k = 1
	}
	// partial selection sort for the top-k (n is small in practice)
	for i := 0; i < k; i++ {
		best := i
		for j := i + 1; j < n; j++ {
			if sorted[j].objective > sorted[best].objective {
				best = j
			}
		}
		sorted[i], sorted[best] = sorted[best], sorted[i]
	}
	top := sorted[:k]

	ids := s.space.OrderedIDs()
	newBounds := make(map[string][2]float64, len(ids))
	for _, id := range ids {
		lo, hi := math.Inf(1), math.Inf(-1)
		for _, o := range top {
			v := o.encoded[id]
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
		span := hi - lo
		expand := (1 - gamma) / 2 * span
		newBounds[id] = [2]float64{lo - expand, hi + expand}
	}

	oldBounds := s.space.Bounds()
	shrinkEnough := true
	for id, nb := range newBounds {
		ob := oldBounds[id]
		oldWidth := ob[1] - ob[0]
		newWidth := nb[1] - nb[0]
		if oldWidth <= 0 || newWidth > 0.8*oldWidth {
			shrinkEnough = false
			break
		}
	}
	if shrinkEnough {
		s.gpModel.SetBounds(newBounds)
	}
}

// Observed returns the number of completed observations so far.
func (s *Sampler) Observed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.observed
}

// ExplorationRatio mirrors original_source/opt_server.py's status formula:
// max(0.1, 1.0 - exploitIters/maxExploitationIterations).
func (s *Sampler) ExplorationRatio(maxExploitationIterations int) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if maxExploitationIterations <= 0 {
		maxExploitationIterations = 1
	}
	r := 1.0 - float64(s.exploitIters)/float64(maxExploitationIterations)
	if r < 0.1 {
		r = 0.1
	}
	return r
}
