// Package objective builds the scalar optimization objective from raw
// evaluator metrics: target-metric extraction, filter evaluation, penalty
// assignment, multi-objective scalarization, and best/Pareto tracking.
package objective

import (
	"fmt"
	"math"

	"github.com/jordanhubbard/optimiser/internal/space"
)

// Penalty is the large negative constant assigned to invalid trials so they
// are never selected as best.
const Penalty = -1e9

// Comparator is a filter's relational operator.
type Comparator string

const (
	GTE Comparator = "gte"
	LTE Comparator = "lte"
	GT  Comparator = "gt"
	LT  Comparator = "lt"
	EQ  Comparator = "eq"
)

func (c Comparator) eval(value, threshold float64) bool {
	switch c {
	case GTE:
		return value >= threshold
	case LTE:
		return value <= threshold
	case GT:
		return value > threshold
	case LT:
		return value < threshold
	case EQ:
		return value == threshold
	default:
		return false
	}
}

// Filter is a (metric, comparator, threshold) triple evaluated against a
// metric bag.
type Filter struct {
	MetricID   string
	Comparator Comparator
	Threshold  float64
}

// Transform is an optional per-target-metric transform applied only to the
// scalar objective, never to the raw metric value reported in results.
type Transform string

const (
	TransformNone      Transform = ""
	TransformLog       Transform = "log"
	TransformSignFlip  Transform = "sign_flip"
	TransformOutlierCap Transform = "outlier_cap"
)

// Target declares one metric to optimize, with its weight in a
// multi-objective scalarization and its optional transform.
type Target struct {
	MetricID  string
	Weight    float64
	Transform Transform
	// OutlierCapValue bounds the transformed value when Transform is
	// TransformOutlierCap.
	OutlierCapValue float64
}

// Builder evaluates raw evaluator metrics into a scored Trial outcome.
type Builder struct {
	targets []Target
	filters []Filter
}

// New constructs a Builder. Target weights are normalized to sum to 1.
func New(targets []Target, filters []Filter) *Builder {
	norm := make([]Target, len(targets))
	copy(norm, targets)
	var sum float64
	for _, t := range norm {
		sum += t.Weight
	}
	if sum > 0 {
		for i := range norm {
			norm[i].Weight /= sum
		}
	} else if len(norm) > 0 {
		for i := range norm {
			norm[i].Weight = 1.0 / float64(len(norm))
		}
	}
	return &Builder{targets: norm, filters: filters}
}

// Evaluation is the scored outcome of one trial's raw metrics.
type Evaluation struct {
	MetricValue   float64 // raw value of the primary target; NaN if unavailable
	MetricOK      bool
	FiltersPassed bool
	FilterReasons []string
	Objective     float64
	Scalarized    bool
}

// Evaluate scores a metric bag. When exactly one target is
// configured, MetricValue/MetricOK reflect that target directly. When
// multiple targets are configured, MetricValue/MetricOK reflect the first
// declared target (used for display), while Objective is the normalized
// weighted sum across all targets.
func (b *Builder) Evaluate(metrics map[string]float64) Evaluation {
	var reasons []string
	filtersPassed := true
	for _, f := range b.filters {
		v, ok := metrics[f.MetricID]
		if !ok {
			filtersPassed = false
			reasons = append(reasons, fmt.Sprintf("%s unavailable", f.MetricID))
			continue
		}
		if !f.Comparator.eval(v, f.Threshold) {
			filtersPassed = false
			reasons = append(reasons, fmt.Sprintf("%s %s %s failed (value %s)", f.MetricID, f.Comparator, formatThreshold(f.Threshold), formatThreshold(v)))
		}
	}

	if len(b.targets) == 0 {
		return Evaluation{MetricOK: false, FiltersPassed: false, FilterReasons: append(reasons, "no target metric configured"), Objective: Penalty}
	}

	primary := b.targets[0]
	primaryValue, primaryOK := metrics[primary.MetricID]
	if !primaryOK {
		reasons = append(reasons, fmt.Sprintf("%s unavailable", primary.MetricID))
		filtersPassed = false
	}

	if !filtersPassed {
		return Evaluation{
			MetricValue:   primaryValue,
			MetricOK:      primaryOK,
			FiltersPassed: false,
			FilterReasons: reasons,
			Objective:     Penalty,
		}
	}

	if len(b.targets) == 1 {
		obj := applyTransform(primary, primaryValue)
		return Evaluation{
			MetricValue:   primaryValue,
			MetricOK:      true,
			FiltersPassed: true,
			FilterReasons: reasons,
			Objective:     obj,
		}
	}

	// Multi-objective scalarization: weighted sum over all declared targets.
	var scalarized float64
	for _, t := range b.targets {
		v, ok := metrics[t.MetricID]
		if !ok {
			filtersPassed = false
			reasons = append(reasons, fmt.Sprintf("%s unavailable", t.MetricID))
			continue
		}
		scalarized += t.Weight * applyTransform(t, v)
	}
	if !filtersPassed {
		return Evaluation{
			MetricValue:   primaryValue,
			MetricOK:      primaryOK,
			FiltersPassed: false,
			FilterReasons: reasons,
			Objective:     Penalty,
		}
	}
	return Evaluation{
		MetricValue:   primaryValue,
		MetricOK:      true,
		FiltersPassed: true,
		FilterReasons: reasons,
		Objective:     scalarized,
		Scalarized:    true,
	}
}

func applyTransform(t Target, v float64) float64 {
	x := v
	switch t.Transform {
	case TransformLog:
		if x > 0 {
			x = math.Log(x + 1)
		}
	case TransformSignFlip:
		x = -x
	case TransformOutlierCap:
		cap := t.OutlierCapValue
		if cap > 0 {
			if x > cap {
				x = cap
			} else if x < -cap {
				x = -cap
			}
		}
	}
	return x
}

func formatThreshold(v float64) string {
	return fmt.Sprintf("%.3g", v)
}

// Observation holds the user-domain params paired with their metrics.
type Observation struct {
	Params  space.User
	Metrics map[string]float64
}
