package objective

import (
	"testing"

	"github.com/jordanhubbard/optimiser/internal/space"
)

func TestBest_ConsiderRequiresFiltersPassed(t *testing.T) {
	var b Best
	if b.Consider(0, 10, false, nil, nil) {
		t.Fatal("expected no update when filters fail")
	}
	if b.Snapshot() != nil {
		t.Fatal("expected nil snapshot before any passing trial")
	}
}

func TestBest_ConsiderStrictImprovementOnly(t *testing.T) {
	var b Best
	if !b.Consider(0, 5.0, true, nil, nil) {
		t.Fatal("expected first passing trial to become best")
	}
	if b.Consider(1, 5.0, true, nil, nil) {
		t.Fatal("expected equal value to not replace best (strict improvement only)")
	}
	if b.Consider(2, 4.9, true, nil, nil) {
		t.Fatal("expected worse value to not replace best")
	}
	if !b.Consider(3, 5.1, true, nil, nil) {
		t.Fatal("expected strictly better value to replace best")
	}
	if b.Snapshot().TrialNumber != 3 {
		t.Fatalf("expected best trial 3, got %d", b.Snapshot().TrialNumber)
	}
}

func TestParetoFront_AddDiscardsDominated(t *testing.T) {
	var f ParetoFront
	f.Add(ParetoSolution{Objectives: []float64{10, 10}})
	f.Add(ParetoSolution{Objectives: []float64{5, 5}}) // dominated by the first
	if len(f.Solutions()) != 1 {
		t.Fatalf("expected dominated candidate discarded, got %d solutions", len(f.Solutions()))
	}
}

func TestParetoFront_AddRemovesDominatedExisting(t *testing.T) {
	var f ParetoFront
	f.Add(ParetoSolution{Objectives: []float64{1, 1}})
	f.Add(ParetoSolution{Objectives: []float64{10, 10}}) // dominates the first
	sols := f.Solutions()
	if len(sols) != 1 || sols[0].Objectives[0] != 10 {
		t.Fatalf("expected only the dominating candidate to remain, got %+v", sols)
	}
}

func TestParetoFront_AddKeepsNonDominatedTradeoffs(t *testing.T) {
	var f ParetoFront
	f.Add(ParetoSolution{Objectives: []float64{10, 1}})
	f.Add(ParetoSolution{Objectives: []float64{1, 10}})
	if len(f.Solutions()) != 2 {
		t.Fatalf("expected both non-dominated tradeoffs retained, got %d", len(f.Solutions()))
	}
}

func TestParetoFront_EvictsLowestScalarizedOnOverflow(t *testing.T) {
	var f ParetoFront
	for i := 0; i < MaxParetoFrontSize; i++ {
		// strictly increasing first objective, decreasing second, so none
		// dominate each other; scalarized value tracks insertion order.
		f.Add(ParetoSolution{
			Objectives: []float64{float64(i), float64(MaxParetoFrontSize - i)},
			Scalarized: float64(i),
		})
	}
	if len(f.Solutions()) != MaxParetoFrontSize {
		t.Fatalf("expected front capped at %d, got %d", MaxParetoFrontSize, len(f.Solutions()))
	}

	// Insert one more non-dominated point with a high scalarized value; the
	// lowest-scalarized member (index 0) should be evicted.
	f.Add(ParetoSolution{Objectives: []float64{-1, MaxParetoFrontSize + 1}, Scalarized: 1000})
	if len(f.Solutions()) != MaxParetoFrontSize {
		t.Fatalf("expected front to stay capped at %d after overflow, got %d", MaxParetoFrontSize, len(f.Solutions()))
	}
	for _, s := range f.Solutions() {
		if s.Scalarized == 0 {
			t.Fatal("expected the lowest-scalarized original member to have been evicted")
		}
	}
}

func TestBest_RetainsParamsAndMetrics(t *testing.T) {
	var b Best
	params := space.User{"x": {Kind: space.KindFloat, Float: 1.5}}
	metrics := map[string]float64{"netProfit": 7}
	b.Consider(0, 7, true, params, metrics)
	snap := b.Snapshot()
	if snap.Params["x"].Float != 1.5 {
		t.Fatalf("expected params retained, got %+v", snap.Params)
	}
	if snap.Metrics["netProfit"] != 7 {
		t.Fatalf("expected metrics retained, got %+v", snap.Metrics)
	}
}
