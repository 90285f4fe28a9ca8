package sampler

import (
	"context"
	"testing"

	"github.com/jordanhubbard/optimiser/internal/space"
)

func TestInitDesignLength_ClampsToRange(t *testing.T) {
	if got := InitDesignLength(10, 3.5, 20, 100); got != 10 {
		t.Fatalf("expected clamp to budget 10, got %d", got)
	}
	if got := InitDesignLength(1000, 3.5, 20, 100); got != 100 {
		t.Fatalf("expected clamp to max 100, got %d", got)
	}
	if got := InitDesignLength(10, 3.5, 2, 5); got != 3 {
		t.Fatalf("expected ceil(10/3.5)=3, inside [2,5], got %d", got)
	}
}

func buildTestSpace(t *testing.T) *space.Space {
	t.Helper()
	sp, err := space.Build([]space.Dimension{
		{ID: "x", Kind: space.KindFloat, Min: 0, Max: 10, Enabled: true},
		{ID: "y", Kind: space.KindFloat, Min: -5, Max: 5, Enabled: true},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return sp
}

func TestSampler_BudgetExhaustionSignalsDone(t *testing.T) {
	sp := buildTestSpace(t)
	s := New(sp, Config{Budget: 3, Seed: 1}, nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		enc, done, err := s.NextProposal(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if done {
			t.Fatalf("unexpected done at observation %d", i)
		}
		s.Observe(enc, float64(i))
	}
	_, done, err := s.NextProposal(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !done {
		t.Fatal("expected done after budget exhausted")
	}
}

func TestSampler_ProposalsStayWithinBounds(t *testing.T) {
	sp := buildTestSpace(t)
	s := New(sp, Config{Budget: 30, Seed: 7}, nil)
	ctx := context.Background()
	for i := 0; i < 30; i++ {
		enc, done, err := s.NextProposal(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if done {
			break
		}
		if enc["x"] < 0 || enc["x"] > 10 {
			t.Fatalf("x out of bounds: %v", enc["x"])
		}
		if enc["y"] < -5 || enc["y"] > 5 {
			t.Fatalf("y out of bounds: %v", enc["y"])
		}
		s.Observe(enc, -float64(i))
	}
}

func TestSampler_DeterministicGivenSameSeed(t *testing.T) {
	sp1 := buildTestSpace(t)
	sp2 := buildTestSpace(t)
	s1 := New(sp1, Config{Budget: 25, Seed: 42}, nil)
	s2 := New(sp2, Config{Budget: 25, Seed: 42}, nil)
	ctx := context.Background()
	for i := 0; i < 25; i++ {
		e1, _, _ := s1.NextProposal(ctx)
		e2, _, _ := s2.NextProposal(ctx)
		if e1["x"] != e2["x"] || e1["y"] != e2["y"] {
			t.Fatalf("divergence at step %d: %v vs %v", i, e1, e2)
		}
		s1.Observe(e1, float64(i))
		s2.Observe(e2, float64(i))
	}
}
