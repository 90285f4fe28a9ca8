package registry

import (
	"context"
	"testing"

	"github.com/jordanhubbard/optimiser/internal/objective"
	"github.com/jordanhubbard/optimiser/internal/protocol"
	"github.com/jordanhubbard/optimiser/internal/session"
	"github.com/jordanhubbard/optimiser/internal/space"
	"github.com/jordanhubbard/optimiser/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateGetRemove(t *testing.T) {
	r := New(newTestStore(t))
	sess := session.New("sess-1", nil, nil, session.Hooks{})

	if err := r.Create("sess-1", sess, func() {}, "key-1"); err != nil {
		t.Fatal(err)
	}

	e, ok := r.Get("sess-1")
	if !ok {
		t.Fatal("expected session to be found")
	}
	if e.APIKeyID != "key-1" {
		t.Errorf("expected key-1, got %s", e.APIKeyID)
	}

	r.Remove("sess-1")
	if _, ok := r.Get("sess-1"); ok {
		t.Error("expected session to be removed")
	}
}

func TestCreateDuplicateFails(t *testing.T) {
	r := New(newTestStore(t))
	sess := session.New("sess-1", nil, nil, session.Hooks{})

	if err := r.Create("sess-1", sess, func() {}, "key-1"); err != nil {
		t.Fatal(err)
	}
	if err := r.Create("sess-1", sess, func() {}, "key-1"); err == nil {
		t.Error("expected error creating duplicate session id")
	}
}

func TestListAndCount(t *testing.T) {
	r := New(newTestStore(t))
	r.Create("s1", session.New("s1", nil, nil, session.Hooks{}), func() {}, "key-1")
	r.Create("s2", session.New("s2", nil, nil, session.Hooks{}), func() {}, "key-1")

	if r.Count() != 2 {
		t.Errorf("expected count 2, got %d", r.Count())
	}
	ids := r.List()
	if len(ids) != 2 {
		t.Errorf("expected 2 ids, got %d", len(ids))
	}
}

func TestActiveSessionCountByKey(t *testing.T) {
	r := New(newTestStore(t))
	r.Create("s1", session.New("s1", nil, nil, session.Hooks{}), func() {}, "key-a")
	r.Create("s2", session.New("s2", nil, nil, session.Hooks{}), func() {}, "key-a")
	r.Create("s3", session.New("s3", nil, nil, session.Hooks{}), func() {}, "key-b")

	if got := r.ActiveSessionCount("key-a"); got != 2 {
		t.Errorf("expected 2 active sessions for key-a, got %d", got)
	}
	if got := r.ActiveSessionCount("key-b"); got != 1 {
		t.Errorf("expected 1 active session for key-b, got %d", got)
	}
	if got := r.ActiveSessionCount("key-c"); got != 0 {
		t.Errorf("expected 0 active sessions for unknown key, got %d", got)
	}
}

func TestCancelAll(t *testing.T) {
	r := New(newTestStore(t))
	cancelled := 0
	r.Create("s1", session.New("s1", nil, nil, session.Hooks{}), func() { cancelled++ }, "key-1")
	r.Create("s2", session.New("s2", nil, nil, session.Hooks{}), func() { cancelled++ }, "key-1")

	r.CancelAll()
	if cancelled != 2 {
		t.Errorf("expected both sessions cancelled, got %d", cancelled)
	}
}

func TestNewIDUnique(t *testing.T) {
	r := New(newTestStore(t))
	id1, err := r.NewID([]byte("same-config"))
	if err != nil {
		t.Fatal(err)
	}
	id2, err := r.NewID([]byte("same-config"))
	if err != nil {
		t.Fatal(err)
	}
	if id1 == id2 {
		t.Error("expected distinct ids even for identical seed material")
	}
	if len(id1) != idLen {
		t.Errorf("expected id length %d, got %d", idLen, len(id1))
	}
}

func TestSaveAndLoad(t *testing.T) {
	ctx := context.Background()
	r := New(newTestStore(t))

	cfg := protocol.OptimisationConfig{
		Dimensions: []protocol.DimensionSpec{{ID: "x", Kind: "float", Min: 0, Max: 1, Enabled: true}},
		Trials:     10,
	}
	best := &objective.BestSnapshot{
		Metric:      0.9,
		TrialNumber: 3,
		Params:      space.User{"x": {Kind: space.KindFloat, Float: 0.5}},
		Metrics:     map[string]float64{"sharpe": 0.9},
	}

	if err := r.Save(ctx, "sess-1", cfg, session.StateRunning, 4, 10, "key-1", best); err != nil {
		t.Fatal(err)
	}
	if err := r.SaveTrial(ctx, "sess-1", 0, space.Encoded{"x": 0.1}, map[string]float64{"sharpe": 0.2}, 0.2, true); err != nil {
		t.Fatal(err)
	}
	if err := r.SaveTrial(ctx, "sess-1", 1, space.Encoded{"x": 0.5}, map[string]float64{"sharpe": 0.9}, 0.9, true); err != nil {
		t.Fatal(err)
	}

	ws, ok, err := r.Load(ctx, "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected warm-start data to be found")
	}
	if ws.Completed != 4 {
		t.Errorf("expected 4 completed trials, got %d", ws.Completed)
	}
	if len(ws.Config.Dimensions) != 1 || ws.Config.Dimensions[0].ID != "x" {
		t.Errorf("expected dimension x to round-trip, got %+v", ws.Config.Dimensions)
	}
	if ws.Best == nil || ws.Best.Metric != 0.9 {
		t.Fatalf("expected best metric 0.9, got %+v", ws.Best)
	}
	if len(ws.Trials) != 2 {
		t.Fatalf("expected 2 trials, got %d", len(ws.Trials))
	}

	enc, err := DecodeTrial(ws.Trials[1])
	if err != nil {
		t.Fatal(err)
	}
	if enc["x"] != 0.5 {
		t.Errorf("expected decoded x=0.5, got %v", enc["x"])
	}
}

func TestLoadUnknownSession(t *testing.T) {
	r := New(newTestStore(t))
	_, ok, err := r.Load(context.Background(), "nonexistent")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("expected ok=false for unknown session")
	}
}

func TestDeleteWarmStart(t *testing.T) {
	ctx := context.Background()
	r := New(newTestStore(t))
	cfg := protocol.OptimisationConfig{Trials: 5}

	if err := r.Save(ctx, "sess-1", cfg, session.StateClosed, 5, 5, "key-1", nil); err != nil {
		t.Fatal(err)
	}
	if err := r.DeleteWarmStart(ctx, "sess-1"); err != nil {
		t.Fatal(err)
	}
	_, ok, err := r.Load(ctx, "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("expected session to be gone after DeleteWarmStart")
	}
}
