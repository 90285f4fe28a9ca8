package apikey

import (
	"context"
	"testing"

	"github.com/jordanhubbard/optimiser/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// fakeCounter reports a fixed active-session count per key, standing in for
// the session registry in these unit tests.
type fakeCounter map[string]int

func (f fakeCounter) ActiveSessionCount(apiKeyID string) int {
	return f[apiKeyID]
}

func TestCheckBudget_Unlimited(t *testing.T) {
	s := newTestStore(t)
	bc := NewBudgetChecker(s, fakeCounter{"key1": 50})

	rec := &store.APIKeyRecord{
		ID:                    "key1",
		MaxConcurrentSessions: 0,
	}
	if err := bc.CheckBudget(context.Background(), rec); err != nil {
		t.Errorf("expected nil error for unlimited concurrency, got %v", err)
	}
}

func TestCheckBudget_NilRecord(t *testing.T) {
	s := newTestStore(t)
	bc := NewBudgetChecker(s, fakeCounter{})

	if err := bc.CheckBudget(context.Background(), nil); err != nil {
		t.Errorf("expected nil error for nil record, got %v", err)
	}
}

func TestCheckBudget_UnderLimit(t *testing.T) {
	s := newTestStore(t)
	bc := NewBudgetChecker(s, fakeCounter{"key-under": 2})

	rec := &store.APIKeyRecord{
		ID:                    "key-under",
		MaxConcurrentSessions: 5,
	}
	if err := bc.CheckBudget(context.Background(), rec); err != nil {
		t.Errorf("expected nil error for under-limit key, got %v", err)
	}
}

func TestCheckBudget_AtLimit(t *testing.T) {
	s := newTestStore(t)
	bc := NewBudgetChecker(s, fakeCounter{"key-at": 5})

	rec := &store.APIKeyRecord{
		ID:                    "key-at",
		MaxConcurrentSessions: 5,
	}
	err := bc.CheckBudget(context.Background(), rec)
	if err == nil {
		t.Fatal("expected error when active sessions equal the limit")
	}

	concErr, ok := err.(*ConcurrencyExceededError)
	if !ok {
		t.Fatalf("expected *ConcurrencyExceededError, got %T", err)
	}
	if concErr.ActiveSessions != 5 || concErr.MaxConcurrentSessions != 5 {
		t.Errorf("unexpected error detail: %+v", concErr)
	}
}

func TestCheckBudget_OverLimit(t *testing.T) {
	s := newTestStore(t)
	bc := NewBudgetChecker(s, fakeCounter{"key-over": 8})

	rec := &store.APIKeyRecord{
		ID:                    "key-over",
		MaxConcurrentSessions: 5,
	}
	if err := bc.CheckBudget(context.Background(), rec); err == nil {
		t.Fatal("expected error for over-limit key")
	}
}

func TestCheckBudget_DifferentKeysIndependent(t *testing.T) {
	s := newTestStore(t)
	bc := NewBudgetChecker(s, fakeCounter{"key-a": 1, "key-b": 9})

	recA := &store.APIKeyRecord{ID: "key-a", MaxConcurrentSessions: 5}
	recB := &store.APIKeyRecord{ID: "key-b", MaxConcurrentSessions: 5}

	if err := bc.CheckBudget(context.Background(), recA); err != nil {
		t.Errorf("expected key-a to pass, got %v", err)
	}
	if err := bc.CheckBudget(context.Background(), recB); err == nil {
		t.Error("expected key-b to fail concurrency check")
	}
}

func TestConcurrencyExceededError_Error(t *testing.T) {
	err := &ConcurrencyExceededError{
		MaxConcurrentSessions: 10,
		ActiveSessions:        12,
	}
	expected := "concurrent session limit reached: max=10, active=12"
	if err.Error() != expected {
		t.Errorf("expected %q, got %q", expected, err.Error())
	}
}
