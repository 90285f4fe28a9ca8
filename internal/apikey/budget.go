package apikey

import (
	"context"
	"fmt"

	"github.com/jordanhubbard/optimiser/internal/store"
)

// ConcurrencyExceededError is returned when an API key has reached its
// maximum number of concurrently running sessions.
type ConcurrencyExceededError struct {
	MaxConcurrentSessions int
	ActiveSessions        int
}

func (e *ConcurrencyExceededError) Error() string {
	return fmt.Sprintf("concurrent session limit reached: max=%d, active=%d", e.MaxConcurrentSessions, e.ActiveSessions)
}

// ActiveSessionCounter reports how many non-closed sessions a given API key
// currently owns. The session registry implements this.
type ActiveSessionCounter interface {
	ActiveSessionCount(apiKeyID string) int
}

// BudgetChecker enforces per-API-key concurrent session limits, the
// optimization coordinator's analogue of a spending budget: instead of
// capping dollars spent, it caps how many ask/tell loops a key may drive at
// once.
type BudgetChecker struct {
	store    store.Store
	counter  ActiveSessionCounter
}

// NewBudgetChecker creates a new BudgetChecker backed by a live session counter.
func NewBudgetChecker(s store.Store, counter ActiveSessionCounter) *BudgetChecker {
	return &BudgetChecker{store: s, counter: counter}
}

// CheckBudget verifies whether the API key is within its concurrent session
// limit. Returns nil if the limit is unlimited (0) or not exceeded.
func (bc *BudgetChecker) CheckBudget(ctx context.Context, keyRecord *store.APIKeyRecord) error {
	if keyRecord == nil || keyRecord.MaxConcurrentSessions <= 0 {
		return nil // unlimited
	}

	active := bc.counter.ActiveSessionCount(keyRecord.ID)
	if active >= keyRecord.MaxConcurrentSessions {
		return &ConcurrencyExceededError{
			MaxConcurrentSessions: keyRecord.MaxConcurrentSessions,
			ActiveSessions:        active,
		}
	}
	return nil
}
