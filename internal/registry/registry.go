// Package registry implements the Session Registry: a process-wide,
// goroutine-safe map of active sessions, plus warm-start persistence backed
// by internal/store's SQLite-backed tables.
package registry

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jordanhubbard/optimiser/internal/objective"
	"github.com/jordanhubbard/optimiser/internal/protocol"
	"github.com/jordanhubbard/optimiser/internal/session"
	"github.com/jordanhubbard/optimiser/internal/space"
	"github.com/jordanhubbard/optimiser/internal/store"
)

// idLen is the length of the hex session-id prefix. 12 hex characters
// (48 bits) keeps ids short enough to appear in logs and URLs comfortably
// while leaving collision risk negligible at any realistic session count.
const idLen = 12

// Entry is one tracked session: the live session value plus the metadata
// the registry needs to enforce per-key concurrency limits and to cancel
// the session's goroutine on shutdown.
type Entry struct {
	Session   *session.Session
	Cancel    context.CancelFunc
	APIKeyID  string
	CreatedAt time.Time
}

// Registry tracks active sessions in memory and persists warm-start state
// to store.Store. The map is guarded by a sync.RWMutex, following the
// teacher's internal/health.Tracker locking pattern.
type Registry struct {
	store store.Store

	mu      sync.RWMutex
	entries map[string]*Entry
	seq     uint64
}

// New creates a Session Registry backed by the given store.
func New(s store.Store) *Registry {
	return &Registry{
		store:   s,
		entries: make(map[string]*Entry),
	}
}

// NewID generates a session id from a hash of the given seed material
// (typically the serialized start config) plus a monotonic counter, so
// concurrently created sessions never collide even if given identical
// configs. If seed is empty, falls back to crypto/rand.
func (r *Registry) NewID(seed []byte) (string, error) {
	r.mu.Lock()
	r.seq++
	seq := r.seq
	r.mu.Unlock()

	h := sha256.New()
	if len(seed) > 0 {
		h.Write(seed)
	} else {
		random := make([]byte, 16)
		if _, err := rand.Read(random); err != nil {
			return "", fmt.Errorf("registry: generate id: %w", err)
		}
		h.Write(random)
	}
	fmt.Fprintf(h, "-%d-%d", seq, time.Now().UnixNano())
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:idLen/2]), nil
}

// Create registers a new session under the given id. Returns an error if
// the id is already in use.
func (r *Registry) Create(id string, sess *session.Session, cancel context.CancelFunc, apiKeyID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[id]; exists {
		return fmt.Errorf("registry: session %s already exists", id)
	}
	r.entries[id] = &Entry{
		Session:   sess,
		Cancel:    cancel,
		APIKeyID:  apiKeyID,
		CreatedAt: time.Now().UTC(),
	}
	return nil
}

// Get retrieves a tracked session by id.
func (r *Registry) Get(id string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

// Remove drops a session from the in-memory map. It does not delete the
// session's persisted warm-start row; callers that want that call
// DeleteWarmStart explicitly.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// List returns a snapshot of all tracked session ids.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of currently tracked sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// ActiveSessionCount implements internal/apikey.ActiveSessionCounter: it
// reports how many currently tracked sessions were created under the given
// API key, which apikey.BudgetChecker compares against the key's
// MaxConcurrentSessions ceiling.
func (r *Registry) ActiveSessionCount(apiKeyID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.entries {
		if e.APIKeyID == apiKeyID {
			n++
		}
	}
	return n
}

// CancelAll cancels every tracked session's context, used on process
// shutdown to propagate cancellation without waiting for each session's
// own inactivity timeout.
func (r *Registry) CancelAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if e.Cancel != nil {
			e.Cancel()
		}
	}
}

// Save persists the current lifecycle snapshot of a session for warm-start
// resume: bounds, typed dimensions, observation history (via
// separate trial rows), and best-so-far are captured through cfg and best.
func (r *Registry) Save(ctx context.Context, id string, cfg protocol.OptimisationConfig, state session.State, completed, total int, apiKeyID string, best *objective.BestSnapshot) error {
	configJSON, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("registry: marshal config: %w", err)
	}

	var bestJSON string
	if best != nil {
		b, err := json.Marshal(best)
		if err != nil {
			return fmt.Errorf("registry: marshal best: %w", err)
		}
		bestJSON = string(b)
	}

	now := time.Now().UTC()
	rec := store.SessionRecord{
		ID:              id,
		ConfigJSON:      string(configJSON),
		State:           string(state),
		CreatedAt:       now,
		UpdatedAt:       now,
		CompletedTrials: completed,
		TotalTrials:     total,
		BestJSON:        bestJSON,
		APIKeyID:        apiKeyID,
	}
	return r.store.SaveSession(ctx, rec)
}

// SaveTrial appends one completed observation to the session's warm-start
// trial history.
func (r *Registry) SaveTrial(ctx context.Context, id string, trial int, encoded space.Encoded, metrics map[string]float64, obj float64, passedFilters bool) error {
	encJSON, err := json.Marshal(encoded)
	if err != nil {
		return fmt.Errorf("registry: marshal encoded point: %w", err)
	}
	metJSON, err := json.Marshal(metrics)
	if err != nil {
		return fmt.Errorf("registry: marshal metrics: %w", err)
	}
	return r.store.AppendTrial(ctx, store.TrialRecord{
		SessionID:     id,
		TrialNumber:   trial,
		Timestamp:     time.Now().UTC(),
		EncodedJSON:   string(encJSON),
		MetricsJSON:   string(metJSON),
		Objective:     obj,
		PassedFilters: passedFilters,
	})
}

// WarmStart is the reconstituted state needed to resume a session: its
// original config plus the full observation history, in trial order, ready
// to be replayed into a fresh sampler.Sampler via Sampler.Observe.
type WarmStart struct {
	Config    protocol.OptimisationConfig
	Completed int
	Best      *objective.BestSnapshot
	Trials    []store.TrialRecord
}

// Load reconstitutes a session's warm-start state from the store. ok is
// false if no session with that id has been persisted.
func (r *Registry) Load(ctx context.Context, id string) (*WarmStart, bool, error) {
	rec, err := r.store.GetSession(ctx, id)
	if err != nil {
		return nil, false, fmt.Errorf("registry: load session: %w", err)
	}
	if rec == nil {
		return nil, false, nil
	}

	var cfg protocol.OptimisationConfig
	if err := json.Unmarshal([]byte(rec.ConfigJSON), &cfg); err != nil {
		return nil, false, fmt.Errorf("registry: unmarshal config: %w", err)
	}

	var best *objective.BestSnapshot
	if rec.BestJSON != "" {
		best = &objective.BestSnapshot{}
		if err := json.Unmarshal([]byte(rec.BestJSON), best); err != nil {
			return nil, false, fmt.Errorf("registry: unmarshal best: %w", err)
		}
	}

	trials, err := r.store.ListTrials(ctx, id)
	if err != nil {
		return nil, false, fmt.Errorf("registry: load trials: %w", err)
	}

	return &WarmStart{
		Config:    cfg,
		Completed: rec.CompletedTrials,
		Best:      best,
		Trials:    trials,
	}, true, nil
}

// DeleteWarmStart removes a session's persisted warm-start row and trial
// history, e.g. once a session finishes and its results have been read.
func (r *Registry) DeleteWarmStart(ctx context.Context, id string) error {
	return r.store.DeleteSession(ctx, id)
}

// DecodeTrial unmarshals a persisted trial row's encoded point, for callers
// replaying warm-start history into a fresh sampler.Sampler via
// Sampler.Observe.
func DecodeTrial(rec store.TrialRecord) (space.Encoded, error) {
	var enc space.Encoded
	if err := json.Unmarshal([]byte(rec.EncodedJSON), &enc); err != nil {
		return nil, fmt.Errorf("registry: unmarshal trial %d encoded point: %w", rec.TrialNumber, err)
	}
	return enc, nil
}
