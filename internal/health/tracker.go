package health

import (
	"sync"
	"time"

	"github.com/jordanhubbard/optimiser/internal/events"
)

// State represents the liveness state of a session's evaluator channel.
type State string

const (
	StateHealthy  State = "healthy"
	StateDegraded State = "degraded"
	StateDown     State = "down"
)

// Stats captures runtime liveness metrics for a single session's channel to
// its remote evaluator.
type Stats struct {
	SessionID     string    `json:"session_id"`
	State         State     `json:"state"`
	TotalRequests int64     `json:"total_requests"`
	TotalErrors   int64     `json:"total_errors"`
	ConsecErrors  int       `json:"consec_errors"`
	AvgLatencyMs  float64   `json:"avg_latency_ms"`
	LastError     string    `json:"last_error,omitempty"`
	LastErrorTime time.Time `json:"last_error_time,omitempty"`
	LastSuccessAt time.Time `json:"last_success_at,omitempty"`
	CooldownUntil time.Time `json:"cooldown_until,omitempty"`
}

// TrackerConfig configures the liveness tracker thresholds.
type TrackerConfig struct {
	// ConsecErrorsForDegraded: how many consecutive missed round trips before degraded state.
	ConsecErrorsForDegraded int
	// ConsecErrorsForDown: how many consecutive missed round trips before the
	// session is considered stalled and eligible for inactivity termination.
	ConsecErrorsForDown int
	// CooldownDuration: how long a session stays flagged down before retrying.
	CooldownDuration time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() TrackerConfig {
	return TrackerConfig{
		ConsecErrorsForDegraded: 2,
		ConsecErrorsForDown:     5,
		CooldownDuration:        30 * time.Second,
	}
}

// Tracker tracks runtime liveness of all active sessions' evaluator
// channels, so the coordinator can detect a stalled remote evaluator and
// terminate the session on inactivity rather than block forever.
type Tracker struct {
	cfg      TrackerConfig
	EventBus *events.Bus
	onUpdate func(sessionID string, state State)

	mu    sync.RWMutex
	stats map[string]*Stats
}

// TrackerOption configures optional Tracker behaviour.
type TrackerOption func(*Tracker)

// WithEventBus attaches an event bus to the tracker so that liveness state
// transitions are published as EventHealthChange events.
func WithEventBus(bus *events.Bus) TrackerOption {
	return func(t *Tracker) {
		t.EventBus = bus
	}
}

// WithOnUpdate registers a callback invoked on every RecordSuccess/RecordError
// call (not just state transitions). Use this to keep external gauges current.
func WithOnUpdate(fn func(sessionID string, state State)) TrackerOption {
	return func(t *Tracker) {
		t.onUpdate = fn
	}
}

// NewTracker creates a liveness tracker with the given config.
func NewTracker(cfg TrackerConfig, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		cfg:   cfg,
		stats: make(map[string]*Stats),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RecordSuccess records a completed ask-evaluate-tell round trip for a session.
func (t *Tracker) RecordSuccess(sessionID string, latencyMs float64) {
	t.mu.Lock()

	s := t.getOrCreate(sessionID)
	oldState := s.State

	s.TotalRequests++
	s.ConsecErrors = 0
	s.LastSuccessAt = time.Now()
	s.State = StateHealthy
	s.CooldownUntil = time.Time{}

	if s.TotalRequests == 1 {
		s.AvgLatencyMs = latencyMs
	} else {
		s.AvgLatencyMs = s.AvgLatencyMs*0.9 + latencyMs*0.1
	}

	newState := s.State
	t.mu.Unlock()

	if t.onUpdate != nil {
		t.onUpdate(sessionID, newState)
	}
	if oldState != newState && t.EventBus != nil {
		t.EventBus.Publish(events.Event{
			Type:      events.EventHealthChange,
			SessionID: sessionID,
			OldState:  string(oldState),
			NewState:  string(newState),
			Reason:    "round trip completed",
		})
	}
}

// RecordError records a missed round trip (timeout or disconnect) for a session.
func (t *Tracker) RecordError(sessionID string, errMsg string) {
	t.mu.Lock()

	s := t.getOrCreate(sessionID)
	oldState := s.State

	s.TotalRequests++
	s.TotalErrors++
	s.ConsecErrors++
	s.LastError = errMsg
	s.LastErrorTime = time.Now()

	if s.ConsecErrors >= t.cfg.ConsecErrorsForDown {
		s.State = StateDown
		s.CooldownUntil = time.Now().Add(t.cfg.CooldownDuration)
	} else if s.ConsecErrors >= t.cfg.ConsecErrorsForDegraded {
		s.State = StateDegraded
	}

	newState := s.State
	t.mu.Unlock()

	if t.onUpdate != nil {
		t.onUpdate(sessionID, newState)
	}
	if oldState != newState && t.EventBus != nil {
		t.EventBus.Publish(events.Event{
			Type:      events.EventHealthChange,
			SessionID: sessionID,
			OldState:  string(oldState),
			NewState:  string(newState),
			Reason:    errMsg,
		})
	}
}

// IsStalled reports whether a session's evaluator channel should be
// considered stalled and eligible for inactivity termination.
func (t *Tracker) IsStalled(sessionID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.stats[sessionID]
	if !ok {
		return false
	}
	return s.State == StateDown && time.Now().Before(s.CooldownUntil)
}

// GetStats returns a copy of the liveness stats for a session.
func (t *Tracker) GetStats(sessionID string) *Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.stats[sessionID]
	if !ok {
		return &Stats{SessionID: sessionID, State: StateHealthy}
	}
	cp := *s
	return &cp
}

// AllStats returns a copy of liveness stats for all tracked sessions.
func (t *Tracker) AllStats() []Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]Stats, 0, len(t.stats))
	for _, s := range t.stats {
		result = append(result, *s)
	}
	return result
}

// GetAvgLatencyMs returns the average round-trip latency for a session.
func (t *Tracker) GetAvgLatencyMs(sessionID string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if s, ok := t.stats[sessionID]; ok {
		return s.AvgLatencyMs
	}
	return 0
}

// GetErrorRate returns the missed-round-trip rate for a session.
func (t *Tracker) GetErrorRate(sessionID string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if s, ok := t.stats[sessionID]; ok && s.TotalRequests > 0 {
		return float64(s.TotalErrors) / float64(s.TotalRequests)
	}
	return 0
}

// Forget drops tracking state for a session once it closes.
func (t *Tracker) Forget(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.stats, sessionID)
}

func (t *Tracker) getOrCreate(sessionID string) *Stats {
	s, ok := t.stats[sessionID]
	if !ok {
		s = &Stats{SessionID: sessionID, State: StateHealthy}
		t.stats[sessionID] = s
	}
	return s
}
