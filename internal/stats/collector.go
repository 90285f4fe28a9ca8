package stats

import (
	"sort"
	"sync"
	"time"
)

// Snapshot is a single data point recorded for a completed trial.
type Snapshot struct {
	Timestamp   time.Time
	SessionID   string
	TrialNumber int
	Acquisition string // acquisition function that proposed this trial
	LatencyMs   float64
	Objective   float64
	Success     bool // false if the trial was penalized or errored
}

// Window defines a named time window for aggregation.
type Window struct {
	Name     string
	Duration time.Duration
}

// DefaultWindows returns the standard set of rolling windows.
func DefaultWindows() []Window {
	return []Window{
		{Name: "1m", Duration: time.Minute},
		{Name: "5m", Duration: 5 * time.Minute},
		{Name: "1h", Duration: time.Hour},
		{Name: "24h", Duration: 24 * time.Hour},
	}
}

// Aggregate holds computed stats for a time window.
type Aggregate struct {
	Window        string  `json:"window"`
	SessionID     string  `json:"session_id,omitempty"`
	RequestCount  int     `json:"request_count"`
	ErrorCount    int     `json:"error_count"`
	ErrorRate     float64 `json:"error_rate"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	P95LatencyMs  float64 `json:"p95_latency_ms"`
	AvgObjective  float64 `json:"avg_objective"`
	BestObjective float64 `json:"best_objective"`
}

// Collector maintains rolling snapshots for dashboard aggregation. Its
// rolling mean trial duration can back internal/sampler.CostEstimator through
// SessionCostEstimator; internal/session does not pass one to its Sampler, so
// cost-aware acquisition receives no duration signal from the Collector.
type Collector struct {
	mu        sync.RWMutex
	snapshots []Snapshot
	maxAge    time.Duration // oldest snapshot to keep
	windows   []Window
}

// NewCollector creates a new stats collector.
func NewCollector() *Collector {
	return &Collector{
		windows: DefaultWindows(),
		maxAge:  25 * time.Hour, // keep slightly more than largest window
	}
}

// Record adds a new snapshot.
func (c *Collector) Record(s Snapshot) {
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now().UTC()
	}
	c.mu.Lock()
	c.snapshots = append(c.snapshots, s)
	c.mu.Unlock()
}

// Seed bulk-loads historical snapshots (e.g. from the database on startup)
// so the dashboard is not blank after a restart.
func (c *Collector) Seed(snapshots []Snapshot) {
	c.mu.Lock()
	c.snapshots = append(c.snapshots, snapshots...)
	c.mu.Unlock()
}

// Prune removes snapshots older than maxAge.
func (c *Collector) Prune() {
	cutoff := time.Now().Add(-c.maxAge)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked(cutoff)
}

// pruneLocked removes expired snapshots. Caller must hold c.mu (write lock).
func (c *Collector) pruneLocked(cutoff time.Time) {
	i := 0
	for i < len(c.snapshots) && c.snapshots[i].Timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		c.snapshots = c.snapshots[i:]
	}
}

// snapshotsAfterPrune acquires a write lock, prunes expired snapshots, and
// returns a snapshot of the current data. This avoids the lock gap that exists
// when Prune() and a read lock are acquired separately.
func (c *Collector) snapshotsAfterPrune() []Snapshot {
	cutoff := time.Now().Add(-c.maxAge)
	c.mu.Lock()
	c.pruneLocked(cutoff)
	cp := make([]Snapshot, len(c.snapshots))
	copy(cp, c.snapshots)
	c.mu.Unlock()
	return cp
}

// Summary returns aggregated stats for all windows grouped by session.
func (c *Collector) Summary() map[string][]Aggregate {
	snapshots := c.snapshotsAfterPrune()

	now := time.Now()
	result := make(map[string][]Aggregate)

	for _, w := range c.windows {
		cutoff := now.Add(-w.Duration)

		bySession := make(map[string][]Snapshot)
		for _, s := range snapshots {
			if s.Timestamp.After(cutoff) {
				bySession[s.SessionID] = append(bySession[s.SessionID], s)
			}
		}

		for sessionID, snaps := range bySession {
			result[w.Name] = append(result[w.Name], computeAggregate(w.Name, sessionID, snaps))
		}
	}

	return result
}

// Global returns aggregate stats across all sessions.
func (c *Collector) Global() []Aggregate {
	snapshots := c.snapshotsAfterPrune()

	now := time.Now()
	var result []Aggregate

	for _, w := range c.windows {
		cutoff := now.Add(-w.Duration)
		var snaps []Snapshot
		for _, s := range snapshots {
			if s.Timestamp.After(cutoff) {
				snaps = append(snaps, s)
			}
		}
		if len(snaps) > 0 {
			result = append(result, computeAggregate(w.Name, "", snaps))
		}
	}

	return result
}

// SnapshotCount returns the total number of stored snapshots.
func (c *Collector) SnapshotCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.snapshots)
}

// RecentMeanDurationMs returns the mean trial round-trip latency over the
// narrowest window (1m) for the given session, falling back to wider
// windows if the session has no snapshots in that window yet. Returns 0
// if no snapshots exist at all, which callers should treat as "no cost
// signal" rather than "trials are free".
func (c *Collector) RecentMeanDurationMs(sessionID string) float64 {
	snapshots := c.snapshotsAfterPrune()
	now := time.Now()

	for _, w := range c.windows {
		cutoff := now.Add(-w.Duration)
		var total float64
		var n int
		for _, s := range snapshots {
			if s.SessionID == sessionID && s.Timestamp.After(cutoff) {
				total += s.LatencyMs
				n++
			}
		}
		if n > 0 {
			return total / float64(n)
		}
	}
	return 0
}

// SessionCostEstimator adapts a Collector to internal/sampler.CostEstimator
// for a single session, so each session's sampler sees only its own trial
// durations.
type SessionCostEstimator struct {
	Collector *Collector
	SessionID string
}

// RecentMeanDurationMs implements internal/sampler.CostEstimator.
func (e SessionCostEstimator) RecentMeanDurationMs() float64 {
	return e.Collector.RecentMeanDurationMs(e.SessionID)
}

func computeAggregate(window, sessionID string, snaps []Snapshot) Aggregate {
	a := Aggregate{
		Window:       window,
		SessionID:    sessionID,
		RequestCount: len(snaps),
	}

	var totalLatency, totalObjective float64
	latencies := make([]float64, 0, len(snaps))
	best := false

	for _, s := range snaps {
		totalLatency += s.LatencyMs
		latencies = append(latencies, s.LatencyMs)
		totalObjective += s.Objective
		if !best || s.Objective > a.BestObjective {
			a.BestObjective = s.Objective
			best = true
		}
		if !s.Success {
			a.ErrorCount++
		}
	}

	if a.RequestCount > 0 {
		a.AvgLatencyMs = totalLatency / float64(a.RequestCount)
		a.AvgObjective = totalObjective / float64(a.RequestCount)
		a.ErrorRate = float64(a.ErrorCount) / float64(a.RequestCount)
	}

	// P95 latency.
	sort.Float64s(latencies)
	if len(latencies) > 0 {
		idx := int(float64(len(latencies)) * 0.95)
		if idx >= len(latencies) {
			idx = len(latencies) - 1
		}
		a.P95LatencyMs = latencies[idx]
	}

	return a
}
