package stats

import (
	"testing"
	"time"
)

func TestRecordAndGlobal(t *testing.T) {
	c := NewCollector()
	now := time.Now()

	c.Record(Snapshot{Timestamp: now, SessionID: "s1", TrialNumber: 1, LatencyMs: 100, Objective: 0.5, Success: true})
	c.Record(Snapshot{Timestamp: now, SessionID: "s2", TrialNumber: 1, LatencyMs: 200, Objective: 0.7, Success: true})

	global := c.Global()
	if len(global) == 0 {
		t.Fatal("expected global aggregates")
	}

	// The 1m window should have 2 requests.
	found := false
	for _, a := range global {
		if a.Window == "1m" {
			found = true
			if a.RequestCount != 2 {
				t.Errorf("expected 2 requests, got %d", a.RequestCount)
			}
			if a.AvgLatencyMs != 150 {
				t.Errorf("expected avg latency 150, got %.1f", a.AvgLatencyMs)
			}
			if a.AvgObjective != 0.6 {
				t.Errorf("expected avg objective 0.6, got %.4f", a.AvgObjective)
			}
		}
	}
	if !found {
		t.Error("expected 1m window in global stats")
	}
}

func TestSummaryBySession(t *testing.T) {
	c := NewCollector()
	now := time.Now()

	c.Record(Snapshot{Timestamp: now, SessionID: "sess-a", TrialNumber: 1, LatencyMs: 100, Success: true})
	c.Record(Snapshot{Timestamp: now, SessionID: "sess-a", TrialNumber: 2, LatencyMs: 200, Success: false})
	c.Record(Snapshot{Timestamp: now, SessionID: "sess-b", TrialNumber: 1, LatencyMs: 50, Success: true})

	summary := c.Summary()
	oneMin, ok := summary["1m"]
	if !ok {
		t.Fatal("expected 1m window")
	}

	// Should have two session groups.
	if len(oneMin) != 2 {
		t.Fatalf("expected 2 session groups, got %d", len(oneMin))
	}

	for _, a := range oneMin {
		if a.SessionID == "sess-a" {
			if a.RequestCount != 2 {
				t.Errorf("expected 2 requests for sess-a, got %d", a.RequestCount)
			}
			if a.ErrorCount != 1 {
				t.Errorf("expected 1 error for sess-a, got %d", a.ErrorCount)
			}
			if a.ErrorRate != 0.5 {
				t.Errorf("expected 0.5 error rate, got %.2f", a.ErrorRate)
			}
		}
	}
}

func TestPrune(t *testing.T) {
	c := NewCollector()
	c.maxAge = time.Second // short window for testing

	old := time.Now().Add(-2 * time.Second)
	recent := time.Now()

	c.Record(Snapshot{Timestamp: old, SessionID: "old-sess", Success: true})
	c.Record(Snapshot{Timestamp: recent, SessionID: "new-sess", Success: true})

	c.Prune()

	if c.SnapshotCount() != 1 {
		t.Errorf("expected 1 snapshot after prune, got %d", c.SnapshotCount())
	}
}

func TestP95Latency(t *testing.T) {
	c := NewCollector()
	now := time.Now()

	// 20 samples: 19 fast (10ms) + 1 slow (500ms).
	for i := 0; i < 19; i++ {
		c.Record(Snapshot{Timestamp: now, SessionID: "s1", LatencyMs: 10, Success: true})
	}
	c.Record(Snapshot{Timestamp: now, SessionID: "s1", LatencyMs: 500, Success: true})

	global := c.Global()
	for _, a := range global {
		if a.Window == "1m" {
			if a.P95LatencyMs != 500 {
				t.Errorf("expected p95=500, got %.1f", a.P95LatencyMs)
			}
		}
	}
}

func TestEmptyCollector(t *testing.T) {
	c := NewCollector()
	global := c.Global()
	if len(global) != 0 {
		t.Errorf("expected empty global, got %d", len(global))
	}
}

func TestRecentMeanDurationMs(t *testing.T) {
	c := NewCollector()
	now := time.Now()

	c.Record(Snapshot{Timestamp: now, SessionID: "s1", LatencyMs: 100, Success: true})
	c.Record(Snapshot{Timestamp: now, SessionID: "s1", LatencyMs: 200, Success: true})
	c.Record(Snapshot{Timestamp: now, SessionID: "s2", LatencyMs: 1000, Success: true})

	mean := c.RecentMeanDurationMs("s1")
	if mean != 150 {
		t.Errorf("expected mean 150, got %.1f", mean)
	}
}

func TestRecentMeanDurationMsUnknownSession(t *testing.T) {
	c := NewCollector()
	c.Record(Snapshot{Timestamp: time.Now(), SessionID: "s1", LatencyMs: 100, Success: true})

	if mean := c.RecentMeanDurationMs("no-such-session"); mean != 0 {
		t.Errorf("expected 0 for unknown session, got %.1f", mean)
	}
}

func TestSessionCostEstimator(t *testing.T) {
	c := NewCollector()
	c.Record(Snapshot{Timestamp: time.Now(), SessionID: "s1", LatencyMs: 300, Success: true})

	est := SessionCostEstimator{Collector: c, SessionID: "s1"}
	if got := est.RecentMeanDurationMs(); got != 300 {
		t.Errorf("expected 300, got %.1f", got)
	}
}
