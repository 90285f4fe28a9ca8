package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jordanhubbard/optimiser/internal/objective"
	"github.com/jordanhubbard/optimiser/internal/protocol"
	"github.com/jordanhubbard/optimiser/internal/space"
)

// fakeChannel is an in-memory Channel: Send publishes to out, Recv consumes
// from in. Tests drive in reactively from a goroutine that watches out.
type fakeChannel struct {
	out chan any
	in  chan []byte
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{out: make(chan any, 64), in: make(chan []byte, 64)}
}

func (f *fakeChannel) Send(ctx context.Context, v any) error {
	f.out <- v
	return nil
}

func (f *fakeChannel) Recv(ctx context.Context) ([]byte, error) {
	select {
	case b, ok := <-f.in:
		if !ok {
			return nil, ErrDisconnected
		}
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeChannel) push(v any) {
	b, _ := json.Marshal(v)
	f.in <- b
}

func singleFloatConfig(trials int) protocol.OptimisationConfig {
	return protocol.OptimisationConfig{
		Trials:     trials,
		Dimensions: []protocol.DimensionSpec{{ID: "x", Kind: "float", Min: 0, Max: 10, Enabled: true}},
		Targets:    []protocol.TargetSpec{{MetricID: "netProfit"}},
	}
}

func TestSession_BudgetOfOne(t *testing.T) {
	ch := newFakeChannel()
	ch.push(protocol.StartMessage{Type: protocol.TypeStart, Config: singleFloatConfig(1)})

	s := New("s1", ch, nil, Hooks{})
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	req := (<-ch.out).(protocol.TrialRequestMessage)
	if req.Trial != 0 {
		t.Fatalf("expected trial 0, got %d", req.Trial)
	}
	ch.push(protocol.TrialResultMessage{
		Type: protocol.TypeTrialResult, Trial: 0,
		Payload: protocol.TrialResultPayload{Metrics: map[string]float64{"netProfit": 5.0}},
	})

	complete := (<-ch.out).(protocol.TrialCompleteMessage)
	if complete.Objective != 5.0 || !complete.PassedFilters {
		t.Fatalf("unexpected trial-complete: %+v", complete)
	}
	if complete.Best == nil || complete.Best.Metric != 5.0 {
		t.Fatalf("expected best.metric=5.0, got %+v", complete.Best)
	}

	final := (<-ch.out).(protocol.CompleteMessage)
	if final.Reason != string(ReasonFinished) {
		t.Fatalf("expected reason=finished, got %s", final.Reason)
	}
	if final.Best == nil || final.Best.Metric != 5.0 {
		t.Fatalf("expected final best.metric=5.0, got %+v", final.Best)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("session did not terminate")
	}
}

func TestSession_FilterRejectsAll(t *testing.T) {
	ch := newFakeChannel()
	cfg := protocol.OptimisationConfig{
		Trials:     3,
		Dimensions: []protocol.DimensionSpec{{ID: "x", Kind: "float", Min: 0, Max: 10, Enabled: true}},
		Targets:    []protocol.TargetSpec{{MetricID: "netProfit"}},
		Filters:    []protocol.FilterSpec{{MetricID: "winRate", Comparator: "gte", Value: 60}},
	}
	ch.push(protocol.StartMessage{Type: protocol.TypeStart, Config: cfg})

	s := New("s2", ch, nil, Hooks{})
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	for i := 0; i < 3; i++ {
		req := (<-ch.out).(protocol.TrialRequestMessage)
		ch.push(protocol.TrialResultMessage{
			Type: protocol.TypeTrialResult, Trial: req.Trial,
			Payload: protocol.TrialResultPayload{Metrics: map[string]float64{"netProfit": 1.0, "winRate": 40}},
		})
		complete := (<-ch.out).(protocol.TrialCompleteMessage)
		if complete.PassedFilters {
			t.Fatalf("expected filter rejection at trial %d", req.Trial)
		}
		if complete.Objective != -1e9 {
			t.Fatalf("expected penalty objective, got %v", complete.Objective)
		}
		if complete.Best != nil {
			t.Fatalf("expected best=nil, got %+v", complete.Best)
		}
	}

	final := (<-ch.out).(protocol.CompleteMessage)
	if final.Reason != string(ReasonFinished) {
		t.Fatalf("expected reason=finished, got %s", final.Reason)
	}
	if final.Best != nil {
		t.Fatalf("expected final best=nil, got %+v", final.Best)
	}
	<-done
}

func TestSession_StopMidRun(t *testing.T) {
	ch := newFakeChannel()
	ch.push(protocol.StartMessage{Type: protocol.TypeStart, Config: singleFloatConfig(100)})

	s := New("s3", ch, nil, Hooks{})
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	for i := 0; i < 2; i++ {
		req := (<-ch.out).(protocol.TrialRequestMessage)
		ch.push(protocol.TrialResultMessage{
			Type: protocol.TypeTrialResult, Trial: req.Trial,
			Payload: protocol.TrialResultPayload{Metrics: map[string]float64{"netProfit": float64(i)}},
		})
		<-ch.out // trial-complete
	}
	<-ch.out // trial-request for the next trial, issued before the stop is observed
	ch.push(protocol.StopMessage{Type: protocol.TypeStop})

	final := (<-ch.out).(protocol.CompleteMessage)
	if final.Reason != string(ReasonStopped) {
		t.Fatalf("expected reason=stopped, got %s", final.Reason)
	}
	if final.Completed != 2 {
		t.Fatalf("expected completed=2, got %d", final.Completed)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not terminate after stop")
	}

	select {
	case <-ch.out:
		t.Fatal("unexpected extra message after stop")
	default:
	}
}

func TestSession_OutOfOrderResultIsIgnored(t *testing.T) {
	ch := newFakeChannel()
	ch.push(protocol.StartMessage{Type: protocol.TypeStart, Config: singleFloatConfig(2)})

	s := New("s4", ch, nil, Hooks{})
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	req := (<-ch.out).(protocol.TrialRequestMessage)
	if req.Trial != 0 {
		t.Fatalf("expected trial 0, got %d", req.Trial)
	}
	ch.push(protocol.TrialResultMessage{
		Type: protocol.TypeTrialResult, Trial: 7,
		Payload: protocol.TrialResultPayload{Metrics: map[string]float64{"netProfit": 1.0}},
	})
	ch.push(protocol.TrialResultMessage{
		Type: protocol.TypeTrialResult, Trial: 0,
		Payload: protocol.TrialResultPayload{Metrics: map[string]float64{"netProfit": 1.0}},
	})

	complete := (<-ch.out).(protocol.TrialCompleteMessage)
	if complete.Trial != 0 {
		t.Fatalf("expected trial 0 to complete, got %d", complete.Trial)
	}

	req2 := (<-ch.out).(protocol.TrialRequestMessage)
	if req2.Trial != 1 {
		t.Fatalf("expected trial 1 request, got %d", req2.Trial)
	}
	ch.push(protocol.StopMessage{Type: protocol.TypeStop})
	final := (<-ch.out).(protocol.CompleteMessage)
	if final.Reason != string(ReasonStopped) {
		t.Fatalf("expected reason=stopped, got %s", final.Reason)
	}
	<-done
}

// TestSession_ResumeReplaysHistoryAndContinuesNumbering covers warm-start
// resume: a session given prior trial history via SetResume must replay it
// into the sampler before asking for anything new, pick trial numbering up
// from Completed rather than 0, and keep the restored best-so-far snapshot
// until a strictly better trial is observed.
func TestSession_ResumeReplaysHistoryAndContinuesNumbering(t *testing.T) {
	ch := newFakeChannel()
	ch.push(protocol.StartMessage{Type: protocol.TypeStart, Config: singleFloatConfig(5)})

	s := New("s-resume", ch, nil, Hooks{})
	restoredBest := &objective.BestSnapshot{
		Metric:      9.0,
		TrialNumber: 2,
		Params:      space.User{"x": {Kind: space.KindFloat, Float: 7.0}},
		Metrics:     map[string]float64{"netProfit": 9.0},
	}
	s.SetResume(&Resume{
		Completed: 3,
		Best:      restoredBest,
		Trials: []ResumeTrial{
			{Encoded: space.Encoded{"x": 0.1}, Objective: 1.0},
			{Encoded: space.Encoded{"x": 0.5}, Objective: 9.0},
			{Encoded: space.Encoded{"x": 0.9}, Objective: 2.0},
		},
	})

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	req := (<-ch.out).(protocol.TrialRequestMessage)
	if req.Trial != 3 {
		t.Fatalf("expected trial numbering to continue from Completed=3, got %d", req.Trial)
	}

	ch.push(protocol.TrialResultMessage{
		Type: protocol.TypeTrialResult, Trial: 3,
		Payload: protocol.TrialResultPayload{Metrics: map[string]float64{"netProfit": 4.0}},
	})
	complete := (<-ch.out).(protocol.TrialCompleteMessage)
	if complete.Trial != 3 {
		t.Fatalf("expected trial 3 to complete, got %d", complete.Trial)
	}
	if complete.Best == nil || complete.Best.Metric != 9.0 {
		t.Fatalf("expected the restored best (9.0) to survive a worse new trial, got %+v", complete.Best)
	}
	if complete.Progress.Completed != 4 {
		t.Fatalf("expected completed count 4 (3 replayed + 1 new), got %d", complete.Progress.Completed)
	}

	<-ch.out // trial-request for the next trial, issued before the stop is observed
	ch.push(protocol.StopMessage{Type: protocol.TypeStop})
	final := (<-ch.out).(protocol.CompleteMessage)
	if final.Reason != string(ReasonStopped) {
		t.Fatalf("expected reason=stopped, got %s", final.Reason)
	}
	if final.Completed != 4 {
		t.Fatalf("expected final completed=4, got %d", final.Completed)
	}
	<-done
}
