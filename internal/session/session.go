// Package session implements the Session state machine: it ties the
// Parameter Space, Sampler Façade, and Objective Builder to a bidirectional
// message channel and enforces ask/tell ordering, correlation, and
// cancellation.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jordanhubbard/optimiser/internal/objective"
	"github.com/jordanhubbard/optimiser/internal/protocol"
	"github.com/jordanhubbard/optimiser/internal/sampler"
	"github.com/jordanhubbard/optimiser/internal/space"
)

// State is a Session's lifecycle state.
type State string

const (
	StateAwaitingConfig State = "awaiting_config"
	StateRunning        State = "running"
	StateTerminating    State = "terminating"
	StateClosed         State = "closed"
)

// TerminationReason names why a session entered Terminating.
type TerminationReason string

const (
	ReasonFinished TerminationReason = "finished"
	ReasonStopped  TerminationReason = "stopped"
	ReasonError    TerminationReason = "error"
)

// Channel abstracts the bidirectional transport a Session drives: either
// side of the streaming /optimise WebSocket or an in-memory pair used by
// tests and the REST ask/tell adapter.
type Channel interface {
	// Send writes one outbound message. Must preserve call order.
	Send(ctx context.Context, v any) error
	// Recv blocks for the next inbound message, or returns Disconnected
	// when the peer has gone away, or ctx.Err() on cancellation.
	Recv(ctx context.Context) ([]byte, error)
}

// ErrDisconnected is returned by Channel.Recv when the peer has
// disconnected cooperatively (closed the connection).
var ErrDisconnected = fmt.Errorf("session: channel disconnected")

// Hooks lets the owner observe trial lifecycle events without coupling
// Session to the ambient stack directly (stats, tsdb, events bus, metrics).
// OnTrialComplete receives the encoded point and raw metric bag alongside
// the scored Evaluation so the owner can persist enough to warm-start a
// future resume of this same session id.
type Hooks struct {
	OnTrialStart    func(number int)
	OnTrialComplete func(number int, encoded space.Encoded, metrics map[string]float64, eval objective.Evaluation, durationMs float64)
	OnTerminate     func(reason TerminationReason, best *objective.BestSnapshot)
}

// ResumeTrial is one historic (encoded point, objective) pair replayed into
// the Sampler via Observe when a session is resumed, in the order the
// trials originally completed in.
type ResumeTrial struct {
	Encoded   space.Encoded
	Objective float64
}

// Resume is prior warm-start history for a session id: the point at which
// trial numbering and the best-so-far snapshot should pick back up, plus
// the observation history to replay into the freshly constructed Sampler
// before it starts proposing new points.
type Resume struct {
	Completed int
	Best      *objective.BestSnapshot
	Trials    []ResumeTrial
}

// Session owns the per-connection ask/tell loop.
type Session struct {
	mu    sync.Mutex
	id    string
	state State
	ch    Channel
	log   *slog.Logger
	hooks Hooks

	space   *space.Space
	sample  *sampler.Sampler
	builder *objective.Builder
	targets []objective.Target

	best   objective.Best
	pareto objective.ParetoFront

	completed     int
	total         int
	stopRequested bool
	resume        *Resume
}

// New constructs a Session in AwaitingConfig state.
func New(id string, ch Channel, log *slog.Logger, hooks Hooks) *Session {
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		id:    id,
		state: StateAwaitingConfig,
		ch:    ch,
		log:   log.With(slog.String("session_id", id)),
		hooks: hooks,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Best returns the current best snapshot, or nil.
func (s *Session) Best() *objective.BestSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.best.Snapshot()
}

// SetResume attaches prior warm-start history to replay into the Sampler
// once Run builds it. Must be called before Run; a nil or empty r leaves
// the session starting fresh.
func (s *Session) SetResume(r *Resume) {
	if r == nil {
		return
	}
	s.mu.Lock()
	s.resume = r
	s.mu.Unlock()
}

// Progress returns the number of completed trials and the configured total.
// Both are zero until the start message has been processed.
func (s *Session) Progress() (completed, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed, s.total
}

// Run drives the full session lifecycle: await a valid start message, then
// loop the ask/tell protocol until termination, emitting exactly one
// terminal complete/error frame before returning.
func (s *Session) Run(ctx context.Context) error {
	dims, err := s.awaitStart(ctx)
	if err != nil {
		return s.fail(ctx, err)
	}

	sp, err := space.Build(dims.Dimensions, dims.Constraints)
	if err != nil {
		return s.fail(ctx, err)
	}
	s.space = sp
	s.builder = objective.New(dims.Targets, dims.Filters)
	s.targets = dims.Targets
	s.sample = sampler.New(sp, dims.SamplerConfig, nil)
	s.total = dims.SamplerConfig.Budget

	if s.resume != nil {
		for _, t := range s.resume.Trials {
			s.sample.Observe(t.Encoded, t.Objective)
		}
		s.completed = s.resume.Completed
		if s.resume.Best != nil {
			s.best.Restore(s.resume.Best)
		}
		s.log.Info("resumed session from warm-start history",
			slog.Int("replayed_trials", len(s.resume.Trials)),
			slog.Int("completed", s.completed))
	}

	s.mu.Lock()
	s.state = StateRunning
	s.mu.Unlock()

	reason, err := s.loop(ctx)
	return s.terminate(ctx, reason, err)
}

type startResult struct {
	Dimensions    []space.Dimension
	Constraints   space.ConstraintFunc
	Targets       []objective.Target
	Filters       []objective.Filter
	SamplerConfig sampler.Config
}

func (s *Session) awaitStart(ctx context.Context) (*startResult, error) {
	raw, err := s.ch.Recv(ctx)
	if err != nil {
		return nil, err
	}
	msg, err := protocol.ParseInbound(raw)
	if err != nil {
		return nil, err
	}
	start, ok := msg.(*protocol.StartMessage)
	if !ok {
		return nil, fmt.Errorf("session: expected start message, got %T", msg)
	}

	dims := make([]space.Dimension, len(start.Config.Dimensions))
	for i, d := range start.Config.Dimensions {
		dims[i] = space.Dimension{
			ID:             d.ID,
			Kind:           space.Kind(d.Kind),
			Min:            d.Min,
			Max:            d.Max,
			Step:           d.Step,
			Labels:         d.Labels,
			Enabled:        d.Enabled,
			UseCustomRange: d.UseCustomRange,
			ParameterType:  d.ParameterType,
		}
	}

	targets := make([]objective.Target, len(start.Config.Targets))
	for i, t := range start.Config.Targets {
		targets[i] = objective.Target{
			MetricID:  t.MetricID,
			Weight:    t.Weight,
			Transform: objective.Transform(t.Transform),
		}
	}

	filters := make([]objective.Filter, len(start.Config.Filters))
	for i, f := range start.Config.Filters {
		filters[i] = objective.Filter{
			MetricID:   f.MetricID,
			Comparator: objective.Comparator(f.Comparator),
			Threshold:  f.Value,
		}
	}

	return &startResult{
		Dimensions:  dims,
		Constraints: nil,
		Targets:     targets,
		Filters:     filters,
		SamplerConfig: sampler.Config{
			Budget:         start.Config.Trials,
			Seed:           start.Config.Seed,
			Acquisition:    sampler.Acquisition(start.Config.Acquisition),
			AdaptiveBounds: start.Config.AdaptiveBounds,
			EarlyStop:      start.Config.EarlyStop,
			CostAware:      start.Config.CostAware,
		},
	}, nil
}

// waitOutcome is the tagged result of awaiting one trial-result, replacing
// the exception-driven exit of the original source with an explicit variant
// returned from the wait step.
type waitOutcome struct {
	result       *protocol.TrialResultMessage
	stopped      bool
	disconnected bool
	protoErr     error
}

func (s *Session) loop(ctx context.Context) (TerminationReason, error) {
	for {
		if ctx.Err() != nil {
			return ReasonStopped, nil
		}

		s.mu.Lock()
		stop := s.stopRequested
		s.mu.Unlock()
		if stop {
			return ReasonStopped, nil
		}

		encoded, done, err := s.sample.NextProposal(ctx)
		if err != nil {
			return ReasonError, fmt.Errorf("session: sampler error: %w", err)
		}
		if done {
			return ReasonFinished, nil
		}

		number := s.completed
		user, err := s.space.Decode(encoded)
		if err != nil {
			return ReasonError, fmt.Errorf("session: decode error: %w", err)
		}

		if s.hooks.OnTrialStart != nil {
			s.hooks.OnTrialStart(number)
		}
		requestedAt := time.Now()

		if err := s.ch.Send(ctx, protocol.TrialRequestMessage{
			Type:   protocol.TypeTrialRequest,
			Trial:  number,
			Params: toWireParams(user),
		}); err != nil {
			return ReasonStopped, nil
		}

		outcome := s.awaitResult(ctx, number)
		if outcome.protoErr != nil {
			return ReasonError, outcome.protoErr
		}
		if outcome.disconnected {
			return ReasonStopped, nil
		}
		if outcome.stopped {
			s.mu.Lock()
			s.stopRequested = true
			s.mu.Unlock()
			return ReasonStopped, nil
		}

		result := outcome.result
		eval := s.builder.Evaluate(result.Payload.Metrics)
		s.best.Consider(number, eval.MetricValue, eval.FiltersPassed, user, result.Payload.Metrics)
		if len(s.targets) >= 2 && eval.FiltersPassed {
			s.pareto.Add(objective.ParetoSolution{
				Params:     user,
				Metrics:    result.Payload.Metrics,
				Scalarized: eval.Objective,
				Objectives: paretoObjectives(result.Payload.Metrics, s.targets),
			})
		}

		s.sample.Observe(encoded, eval.Objective)
		durationMs := float64(time.Since(requestedAt).Milliseconds())
		if s.hooks.OnTrialComplete != nil {
			s.hooks.OnTrialComplete(number, encoded, result.Payload.Metrics, eval, durationMs)
		}

		s.mu.Lock()
		s.completed++
		completed := s.completed
		s.mu.Unlock()

		var bestOut *objective.BestSnapshot = s.best.Snapshot()
		if err := s.ch.Send(ctx, protocol.TrialCompleteMessage{
			Type:          protocol.TypeTrialComplete,
			Trial:         number,
			Params:        toWireParams(user),
			Metrics:       result.Payload.Metrics,
			PassedFilters: eval.FiltersPassed,
			FilterReasons: eval.FilterReasons,
			Objective:     eval.Objective,
			Progress:      protocol.Progress{Completed: completed, Total: s.total},
			Best:          toWireBest(bestOut),
		}); err != nil {
			return ReasonStopped, nil
		}
	}
}

func paretoObjectives(metrics map[string]float64, targets []objective.Target) []float64 {
	out := make([]float64, len(targets))
	for i, t := range targets {
		out[i] = metrics[t.MetricID]
	}
	return out
}

func (s *Session) awaitResult(ctx context.Context, expected int) waitOutcome {
	for {
		raw, err := s.ch.Recv(ctx)
		if err != nil {
			if err == ErrDisconnected {
				return waitOutcome{disconnected: true}
			}
			if ctx.Err() != nil {
				return waitOutcome{disconnected: true}
			}
			return waitOutcome{disconnected: true}
		}
		msg, err := protocol.ParseInbound(raw)
		if err != nil {
			return waitOutcome{protoErr: err}
		}
		switch m := msg.(type) {
		case *protocol.TrialResultMessage:
			if m.Trial != expected {
				s.log.Warn("ignoring mismatched trial-result", slog.Int("expected", expected), slog.Int("got", m.Trial))
				continue
			}
			return waitOutcome{result: m}
		case *protocol.StopMessage:
			return waitOutcome{stopped: true}
		case *protocol.StartMessage:
			return waitOutcome{protoErr: fmt.Errorf("session: duplicate start message while running")}
		default:
			return waitOutcome{protoErr: fmt.Errorf("session: unexpected message type %T while awaiting trial-result", msg)}
		}
	}
}

// RequestStop sets the cooperative stop flag; checked at the next
// suspension point in the loop.
func (s *Session) RequestStop() {
	s.mu.Lock()
	s.stopRequested = true
	s.mu.Unlock()
}

func (s *Session) fail(ctx context.Context, err error) error {
	s.mu.Lock()
	s.state = StateTerminating
	s.mu.Unlock()
	_ = s.ch.Send(ctx, protocol.ErrorMessage{Type: protocol.TypeError, Message: err.Error()})
	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
	s.log.Error("session failed before running", slog.String("error", err.Error()))
	return err
}

func (s *Session) terminate(ctx context.Context, reason TerminationReason, cause error) error {
	s.mu.Lock()
	s.state = StateTerminating
	s.mu.Unlock()

	best := s.best.Snapshot()
	if reason == ReasonError {
		msg := "internal error"
		if cause != nil {
			msg = cause.Error()
		}
		_ = s.ch.Send(ctx, protocol.ErrorMessage{Type: protocol.TypeError, Message: msg})
		s.log.Error("session terminated with error", slog.String("error", msg))
	} else {
		s.mu.Lock()
		completed := s.completed
		s.mu.Unlock()
		_ = s.ch.Send(ctx, protocol.CompleteMessage{
			Type:      protocol.TypeComplete,
			Reason:    string(reason),
			Completed: completed,
			Best:      toWireBest(best),
		})
	}

	if s.hooks.OnTerminate != nil {
		s.hooks.OnTerminate(reason, best)
	}

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
	return cause
}

func toWireParams(u space.User) protocol.ParamsOut {
	out := make(protocol.ParamsOut, len(u))
	for id, v := range u {
		switch v.Kind {
		case space.KindFloat:
			out[id] = v.Float
		case space.KindInt:
			out[id] = v.Int
		case space.KindBool:
			out[id] = v.Bool
		case space.KindCategorical, space.KindOrdinal:
			out[id] = v.Label
		}
	}
	return out
}

func toWireBest(b *objective.BestSnapshot) *protocol.BestOut {
	if b == nil {
		return nil
	}
	return &protocol.BestOut{
		Metric:      b.Metric,
		TrialNumber: b.TrialNumber,
		Params:      toWireParams(b.Params),
		Metrics:     b.Metrics,
	}
}
