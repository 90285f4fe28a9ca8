package httpapi

import (
	"context"
	"log/slog"
	"time"

	"github.com/jordanhubbard/optimiser/internal/events"
	"github.com/jordanhubbard/optimiser/internal/objective"
	"github.com/jordanhubbard/optimiser/internal/protocol"
	"github.com/jordanhubbard/optimiser/internal/registry"
	"github.com/jordanhubbard/optimiser/internal/session"
	"github.com/jordanhubbard/optimiser/internal/space"
	"github.com/jordanhubbard/optimiser/internal/stats"
	"github.com/jordanhubbard/optimiser/internal/tsdb"
)

// buildHooks wires a Session's trial lifecycle into the ambient stack:
// stats collection, time-series recording, the event bus, Prometheus
// metrics, health tracking, and warm-start persistence. Shared by both
// transports so neither one can silently skip an ambient concern the other
// observes. sessRef is populated with the constructed *session.Session
// after session.New returns and before Run is started, so OnTerminate can
// read its final Progress()/Best().
func buildHooks(d Dependencies, id, apiKeyID string, cfg protocol.OptimisationConfig, acquisition string, sessRef **session.Session) session.Hooks {
	return session.Hooks{
		OnTrialStart: func(number int) {
			if d.Health != nil {
				d.Health.RecordSuccess(id, 0)
			}
		},
		OnTrialComplete: func(number int, encoded space.Encoded, metrics map[string]float64, eval objective.Evaluation, durationMs float64) {
			now := time.Now().UTC()

			if d.Stats != nil {
				d.Stats.Record(stats.Snapshot{
					Timestamp:   now,
					SessionID:   id,
					TrialNumber: number,
					Acquisition: acquisition,
					LatencyMs:   durationMs,
					Objective:   eval.Objective,
					Success:     eval.FiltersPassed,
				})
			}
			if d.TSDB != nil {
				d.TSDB.Write(tsdb.Point{Timestamp: now, Metric: "objective", SessionID: id, TrialNumber: number, Value: eval.Objective})
				d.TSDB.Write(tsdb.Point{Timestamp: now, Metric: "trial_latency_ms", SessionID: id, TrialNumber: number, Value: durationMs})
			}
			if d.Health != nil {
				d.Health.RecordSuccess(id, durationMs)
			}
			if d.Metrics != nil {
				passed := "false"
				if eval.FiltersPassed {
					passed = "true"
				}
				d.Metrics.TrialsTotal.WithLabelValues(acquisition, passed).Inc()
				d.Metrics.TrialLatency.WithLabelValues(acquisition).Observe(durationMs)
				if eval.FiltersPassed {
					d.Metrics.ObjectiveBest.WithLabelValues(id).Set(eval.Objective)
				}
			}
			if d.EventBus != nil {
				d.EventBus.Publish(events.Event{
					Type:        events.EventTrialCompleted,
					Timestamp:   now,
					SessionID:   id,
					TrialNumber: number,
					Objective:   eval.Objective,
				})
			}
			if d.Registry != nil && *sessRef != nil {
				completed, total := (*sessRef).Progress()
				warnOnErr("registry.save", d.Registry.Save(context.Background(), id, cfg, session.StateRunning, completed, total, apiKeyID, (*sessRef).Best()))
				warnOnErr("registry.save_trial", d.Registry.SaveTrial(context.Background(), id, number, encoded, metrics, eval.Objective, eval.FiltersPassed))
			}
		},
		OnTerminate: func(reason session.TerminationReason, best *objective.BestSnapshot) {
			now := time.Now().UTC()
			if d.Metrics != nil {
				d.Metrics.SessionsTotal.WithLabelValues(string(reason)).Inc()
				d.Metrics.SessionsActive.Dec()
			}
			if d.EventBus != nil {
				evtType := events.EventSessionCompleted
				if reason == session.ReasonError {
					evtType = events.EventSessionError
				}
				bestMetric := 0.0
				if best != nil {
					bestMetric = best.Metric
				}
				d.EventBus.Publish(events.Event{
					Type:       evtType,
					Timestamp:  now,
					SessionID:  id,
					BestMetric: bestMetric,
					Reason:     string(reason),
				})
			}
			if d.Registry != nil && *sessRef != nil {
				completed, total := (*sessRef).Progress()
				warnOnErr("registry.save", d.Registry.Save(context.Background(), id, cfg, session.StateClosed, completed, total, apiKeyID, best))
			}
			if d.Registry != nil {
				d.Registry.Remove(id)
			}
		},
	}
}

// startSession registers a new session in the registry, wires its ambient
// hooks, and launches its Run loop on a background goroutine. The caller
// retains the channel to drive the protocol (pushing inbound frames,
// reading outbound ones).
func startSession(ctx context.Context, d Dependencies, id, apiKeyID string, cfg protocol.OptimisationConfig, ch session.Channel, logger *slog.Logger) (*session.Session, context.CancelFunc) {
	runCtx, cancel := context.WithCancel(ctx)

	var sessRef *session.Session
	acquisition := cfg.Acquisition
	if acquisition == "" {
		acquisition = "mixed"
	}
	hooks := buildHooks(d, id, apiKeyID, cfg, acquisition, &sessRef)
	sess := session.New(id, ch, logger, hooks)
	sessRef = sess

	if resume := loadResume(ctx, d, id); resume != nil {
		sess.SetResume(resume)
	}

	if err := d.Registry.Create(id, sess, cancel, apiKeyID); err != nil {
		cancel()
		return nil, nil
	}
	if d.Metrics != nil {
		d.Metrics.SessionsActive.Inc()
	}
	if d.EventBus != nil {
		d.EventBus.Publish(events.Event{Type: events.EventSessionStarted, Timestamp: time.Now().UTC(), SessionID: id})
	}

	go func() {
		_ = sess.Run(runCtx)
	}()

	return sess, cancel
}

// loadResume checks whether id resolves to a previously-persisted session
// in the warm-start store and, if so, decodes its trial history into a
// session.Resume ready to replay into the Sampler: this is what makes a
// client-supplied SessionID on a fresh start message actually resume
// rather than restart blind. Returns nil if id is new, unresolvable, or
// the registry has no store wired (e.g. in unit tests).
func loadResume(ctx context.Context, d Dependencies, id string) *session.Resume {
	if d.Registry == nil {
		return nil
	}
	ws, ok, err := d.Registry.Load(ctx, id)
	if err != nil || !ok {
		return nil
	}

	trials := make([]session.ResumeTrial, 0, len(ws.Trials))
	for _, rec := range ws.Trials {
		enc, err := registry.DecodeTrial(rec)
		if err != nil {
			continue
		}
		trials = append(trials, session.ResumeTrial{Encoded: enc, Objective: rec.Objective})
	}
	return &session.Resume{Completed: ws.Completed, Best: ws.Best, Trials: trials}
}
