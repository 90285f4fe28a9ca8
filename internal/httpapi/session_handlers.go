package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jordanhubbard/optimiser/internal/apikey"
	"github.com/jordanhubbard/optimiser/internal/protocol"
)

// OptimiseWSHandler handles GET /ws/optimise — the streaming transport.
// The client upgrades the connection and then drives the full ask/tell
// protocol itself (start, trial-result*, stop); the handler's only
// job is to stand up the Session and keep the HTTP goroutine alive for the
// connection's lifetime.
func OptimiseWSHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("ws upgrade failed", slog.String("error", err.Error()))
			return
		}
		defer conn.Close()

		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := protocol.ParseInbound(raw)
		if err != nil {
			_ = conn.WriteJSON(protocol.ErrorMessage{Type: protocol.TypeError, Message: err.Error()})
			return
		}
		start, ok := msg.(*protocol.StartMessage)
		if !ok {
			_ = conn.WriteJSON(protocol.ErrorMessage{Type: protocol.TypeError, Message: "expected start message"})
			return
		}

		apiKeyID := ""
		if rec := apikey.FromContext(r.Context()); rec != nil {
			apiKeyID = rec.ID
		}

		id := start.Config.SessionID
		if id == "" {
			id, err = d.Registry.NewID(raw)
			if err != nil {
				_ = conn.WriteJSON(protocol.ErrorMessage{Type: protocol.TypeError, Message: err.Error()})
				return
			}
		}

		ch := newWSChannel(conn, raw)
		logger := slog.Default().With(slog.String("session_id", id), slog.String("transport", "ws"))

		ctx := r.Context()
		if d.InactivityTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, sessionCeiling(start.Config.Trials, d.InactivityTimeout))
			defer cancel()
		}

		sess, cancel := startSession(ctx, d, id, apiKeyID, start.Config, ch, logger)
		if sess == nil {
			_ = conn.WriteJSON(protocol.ErrorMessage{Type: protocol.TypeError, Message: "session id already in use"})
			return
		}
		defer cancel()

		// Block for the connection's lifetime; Session.Run owns the loop
		// and returns once the peer disconnects or the protocol terminates.
		<-ctx.Done()
	}
}

// sessionCeiling bounds total session lifetime generously: the per-trial
// inactivity timeout times the trial budget, plus one timeout of slack for
// the initial handshake. A misbehaving client can still be cut off well
// before this by the inactivity watchdog in a future revision; for now this
// is the single backstop preventing a forgotten connection from lingering
// forever.
func sessionCeiling(trials int, perTrial time.Duration) time.Duration {
	if trials <= 0 {
		trials = 1
	}
	return perTrial * time.Duration(trials+1)
}

// SessionInitHandler handles POST /v1/sessions/init — the REST ask/tell
// variant's entry point. It starts a session exactly as the streaming
// transport does, but drives the Channel synchronously: it feeds the parsed
// config in as the session's start message and waits for the first
// trial-request before responding.
func SessionInitHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.REST == nil {
			jsonError(w, "rest ask/tell transport not configured", http.StatusServiceUnavailable)
			return
		}

		var cfg protocol.OptimisationConfig
		if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
			jsonError(w, "bad json: "+err.Error(), http.StatusBadRequest)
			return
		}
		if err := protocol.ValidateConfig(cfg); err != nil {
			jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}

		apiKeyID := ""
		if rec := apikey.FromContext(r.Context()); rec != nil {
			apiKeyID = rec.ID
		}

		raw, err := json.Marshal(protocol.StartMessage{Type: protocol.TypeStart, Config: cfg})
		if err != nil {
			jsonError(w, "internal error", http.StatusInternalServerError)
			return
		}

		id := cfg.SessionID
		if id == "" {
			id, err = d.Registry.NewID(raw)
			if err != nil {
				jsonError(w, "internal error", http.StatusInternalServerError)
				return
			}
		}

		ch := newSyncChannel()
		logger := slog.Default().With(slog.String("session_id", id), slog.String("transport", "rest"))

		ctx := context.Background()
		if d.InactivityTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, sessionCeiling(cfg.Trials, d.InactivityTimeout))
			_ = cancel // the session's own goroutine owns cancellation via the registry's cancel func
		}

		sess, _ := startSession(ctx, d, id, apiKeyID, cfg, ch, logger)
		if sess == nil {
			jsonError(w, "session id already in use", http.StatusConflict)
			return
		}
		d.REST.put(id, ch)

		if err := ch.PushInbound(r.Context(), raw); err != nil {
			jsonError(w, "session disconnected", http.StatusServiceUnavailable)
			return
		}

		respondNextFrame(w, r.Context(), d, id, ch)
	}
}

// observeRequest is the REST variant's trial-result submission: the trial
// number being reported plus the same metrics payload the streaming
// transport carries in a trial-result message.
type observeRequest struct {
	Trial   int                         `json:"trial"`
	Metrics map[string]float64          `json:"metrics"`
	Payload *protocol.TrialResultPayload `json:"payload,omitempty"` // accepted for wire-compat with the streaming message shape
}

// SessionObserveHandler handles POST /v1/sessions/{id}/observe — submits one
// trial-result and returns the next trial-request or the terminal outcome.
func SessionObserveHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		ch, ok := d.REST.get(id)
		if !ok {
			jsonError(w, "unknown or already-closed session", http.StatusNotFound)
			return
		}

		var req observeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "bad json: "+err.Error(), http.StatusBadRequest)
			return
		}
		metrics := req.Metrics
		if req.Payload != nil {
			metrics = req.Payload.Metrics
		}
		if err := protocol.ValidateFinite(metrics); err != nil {
			jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}

		raw, err := json.Marshal(protocol.TrialResultMessage{
			Type:    protocol.TypeTrialResult,
			Trial:   req.Trial,
			Payload: protocol.TrialResultPayload{Metrics: metrics},
		})
		if err != nil {
			jsonError(w, "internal error", http.StatusInternalServerError)
			return
		}

		if err := ch.PushInbound(r.Context(), raw); err != nil {
			jsonError(w, "session disconnected", http.StatusServiceUnavailable)
			return
		}

		respondNextFrame(w, r.Context(), d, id, ch)
	}
}

// respondNextFrame waits for the session's next outbound frame and writes
// it back as the HTTP response, translating the protocol envelope into the
// REST variant's response shape.
func respondNextFrame(w http.ResponseWriter, ctx context.Context, d Dependencies, id string, ch *syncChannel) {
	raw, ok, err := ch.NextOutbound(ctx)
	if err != nil {
		jsonError(w, err.Error(), http.StatusGatewayTimeout)
		return
	}
	if !ok {
		d.REST.delete(id)
		jsonResponse(w, map[string]any{"sessionId": id, "done": true})
		return
	}

	t, err := protocol.Sniff(raw)
	if err != nil {
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}

	switch t {
	case protocol.TypeTrialRequest:
		var m protocol.TrialRequestMessage
		_ = json.Unmarshal(raw, &m)
		jsonResponse(w, map[string]any{"sessionId": id, "done": false, "trial": m.Trial, "params": m.Params})
	case protocol.TypeTrialComplete:
		// The REST variant folds the trial-complete acknowledgement into
		// the next poll rather than surfacing it separately; fetch the
		// following frame (the next trial-request or terminal message).
		respondNextFrame(w, ctx, d, id, ch)
	case protocol.TypeComplete:
		var m protocol.CompleteMessage
		_ = json.Unmarshal(raw, &m)
		d.REST.delete(id)
		jsonResponse(w, map[string]any{"sessionId": id, "done": true, "reason": m.Reason, "completed": m.Completed, "best": m.Best})
	case protocol.TypeError:
		var m protocol.ErrorMessage
		_ = json.Unmarshal(raw, &m)
		d.REST.delete(id)
		jsonError(w, m.Message, http.StatusUnprocessableEntity)
	default:
		jsonError(w, "unexpected server frame", http.StatusInternalServerError)
	}
}

// SessionBestHandler handles GET /v1/sessions/{id}/best.
func SessionBestHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		e, ok := d.Registry.Get(id)
		if !ok {
			jsonError(w, "unknown session", http.StatusNotFound)
			return
		}
		jsonResponse(w, map[string]any{"sessionId": id, "best": e.Session.Best()})
	}
}

// SessionStatusHandler handles GET /v1/sessions/{id}/status.
func SessionStatusHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		e, ok := d.Registry.Get(id)
		if !ok {
			jsonError(w, "unknown session", http.StatusNotFound)
			return
		}
		completed, total := e.Session.Progress()
		jsonResponse(w, map[string]any{
			"sessionId": id,
			"state":     e.Session.State(),
			"completed": completed,
			"total":     total,
		})
	}
}

// SessionHistoryHandler handles GET /v1/sessions/{id}/history — the
// persisted observation log, read from the warm-start store rather than
// in-memory state so it is available even after the session closes.
func SessionHistoryHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		ws, ok, err := d.Registry.Load(r.Context(), id)
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if !ok {
			jsonError(w, "unknown session", http.StatusNotFound)
			return
		}
		jsonResponse(w, map[string]any{"sessionId": id, "trials": ws.Trials, "best": ws.Best})
	}
}

// SessionStopHandler handles POST /v1/sessions/{id}/stop — a REST-side
// equivalent to sending a stop message over the streaming transport.
func SessionStopHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		e, ok := d.Registry.Get(id)
		if !ok {
			jsonError(w, "unknown session", http.StatusNotFound)
			return
		}
		e.Session.RequestStop()
		jsonResponse(w, map[string]any{"sessionId": id, "stopping": true})
	}
}
