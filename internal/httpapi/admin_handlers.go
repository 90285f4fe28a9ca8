package httpapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jordanhubbard/optimiser/internal/events"
	"github.com/jordanhubbard/optimiser/internal/store"
	"github.com/jordanhubbard/optimiser/internal/tsdb"
)

// AdminSessionsListHandler handles GET /admin/v1/sessions — every currently
// tracked session plus its live progress.
func AdminSessionsListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ids := d.Registry.List()
		out := make([]map[string]any, 0, len(ids))
		for _, id := range ids {
			e, ok := d.Registry.Get(id)
			if !ok {
				continue
			}
			completed, total := e.Session.Progress()
			out = append(out, map[string]any{
				"id":         id,
				"state":      e.Session.State(),
				"api_key_id": e.APIKeyID,
				"created_at": e.CreatedAt,
				"completed":  completed,
				"total":      total,
				"best":       e.Session.Best(),
			})
		}
		jsonResponse(w, map[string]any{"sessions": out})
	}
}

// AdminSessionCancelHandler handles POST /admin/v1/sessions/{id}/cancel — an
// operator-initiated hard cancellation, distinct from the cooperative stop
// message a client can send itself.
func AdminSessionCancelHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		e, ok := d.Registry.Get(id)
		if !ok {
			jsonError(w, "unknown session", http.StatusNotFound)
			return
		}
		if e.Cancel != nil {
			e.Cancel()
		}
		if d.Store != nil {
			warnOnErr("audit", d.Store.LogAudit(r.Context(), store.AuditEntry{
				Timestamp: time.Now().UTC(),
				Action:    "session.cancel",
				Resource:  id,
			}))
		}
		jsonResponse(w, map[string]any{"sessionId": id, "cancelled": true})
	}
}

// AdminStatsHandler handles GET /admin/v1/stats — rolling latency/objective
// aggregates, both global and per-session.
func AdminStatsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Stats == nil {
			jsonError(w, "stats collector not configured", http.StatusServiceUnavailable)
			return
		}
		jsonResponse(w, map[string]any{
			"global":     d.Stats.Global(),
			"by_session": d.Stats.Summary(),
		})
	}
}

// AdminHealthHandler handles GET /admin/v1/health — per-session liveness
// derived from recent trial latency and error rate.
func AdminHealthHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Health == nil {
			jsonError(w, "health tracker not configured", http.StatusServiceUnavailable)
			return
		}
		jsonResponse(w, map[string]any{"sessions": d.Health.AllStats()})
	}
}

// AdminKeysCreateHandler handles POST /admin/v1/keys.
func AdminKeysCreateHandler(d Dependencies) http.HandlerFunc {
	type createReq struct {
		Name                  string  `json:"name"`
		Scopes                string  `json:"scopes"` // JSON array, e.g. '["optimise","read"]'
		RotationDays          int     `json:"rotation_days"`
		ExpiresIn             *string `json:"expires_in"` // duration string, e.g. "720h"
		MaxConcurrentSessions int     `json:"max_concurrent_sessions"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if d.APIKeyMgr == nil {
			jsonError(w, "api key management not configured", http.StatusServiceUnavailable)
			return
		}
		var req createReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		if req.Name == "" {
			jsonError(w, "name required", http.StatusBadRequest)
			return
		}
		if req.Scopes == "" {
			req.Scopes = `["optimise","read"]`
		}

		var expiresAt *time.Time
		if req.ExpiresIn != nil && *req.ExpiresIn != "" {
			dur, err := time.ParseDuration(*req.ExpiresIn)
			if err != nil {
				jsonError(w, "invalid expires_in duration", http.StatusBadRequest)
				return
			}
			t := time.Now().UTC().Add(dur)
			expiresAt = &t
		}

		plaintext, rec, err := d.APIKeyMgr.Generate(r.Context(), req.Name, req.Scopes, req.RotationDays, expiresAt)
		if err != nil {
			jsonError(w, "failed to create key: "+err.Error(), http.StatusInternalServerError)
			return
		}

		if req.MaxConcurrentSessions > 0 && d.Store != nil {
			rec.MaxConcurrentSessions = req.MaxConcurrentSessions
			if err := d.Store.UpdateAPIKey(r.Context(), *rec); err != nil {
				jsonError(w, "failed to set concurrency limit: "+err.Error(), http.StatusInternalServerError)
				return
			}
		}

		if d.Store != nil {
			warnOnErr("audit", d.Store.LogAudit(r.Context(), store.AuditEntry{
				Timestamp: time.Now().UTC(),
				Action:    "apikey.create",
				Resource:  rec.ID,
			}))
		}

		jsonResponse(w, map[string]any{
			"ok":      true,
			"key":     plaintext,
			"id":      rec.ID,
			"prefix":  rec.KeyPrefix,
			"name":    rec.Name,
			"scopes":  rec.Scopes,
			"warning": "This is the only time the full key will be shown. Store it securely.",
		})
	}
}

// AdminKeysListHandler handles GET /admin/v1/keys.
func AdminKeysListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Store == nil {
			jsonError(w, "store not configured", http.StatusServiceUnavailable)
			return
		}
		keys, err := d.Store.ListAPIKeys(r.Context())
		if err != nil {
			jsonError(w, "store error: "+err.Error(), http.StatusInternalServerError)
			return
		}
		jsonResponse(w, map[string]any{"keys": keys})
	}
}

// AdminKeysRotateHandler handles POST /admin/v1/keys/{id}/rotate.
func AdminKeysRotateHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.APIKeyMgr == nil {
			jsonError(w, "api key management not configured", http.StatusServiceUnavailable)
			return
		}
		id := chi.URLParam(r, "id")
		plaintext, err := d.APIKeyMgr.Rotate(r.Context(), id)
		if err != nil {
			jsonError(w, "rotate failed: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if d.Store != nil {
			warnOnErr("audit", d.Store.LogAudit(r.Context(), store.AuditEntry{
				Timestamp: time.Now().UTC(),
				Action:    "apikey.rotate",
				Resource:  id,
			}))
		}
		jsonResponse(w, map[string]any{"ok": true, "id": id, "key": plaintext})
	}
}

// AdminKeysDeleteHandler handles DELETE /admin/v1/keys/{id}.
func AdminKeysDeleteHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Store == nil {
			jsonError(w, "store not configured", http.StatusServiceUnavailable)
			return
		}
		id := chi.URLParam(r, "id")
		if err := d.Store.DeleteAPIKey(r.Context(), id); err != nil {
			jsonError(w, "delete failed: "+err.Error(), http.StatusInternalServerError)
			return
		}
		warnOnErr("audit", d.Store.LogAudit(r.Context(), store.AuditEntry{
			Timestamp: time.Now().UTC(),
			Action:    "apikey.delete",
			Resource:  id,
		}))
		jsonResponse(w, map[string]any{"ok": true, "id": id})
	}
}

// AdminTSDBQueryHandler handles GET /admin/v1/tsdb/query?metric=&session_id=&start=&end=&step_ms=
func AdminTSDBQueryHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		params := tsdb.QueryParams{
			Metric:    q.Get("metric"),
			SessionID: q.Get("session_id"),
		}
		if v := q.Get("start"); v != "" {
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				params.Start = t
			}
		}
		if v := q.Get("end"); v != "" {
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				params.End = t
			}
		}
		if v := q.Get("step_ms"); v != "" {
			var step int64
			if _, err := fmt.Sscanf(v, "%d", &step); err == nil {
				params.StepMs = step
			}
		}
		series, err := d.TSDB.Query(r.Context(), params)
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		jsonResponse(w, map[string]any{"series": series})
	}
}

// AdminTSDBMetricsHandler handles GET /admin/v1/tsdb/metrics — the distinct
// metric names recorded so far, for populating a dashboard's series picker.
func AdminTSDBMetricsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		names, err := d.TSDB.Metrics(r.Context())
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		jsonResponse(w, map[string]any{"metrics": names})
	}
}

// AdminTSDBPruneHandler handles POST /admin/v1/tsdb/prune — triggers the same
// retention sweep the background prune loop runs hourly, for operators who
// want it applied immediately rather than waiting for the next tick.
func AdminTSDBPruneHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deleted, err := d.TSDB.Prune(r.Context())
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		jsonResponse(w, map[string]any{"ok": true, "deleted": deleted})
	}
}

// AdminEventsSSEHandler handles GET /admin/v1/events — a server-sent-events
// stream of session lifecycle and trial events for the admin dashboard.
func AdminEventsSSEHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			jsonError(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		sub := d.EventBus.Subscribe(64)
		defer d.EventBus.Unsubscribe(sub)

		fmt.Fprintf(w, "event: connected\ndata: {\"status\":\"ok\"}\n\n")
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case e := <-sub.C:
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, e.JSON())
				flusher.Flush()
			}
		}
	}
}

// AdminTokenRotateHandler rotates the admin token used to authenticate
// /admin/v1 requests. With a "token" field in the request body, that value
// replaces the current token; otherwise a new random one is generated. The
// new token is persisted and returned in the response — this is the only
// endpoint allowed to reveal it in plaintext.
//
// POST /admin/v1/admin-token/rotate
func AdminTokenRotateHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.AdminToken == nil {
			jsonError(w, "admin token management not available", http.StatusServiceUnavailable)
			return
		}

		var req struct {
			Token string `json:"token"`
		}
		if r.ContentLength > 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				jsonError(w, "invalid json: "+err.Error(), http.StatusBadRequest)
				return
			}
		}

		var newToken string
		var err error
		if req.Token != "" {
			if len(req.Token) < 16 {
				jsonError(w, "token must be at least 16 characters", http.StatusBadRequest)
				return
			}
			d.AdminToken.Replace(req.Token, slog.Default())
			newToken = req.Token
		} else {
			newToken, err = d.AdminToken.Rotate(slog.Default())
			if err != nil {
				jsonError(w, "rotate failed: "+err.Error(), http.StatusInternalServerError)
				return
			}
		}

		if d.EventBus != nil {
			d.EventBus.Publish(events.Event{Type: events.EventHealthChange, Reason: "admin token rotated"})
		}
		if d.Store != nil {
			warnOnErr("audit", d.Store.LogAudit(r.Context(), store.AuditEntry{
				Timestamp: time.Now().UTC(),
				Action:    "admin_token.rotate",
				RequestID: middleware.GetReqID(r.Context()),
			}))
		}

		jsonResponse(w, map[string]any{"ok": true, "token": newToken})
	}
}

// VaultLockHandler handles POST /admin/v1/vault/lock — wipes the vault's
// derived key from memory, leaving values encrypted at rest until unlocked
// again. Idempotent: locking an already-locked vault is a no-op.
func VaultLockHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Vault == nil {
			jsonError(w, "vault not configured", http.StatusServiceUnavailable)
			return
		}
		if d.Vault.IsLocked() {
			jsonResponse(w, map[string]any{"ok": true, "already_locked": true})
			return
		}
		d.Vault.Lock()
		if d.Store != nil {
			warnOnErr("audit", d.Store.LogAudit(r.Context(), store.AuditEntry{
				Timestamp: time.Now().UTC(),
				Action:    "vault.lock",
				RequestID: middleware.GetReqID(r.Context()),
			}))
		}
		jsonResponse(w, map[string]any{"ok": true})
	}
}

// VaultUnlockHandler handles POST /admin/v1/vault/unlock — derives the
// vault's encryption key from the supplied password and persists the
// (salt, ciphertext) blob so a later restart can restore it without
// re-prompting, as long as the same password is supplied again.
func VaultUnlockHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Vault == nil {
			jsonError(w, "vault not configured", http.StatusServiceUnavailable)
			return
		}
		var req struct {
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		if err := d.Vault.Unlock([]byte(req.Password)); err != nil {
			jsonError(w, "unlock failed: "+err.Error(), http.StatusUnauthorized)
			return
		}
		if d.Store != nil {
			if salt := d.Vault.Salt(); salt != nil {
				warnOnErr("save_vault", d.Store.SaveVaultBlob(r.Context(), salt, d.Vault.Export()))
			}
			warnOnErr("audit", d.Store.LogAudit(r.Context(), store.AuditEntry{
				Timestamp: time.Now().UTC(),
				Action:    "vault.unlock",
				RequestID: middleware.GetReqID(r.Context()),
			}))
		}
		jsonResponse(w, map[string]any{"ok": true})
	}
}

// VaultRotateHandler handles POST /admin/v1/vault/rotate — re-encrypts every
// stored secret (the surrogate storage DSN, any persisted warm-start blob)
// under a freshly derived key, then persists the new blob.
func VaultRotateHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Vault == nil {
			jsonError(w, "vault not configured", http.StatusServiceUnavailable)
			return
		}
		var req struct {
			OldPassword string `json:"old_password"`
			NewPassword string `json:"new_password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		if req.OldPassword == "" || req.NewPassword == "" {
			jsonError(w, "old_password and new_password required", http.StatusBadRequest)
			return
		}
		if err := d.Vault.RotatePassword([]byte(req.OldPassword), []byte(req.NewPassword)); err != nil {
			jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if d.Store != nil {
			if salt := d.Vault.Salt(); salt != nil {
				if err := d.Store.SaveVaultBlob(r.Context(), salt, d.Vault.Export()); err != nil {
					jsonError(w, "failed to persist vault: "+err.Error(), http.StatusInternalServerError)
					return
				}
			}
			warnOnErr("audit", d.Store.LogAudit(r.Context(), store.AuditEntry{
				Timestamp: time.Now().UTC(),
				Action:    "vault.rotate",
				RequestID: middleware.GetReqID(r.Context()),
			}))
		}
		jsonResponse(w, map[string]any{"ok": true})
	}
}
