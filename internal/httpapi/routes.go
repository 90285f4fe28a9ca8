package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jordanhubbard/optimiser/internal/apikey"
	"github.com/jordanhubbard/optimiser/internal/circuitbreaker"
	"github.com/jordanhubbard/optimiser/internal/events"
	"github.com/jordanhubbard/optimiser/internal/health"
	"github.com/jordanhubbard/optimiser/internal/idempotency"
	"github.com/jordanhubbard/optimiser/internal/metrics"
	"github.com/jordanhubbard/optimiser/internal/ratelimit"
	"github.com/jordanhubbard/optimiser/internal/registry"
	"github.com/jordanhubbard/optimiser/internal/stats"
	"github.com/jordanhubbard/optimiser/internal/store"
	"github.com/jordanhubbard/optimiser/internal/tsdb"
	"github.com/jordanhubbard/optimiser/internal/vault"
)

// Dependencies bundles every ambient and domain subsystem a route handler
// may need. Fields are nil-checked individually so a coordinator can run
// with optional subsystems (vault, rate limiting, idempotency) disabled.
type Dependencies struct {
	Registry *registry.Registry
	Vault    *vault.Vault
	Metrics  *metrics.Registry
	Store    store.Store
	Health   *health.Tracker
	EventBus *events.Bus
	Stats    *stats.Collector
	TSDB     *tsdb.Store

	APIKeyMgr     *apikey.Manager
	BudgetChecker *apikey.BudgetChecker

	// AdminToken gates /admin/v1 routes. Nil disables admin auth (only
	// suitable for local development).
	AdminToken *AdminTokenHolder

	// IdempotencyCache de-duplicates retried requests on the /v1/sessions
	// routes that carry an Idempotency-Key header. Nil disables the feature.
	IdempotencyCache *idempotency.Cache

	// RateLimiter throttles every /ws and /v1/sessions route. Nil disables
	// rate limiting.
	RateLimiter *ratelimit.Limiter

	// Breaker guards the GP-ask sampling path against repeated surrogate
	// failures; internal/sampler owns the guarded call, and no route handler
	// reads this field.
	Breaker *circuitbreaker.Breaker

	// InactivityTimeout is the per-trial allowance from which sessionCeiling
	// derives a session's total lifetime bound (timeout x (trials+1)),
	// applied uniformly to both transports. Zero disables the bound.
	InactivityTimeout time.Duration

	// REST tracks the syncChannel backing each in-flight REST ask/tell
	// session. Required for the /v1/sessions routes; nil disables them.
	REST *RESTBridge
}

// maxRequestBodySize caps POST/PUT/PATCH bodies at 1 MB; optimisation
// configs and trial-result payloads are small structured JSON.
const maxRequestBodySize = 1 << 20

func bodySizeLimit(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
				r.Body = http.MaxBytesReader(w, r.Body, limit)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// MountRoutes wires every session, admin, and observability endpoint onto r.
func MountRoutes(r chi.Router, d Dependencies) {
	r.Get("/health", HealthHandler(d))

	r.Route("/ws", func(r chi.Router) {
		if d.RateLimiter != nil {
			r.Use(d.RateLimiter.Middleware)
		}
		if d.APIKeyMgr != nil {
			r.Use(apikey.AuthMiddleware(d.APIKeyMgr, d.BudgetChecker))
		}
		r.Get("/optimise", OptimiseWSHandler(d))
	})

	r.Route("/v1/sessions", func(r chi.Router) {
		r.Use(bodySizeLimit(maxRequestBodySize))
		if d.RateLimiter != nil {
			r.Use(d.RateLimiter.Middleware)
		}
		if d.IdempotencyCache != nil {
			r.Use(idempotency.Middleware(d.IdempotencyCache))
		}
		if d.APIKeyMgr != nil {
			r.Use(apikey.AuthMiddleware(d.APIKeyMgr, d.BudgetChecker))
		}
		r.Post("/init", SessionInitHandler(d))
		r.Post("/{id}/observe", SessionObserveHandler(d))
		r.Get("/{id}/best", SessionBestHandler(d))
		r.Get("/{id}/status", SessionStatusHandler(d))
		r.Get("/{id}/history", SessionHistoryHandler(d))
		r.Post("/{id}/stop", SessionStopHandler(d))
	})

	r.Route("/admin/v1", func(r chi.Router) {
		r.Use(bodySizeLimit(maxRequestBodySize))
		if d.AdminToken != nil {
			r.Use(adminAuthMiddleware(d.AdminToken))
		}

		r.Get("/sessions", AdminSessionsListHandler(d))
		r.Post("/sessions/{id}/cancel", AdminSessionCancelHandler(d))
		r.Get("/stats", AdminStatsHandler(d))
		r.Get("/health", AdminHealthHandler(d))

		r.Post("/keys", AdminKeysCreateHandler(d))
		r.Get("/keys", AdminKeysListHandler(d))
		r.Post("/keys/{id}/rotate", AdminKeysRotateHandler(d))
		r.Delete("/keys/{id}", AdminKeysDeleteHandler(d))

		r.Post("/admin-token/rotate", AdminTokenRotateHandler(d))

		if d.Vault != nil {
			r.Post("/vault/lock", VaultLockHandler(d))
			r.Post("/vault/unlock", VaultUnlockHandler(d))
			r.Post("/vault/rotate", VaultRotateHandler(d))
		}

		if d.TSDB != nil {
			r.Get("/tsdb/query", AdminTSDBQueryHandler(d))
			r.Get("/tsdb/metrics", AdminTSDBMetricsHandler(d))
			r.Post("/tsdb/prune", AdminTSDBPruneHandler(d))
		}
		if d.EventBus != nil {
			r.Get("/events", AdminEventsSSEHandler(d))
		}
	})

	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics.Handler())
	}
}

// adminAuthMiddleware checks for a valid Bearer token matching the current
// admin token held by h.
func adminAuthMiddleware(h *AdminTokenHolder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix {
				jsonError(w, "missing admin token", http.StatusUnauthorized)
				return
			}
			provided := auth[len(prefix):]
			if !h.ConstantTimeEqual(provided) {
				jsonError(w, "invalid admin token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
