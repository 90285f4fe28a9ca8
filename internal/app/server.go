package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/jordanhubbard/optimiser/internal/apikey"
	"github.com/jordanhubbard/optimiser/internal/circuitbreaker"
	"github.com/jordanhubbard/optimiser/internal/events"
	"github.com/jordanhubbard/optimiser/internal/health"
	"github.com/jordanhubbard/optimiser/internal/httpapi"
	"github.com/jordanhubbard/optimiser/internal/idempotency"
	"github.com/jordanhubbard/optimiser/internal/logging"
	"github.com/jordanhubbard/optimiser/internal/metrics"
	"github.com/jordanhubbard/optimiser/internal/ratelimit"
	"github.com/jordanhubbard/optimiser/internal/registry"
	"github.com/jordanhubbard/optimiser/internal/stats"
	"github.com/jordanhubbard/optimiser/internal/store"
	"github.com/jordanhubbard/optimiser/internal/tracing"
	"github.com/jordanhubbard/optimiser/internal/tsdb"
	"github.com/jordanhubbard/optimiser/internal/vault"
)

// Server owns the coordinator's process-wide state: the HTTP router, the
// session registry, and every ambient subsystem a session's lifecycle hooks
// touch (store, vault, metrics, events, stats, health, rate limiting).
type Server struct {
	cfg Config

	r *chi.Mux

	vault            *vault.Vault
	store            store.Store
	registry         *registry.Registry
	logger           *slog.Logger
	rateLimiter      *ratelimit.Limiter
	idempotencyCache *idempotency.Cache          // nil when idempotency disabled
	otelShutdown     func(context.Context) error // nil when OTel disabled
	tsdb             *tsdb.Store                 // nil when TSDB failed to init

	stopPrune    chan struct{} // signals TSDB prune goroutine to stop
	stopLogPrune chan struct{} // signals session/audit log prune goroutine to stop
	stopRotation chan struct{} // signals key rotation enforcement goroutine to stop

	apiKeyMgr *apikey.Manager
	eventBus  *events.Bus

	httpServer *http.Server // set via SetHTTPServer; used by Close() to drain in-flight requests
}

func NewServer(cfg Config) (*Server, error) {
	logger := logging.Setup(cfg.LogLevel)

	otelShutdown, err := tracing.Setup(tracing.Config{
		Enabled:     cfg.OTelExporterEndpoint != "",
		Endpoint:    cfg.OTelExporterEndpoint,
		ServiceName: cfg.OTelServiceName,
	})
	if err != nil {
		return nil, fmt.Errorf("otel setup: %w", err)
	}
	if cfg.OTelExporterEndpoint != "" {
		logger.Info("opentelemetry tracing enabled",
			slog.String("endpoint", cfg.OTelExporterEndpoint),
			slog.String("service", cfg.OTelServiceName),
		)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	if cfg.OTelExporterEndpoint != "" {
		r.Use(tracing.Middleware())
	}
	corsOrigins := cfg.CORSOrigins
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "Idempotency-Key"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	m := metrics.New()

	rl := ratelimit.New(cfg.RateLimitRPS, cfg.RateLimitBurst, time.Second,
		ratelimit.WithCounter(m.RateLimitedTotal))

	v, err := vault.New(cfg.VaultEnabled)
	if err != nil {
		return nil, err
	}

	db, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("database initialized", slog.String("path", cfg.DBPath))

	if salt, data, err := db.LoadVaultBlob(context.Background()); err == nil && salt != nil {
		v.SetSalt(salt)
		logger.Info("restored vault salt from database")
		if data != nil {
			_ = v.Import(data)
			logger.Info("restored vault credentials", slog.Int("keys", len(data)))
		}
	}

	if cfg.VaultPassword != "" && cfg.VaultEnabled {
		logger.Warn("OPT_VAULT_PASSWORD is set: vault password is visible in the process environment — prefer a secrets manager or encrypted secret store in production")
		if err := v.Unlock([]byte(cfg.VaultPassword)); err != nil {
			logger.Error("failed to auto-unlock vault from OPT_VAULT_PASSWORD", slog.String("error", err.Error()))
		} else {
			logger.Info("vault auto-unlocked from OPT_VAULT_PASSWORD")
			if salt := v.Salt(); salt != nil {
				data := v.Export()
				if err := db.SaveVaultBlob(context.Background(), salt, data); err != nil {
					logger.Warn("failed to persist vault blob after auto-unlock", slog.String("error", err.Error()))
				}
			}
		}
	}

	// When the vault is enabled and unlocked, the surrogate backend's storage
	// DSN is kept encrypted at rest rather than read from plaintext config on
	// every start: the first run with OPTUNA_STORAGE set seeds the vault, and
	// subsequent runs (which may omit the env var) recover it from there.
	if cfg.VaultEnabled && !v.IsLocked() {
		if cfg.OptunaStorage != "" {
			if err := v.StoreSamplerDSN(cfg.OptunaStorage); err != nil {
				logger.Warn("failed to vault-encrypt surrogate storage DSN", slog.String("error", err.Error()))
			}
		} else if stored, err := v.SamplerDSN(); err == nil && stored != "" {
			cfg.OptunaStorage = stored
			logger.Info("recovered surrogate storage DSN from vault")
		}
	}

	reg := registry.New(db)
	bus := events.NewBus()

	ht := health.NewTracker(health.DefaultConfig(), health.WithEventBus(bus))

	budgetChecker := apikey.NewBudgetChecker(db, reg)
	keyMgr := apikey.NewManager(db)

	sc := stats.NewCollector()
	seedStatsFromDB(sc, db, logger)

	ts, err := tsdb.New(db.DB())
	if err != nil {
		logger.Warn("failed to initialize time-series store", slog.String("error", err.Error()))
	}

	idemCache := idempotency.New(5*time.Minute, 10000)
	logger.Info("idempotency cache initialized", slog.Duration("ttl", 5*time.Minute), slog.Int("max_entries", 10000))

	adminToken, err := httpapi.NewAdminTokenHolder(cfg.AdminToken, cfg.DBPath, logger)
	if err != nil {
		return nil, err
	}
	if _, err := adminToken.ProvisionHostAPIKey(context.Background(), keyMgr, logger); err != nil {
		logger.Warn("failed to provision host-local API key", slog.String("error", err.Error()))
	}
	if len(cfg.CORSOrigins) == 0 {
		logger.Warn("CORS_ALLOW_ORIGINS is empty — allowing all origins (*)")
	}

	cb := circuitbreaker.New(
		circuitbreaker.WithThreshold(3),
		circuitbreaker.WithCooldown(30*time.Second),
		circuitbreaker.WithOnStateChange(func(from, to circuitbreaker.State) {
			logger.Warn("sampler circuit breaker state change",
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
			m.BreakerState.Set(float64(to))
		}),
	)

	s := &Server{
		cfg:              cfg,
		r:                r,
		vault:            v,
		store:            db,
		registry:         reg,
		logger:           logger,
		rateLimiter:      rl,
		idempotencyCache: idemCache,
		otelShutdown:     otelShutdown,
		tsdb:             ts,
		stopPrune:        make(chan struct{}),
		stopLogPrune:     make(chan struct{}),
		stopRotation:     make(chan struct{}),
		apiKeyMgr:        keyMgr,
		eventBus:         bus,
	}

	if ts != nil {
		go s.tsdbPruneLoop(ts)
	}
	go s.logPruneLoop()
	go s.rotationEnforceLoop()

	deps := httpapi.Dependencies{
		Registry:          reg,
		Vault:             v,
		Metrics:           m,
		Store:             db,
		Health:            ht,
		EventBus:          bus,
		Stats:             sc,
		TSDB:              ts,
		APIKeyMgr:         keyMgr,
		BudgetChecker:     budgetChecker,
		AdminToken:        adminToken,
		IdempotencyCache:  idemCache,
		RateLimiter:       rl,
		Breaker:           cb,
		InactivityTimeout: cfg.InactivityTimeout,
		REST:              httpapi.NewRESTBridge(),
	}

	httpapi.MountRoutes(r, deps)

	return s, nil
}

func (s *Server) Router() http.Handler { return s.r }

// SetHTTPServer registers the HTTP server so that Close() can drain in-flight
// requests via http.Server.Shutdown before releasing other resources.
func (s *Server) SetHTTPServer(srv *http.Server) {
	s.httpServer = srv
}

// Reload applies hot-reloadable configuration parameters at runtime without
// restarting the server: rate limiter settings and the log level.
func (s *Server) Reload(cfg Config) {
	s.rateLimiter.UpdateLimits(cfg.RateLimitRPS, cfg.RateLimitBurst)
	logging.SetLevel(cfg.LogLevel)
	s.cfg = cfg
	s.logger.Info("configuration reloaded",
		slog.Int("rate_limit_rps", cfg.RateLimitRPS),
		slog.Int("rate_limit_burst", cfg.RateLimitBurst),
		slog.String("log_level", cfg.LogLevel),
	)
}

func (s *Server) Close() error {
	if s.httpServer != nil {
		drainSecs := s.cfg.ShutdownDrainSecs
		if drainSecs <= 0 {
			drainSecs = 30
		}
		drainCtx, drainCancel := context.WithTimeout(context.Background(), time.Duration(drainSecs)*time.Second)
		defer drainCancel()
		if err := s.httpServer.Shutdown(drainCtx); err != nil {
			s.logger.Warn("HTTP drain error", slog.String("error", err.Error()))
		}
	}

	s.registry.CancelAll()

	close(s.stopPrune)
	close(s.stopLogPrune)
	close(s.stopRotation)
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	if s.idempotencyCache != nil {
		s.idempotencyCache.Stop()
	}
	if s.otelShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.otelShutdown(ctx); err != nil {
			s.logger.Warn("otel shutdown error", slog.String("error", err.Error()))
		}
	}
	if s.tsdb != nil {
		s.tsdb.Stop()
	}
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}

func (s *Server) tsdbPruneLoop(ts *tsdb.Store) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			deleted, err := ts.Prune(ctx)
			cancel()
			if err != nil {
				s.logger.Warn("time-series prune failed", slog.String("error", err.Error()))
			} else if deleted > 0 {
				s.logger.Info("time-series pruned", slog.Int64("deleted", deleted))
			}
		case <-s.stopPrune:
			return
		}
	}
}

// logPruneLoop periodically deletes old audit-log rows and closed sessions
// past their retention window. Runs every 6 hours with a 90-day retention.
func (s *Server) logPruneLoop() {
	const retention = 90 * 24 * time.Hour
	ticker := time.NewTicker(6 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			deletedLogs, err := s.store.PruneOldLogs(ctx, retention)
			if err != nil {
				s.logger.Warn("audit log prune failed", slog.String("error", err.Error()))
			} else if deletedLogs > 0 {
				s.logger.Info("old audit logs pruned", slog.Int64("deleted", deletedLogs))
			}
			deletedSessions, err := s.store.PruneClosedSessions(ctx, retention)
			cancel()
			if err != nil {
				s.logger.Warn("closed session prune failed", slog.String("error", err.Error()))
			} else if deletedSessions > 0 {
				s.logger.Info("old closed sessions pruned", slog.Int64("deleted", deletedSessions))
			}
		case <-s.stopLogPrune:
			return
		}
	}
}

// rotationEnforceLoop periodically checks for API keys that have exceeded
// their rotation period and disables them.
func (s *Server) rotationEnforceLoop() {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			count, err := s.apiKeyMgr.EnforceRotation(ctx, s.eventBus, s.logger)
			cancel()
			if err != nil {
				s.logger.Warn("key rotation enforcement failed", slog.String("error", err.Error()))
			} else if count > 0 {
				s.logger.Info("key rotation enforcement completed", slog.Int("disabled", count))
			}
		case <-s.stopRotation:
			return
		}
	}
}

// seedStatsFromDB loads recent trial records from the database to
// pre-populate the in-memory stats collector so the admin dashboard isn't
// blank after a restart.
func seedStatsFromDB(sc *stats.Collector, db store.Store, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sessions, err := db.ListSessions(ctx)
	if err != nil {
		logger.Warn("failed to seed stats from database", slog.String("error", err.Error()))
		return
	}
	seeded := 0
	for _, sessRec := range sessions {
		trials, err := db.ListTrials(ctx, sessRec.ID)
		if err != nil {
			continue
		}
		snapshots := make([]stats.Snapshot, 0, len(trials))
		for _, t := range trials {
			snapshots = append(snapshots, stats.Snapshot{
				Timestamp:   t.Timestamp,
				SessionID:   sessRec.ID,
				TrialNumber: t.TrialNumber,
				Objective:   t.Objective,
				Success:     t.PassedFilters,
			})
		}
		sc.Seed(snapshots)
		seeded += len(snapshots)
	}
	if seeded > 0 {
		logger.Info("seeded stats from database", slog.Int("snapshots", seeded))
	}
}
