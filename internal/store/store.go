package store

import (
	"context"
	"time"
)

// APIKeyRecord is the persisted form of a client API key used to
// authenticate callers of the session REST/WebSocket surface.
type APIKeyRecord struct {
	ID               string     `json:"id"`
	KeyHash          string     `json:"-"`          // bcrypt hash, never serialized
	KeyPrefix        string     `json:"key_prefix"` // key prefix plus the next 8 chars, for identification
	Name             string     `json:"name"`
	Scopes           string     `json:"scopes"` // JSON array stored as text
	CreatedAt        time.Time  `json:"created_at"`
	LastUsedAt       *time.Time `json:"last_used_at,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	RotationDays     int        `json:"rotation_days"` // 0 = manual rotation only
	MaxConcurrentSessions int   `json:"max_concurrent_sessions"` // 0 = unlimited
	Enabled          bool       `json:"enabled"`
}

// SessionRecord is the persisted lifecycle snapshot of one optimization
// session, sufficient to resume it via warm-start.
type SessionRecord struct {
	ID              string    `json:"id"`
	ConfigJSON      string    `json:"config_json"` // serialized protocol.OptimisationConfig
	State           string    `json:"state"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	CompletedTrials int       `json:"completed_trials"`
	TotalTrials     int       `json:"total_trials"`
	BestJSON        string    `json:"best_json,omitempty"` // serialized objective.BestSnapshot, empty if none
	APIKeyID        string    `json:"api_key_id,omitempty"`
}

// TrialRecord is one completed observation, persisted so a resumed session
// can replay its history into a fresh Sampler before continuing.
type TrialRecord struct {
	SessionID   string    `json:"session_id"`
	TrialNumber int       `json:"trial_number"`
	Timestamp   time.Time `json:"timestamp"`
	EncodedJSON string    `json:"encoded_json"` // serialized space.Encoded
	MetricsJSON string    `json:"metrics_json"` // serialized map[string]float64
	Objective   float64   `json:"objective"`
	PassedFilters bool    `json:"passed_filters"`
}

// Store defines the persistence interface for the optimization coordinator.
type Store interface {
	// Sessions (warm-start persistence)
	SaveSession(ctx context.Context, rec SessionRecord) error
	GetSession(ctx context.Context, id string) (*SessionRecord, error)
	ListSessions(ctx context.Context) ([]SessionRecord, error)
	DeleteSession(ctx context.Context, id string) error

	// Trial history; AppendTrial upserts on (session id, trial number)
	AppendTrial(ctx context.Context, rec TrialRecord) error
	ListTrials(ctx context.Context, sessionID string) ([]TrialRecord, error)

	// Vault persistence
	SaveVaultBlob(ctx context.Context, salt []byte, data map[string]string) error
	LoadVaultBlob(ctx context.Context) (salt []byte, data map[string]string, err error)

	// Audit logging
	LogAudit(ctx context.Context, entry AuditEntry) error
	ListAuditLogs(ctx context.Context, limit int, offset int) ([]AuditEntry, error)

	// API key management
	CreateAPIKey(ctx context.Context, key APIKeyRecord) error
	GetAPIKey(ctx context.Context, id string) (*APIKeyRecord, error)
	GetAPIKeysByPrefix(ctx context.Context, prefix string) ([]APIKeyRecord, error)
	ListAPIKeys(ctx context.Context) ([]APIKeyRecord, error)
	ListExpiredRotationKeys(ctx context.Context) ([]APIKeyRecord, error)
	UpdateAPIKey(ctx context.Context, key APIKeyRecord) error
	DeleteAPIKey(ctx context.Context, id string) error

	// Retention
	PruneOldLogs(ctx context.Context, retention time.Duration) (int64, error)
	PruneClosedSessions(ctx context.Context, retention time.Duration) (int64, error)

	// Schema lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// AuditEntry captures an admin mutation for the audit trail.
type AuditEntry struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`                // e.g. "session.stop", "apikey.rotate"
	Resource  string    `json:"resource"`               // e.g. session id or key id
	Detail    string    `json:"detail,omitempty"`       // optional JSON with change details
	RequestID string    `json:"request_id,omitempty"`   // correlates to HTTP request ID
}
