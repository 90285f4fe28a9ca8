package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using modernc.org/sqlite (pure-Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens or creates a SQLite database at the given DSN.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Enable WAL mode and set busy timeout.
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite pragmas: %w", err)
	}
	// SQLite only supports one writer at a time. Limit connections to avoid
	// contention and keep a small idle pool for read concurrency.
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	return &SQLiteStore{db: db}, nil
}

// DB returns the underlying sql.DB handle (used by tsdb).
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			config_json TEXT NOT NULL,
			state TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			completed_trials INTEGER NOT NULL DEFAULT 0,
			total_trials INTEGER NOT NULL DEFAULT 0,
			best_json TEXT NOT NULL DEFAULT '',
			api_key_id TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_state ON sessions(state)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at)`,
		`CREATE TABLE IF NOT EXISTS trials (
			session_id TEXT NOT NULL,
			trial_number INTEGER NOT NULL,
			timestamp TEXT NOT NULL,
			encoded_json TEXT NOT NULL,
			metrics_json TEXT NOT NULL,
			objective REAL NOT NULL,
			passed_filters INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (session_id, trial_number)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trials_session ON trials(session_id)`,
		`CREATE TABLE IF NOT EXISTS vault_blob (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			salt BLOB NOT NULL,
			data TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE TABLE IF NOT EXISTS audit_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			action TEXT NOT NULL,
			resource TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			request_id TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_logs_timestamp ON audit_logs(timestamp)`,
		`CREATE TABLE IF NOT EXISTS api_keys (
			id TEXT PRIMARY KEY,
			key_hash TEXT NOT NULL,
			key_prefix TEXT NOT NULL,
			name TEXT NOT NULL,
			scopes TEXT NOT NULL DEFAULT '["optimise"]',
			created_at TEXT NOT NULL,
			last_used_at TEXT,
			expires_at TEXT,
			rotation_days INTEGER NOT NULL DEFAULT 0,
			max_concurrent_sessions INTEGER NOT NULL DEFAULT 0,
			enabled INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE INDEX IF NOT EXISTS idx_api_keys_prefix ON api_keys(key_prefix)`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Sessions

func (s *SQLiteStore) SaveSession(ctx context.Context, rec SessionRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, config_json, state, created_at, updated_at, completed_trials, total_trials, best_json, api_key_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   config_json=excluded.config_json,
		   state=excluded.state,
		   updated_at=excluded.updated_at,
		   completed_trials=excluded.completed_trials,
		   total_trials=excluded.total_trials,
		   best_json=excluded.best_json,
		   api_key_id=excluded.api_key_id`,
		rec.ID, rec.ConfigJSON, rec.State,
		rec.CreatedAt.UTC().Format(time.RFC3339), rec.UpdatedAt.UTC().Format(time.RFC3339),
		rec.CompletedTrials, rec.TotalTrials, rec.BestJSON, rec.APIKeyID)
	return err
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	var rec SessionRecord
	var createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, config_json, state, created_at, updated_at, completed_trials, total_trials, best_json, api_key_id
		 FROM sessions WHERE id = ?`, id).
		Scan(&rec.ID, &rec.ConfigJSON, &rec.State, &createdAt, &updatedAt,
			&rec.CompletedTrials, &rec.TotalTrials, &rec.BestJSON, &rec.APIKeyID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &rec, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context) ([]SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, config_json, state, created_at, updated_at, completed_trials, total_trials, best_json, api_key_id
		 FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		var createdAt, updatedAt string
		if err := rows.Scan(&rec.ID, &rec.ConfigJSON, &rec.State, &createdAt, &updatedAt,
			&rec.CompletedTrials, &rec.TotalTrials, &rec.BestJSON, &rec.APIKeyID); err != nil {
			return nil, err
		}
		rec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		rec.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM trials WHERE session_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) PruneClosedSessions(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UTC().Format(time.RFC3339)
	ids, err := s.db.QueryContext(ctx,
		`SELECT id FROM sessions WHERE state = 'closed' AND updated_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	var toDelete []string
	for ids.Next() {
		var id string
		if err := ids.Scan(&id); err != nil {
			_ = ids.Close()
			return 0, err
		}
		toDelete = append(toDelete, id)
	}
	_ = ids.Close()
	for _, id := range toDelete {
		if err := s.DeleteSession(ctx, id); err != nil {
			return 0, err
		}
	}
	return int64(len(toDelete)), nil
}

// Trials

func (s *SQLiteStore) AppendTrial(ctx context.Context, rec TrialRecord) error {
	passed := 0
	if rec.PassedFilters {
		passed = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO trials (session_id, trial_number, timestamp, encoded_json, metrics_json, objective, passed_filters)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id, trial_number) DO UPDATE SET
		   timestamp=excluded.timestamp, encoded_json=excluded.encoded_json,
		   metrics_json=excluded.metrics_json, objective=excluded.objective,
		   passed_filters=excluded.passed_filters`,
		rec.SessionID, rec.TrialNumber, rec.Timestamp.UTC().Format(time.RFC3339),
		rec.EncodedJSON, rec.MetricsJSON, rec.Objective, passed)
	return err
}

func (s *SQLiteStore) ListTrials(ctx context.Context, sessionID string) ([]TrialRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, trial_number, timestamp, encoded_json, metrics_json, objective, passed_filters
		 FROM trials WHERE session_id = ? ORDER BY trial_number ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []TrialRecord
	for rows.Next() {
		var rec TrialRecord
		var ts string
		var passed int
		if err := rows.Scan(&rec.SessionID, &rec.TrialNumber, &ts, &rec.EncodedJSON, &rec.MetricsJSON, &rec.Objective, &passed); err != nil {
			return nil, err
		}
		rec.Timestamp, _ = time.Parse(time.RFC3339, ts)
		rec.PassedFilters = passed != 0
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Vault persistence

func (s *SQLiteStore) SaveVaultBlob(ctx context.Context, salt []byte, data map[string]string) error {
	j, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal vault data: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO vault_blob (id, salt, data) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET salt=excluded.salt, data=excluded.data`,
		salt, string(j))
	return err
}

func (s *SQLiteStore) LoadVaultBlob(ctx context.Context) ([]byte, map[string]string, error) {
	var salt []byte
	var dataStr string
	err := s.db.QueryRowContext(ctx, `SELECT salt, data FROM vault_blob WHERE id = 1`).Scan(&salt, &dataStr)
	if err == sql.ErrNoRows {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	var data map[string]string
	if err := json.Unmarshal([]byte(dataStr), &data); err != nil {
		return nil, nil, fmt.Errorf("unmarshal vault data: %w", err)
	}
	return salt, data, nil
}

// Audit Logs

func (s *SQLiteStore) LogAudit(ctx context.Context, entry AuditEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_logs (timestamp, action, resource, detail, request_id)
		 VALUES (?, ?, ?, ?, ?)`,
		entry.Timestamp, entry.Action, entry.Resource, entry.Detail, entry.RequestID)
	return err
}

func (s *SQLiteStore) ListAuditLogs(ctx context.Context, limit int, offset int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, action, resource, detail, request_id
		 FROM audit_logs ORDER BY timestamp DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var logs []AuditEntry
	for rows.Next() {
		var l AuditEntry
		var ts string
		if err := rows.Scan(&l.ID, &ts, &l.Action, &l.Resource, &l.Detail, &l.RequestID); err != nil {
			return nil, err
		}
		l.Timestamp, _ = time.Parse(time.RFC3339, ts)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// API Keys

func (s *SQLiteStore) CreateAPIKey(ctx context.Context, key APIKeyRecord) error {
	var lastUsed, expires *string
	if key.LastUsedAt != nil {
		t := key.LastUsedAt.UTC().Format(time.RFC3339)
		lastUsed = &t
	}
	if key.ExpiresAt != nil {
		t := key.ExpiresAt.UTC().Format(time.RFC3339)
		expires = &t
	}
	enabledInt := 0
	if key.Enabled {
		enabledInt = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_keys (id, key_hash, key_prefix, name, scopes, created_at, last_used_at, expires_at, rotation_days, max_concurrent_sessions, enabled)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key.ID, key.KeyHash, key.KeyPrefix, key.Name, key.Scopes,
		key.CreatedAt.UTC().Format(time.RFC3339), lastUsed, expires,
		key.RotationDays, key.MaxConcurrentSessions, enabledInt)
	return err
}

func scanAPIKey(row interface {
	Scan(dest ...any) error
}) (*APIKeyRecord, error) {
	var k APIKeyRecord
	var createdAt string
	var lastUsed, expires sql.NullString
	var enabledInt int
	if err := row.Scan(&k.ID, &k.KeyHash, &k.KeyPrefix, &k.Name, &k.Scopes,
		&createdAt, &lastUsed, &expires, &k.RotationDays, &k.MaxConcurrentSessions, &enabledInt); err != nil {
		return nil, err
	}
	k.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	if lastUsed.Valid {
		t, _ := time.Parse(time.RFC3339, lastUsed.String)
		k.LastUsedAt = &t
	}
	if expires.Valid {
		t, _ := time.Parse(time.RFC3339, expires.String)
		k.ExpiresAt = &t
	}
	k.Enabled = enabledInt != 0
	return &k, nil
}

const apiKeySelectCols = `id, key_hash, key_prefix, name, scopes, created_at, last_used_at, expires_at, rotation_days, max_concurrent_sessions, enabled`

func (s *SQLiteStore) GetAPIKey(ctx context.Context, id string) (*APIKeyRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+apiKeySelectCols+` FROM api_keys WHERE id = ?`, id)
	k, err := scanAPIKey(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return k, err
}

func (s *SQLiteStore) GetAPIKeysByPrefix(ctx context.Context, prefix string) ([]APIKeyRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+apiKeySelectCols+` FROM api_keys WHERE key_prefix = ? AND enabled = 1`, prefix)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var keys []APIKeyRecord
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, *k)
	}
	return keys, rows.Err()
}

func (s *SQLiteStore) ListAPIKeys(ctx context.Context) ([]APIKeyRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+apiKeySelectCols+` FROM api_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var keys []APIKeyRecord
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, *k)
	}
	return keys, rows.Err()
}

func (s *SQLiteStore) ListExpiredRotationKeys(ctx context.Context) ([]APIKeyRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+apiKeySelectCols+` FROM api_keys
		 WHERE rotation_days > 0 AND enabled = 1
		 AND julianday('now') - julianday(created_at) >= rotation_days`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var keys []APIKeyRecord
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, *k)
	}
	return keys, rows.Err()
}

func (s *SQLiteStore) UpdateAPIKey(ctx context.Context, key APIKeyRecord) error {
	var lastUsed, expires *string
	if key.LastUsedAt != nil {
		t := key.LastUsedAt.UTC().Format(time.RFC3339)
		lastUsed = &t
	}
	if key.ExpiresAt != nil {
		t := key.ExpiresAt.UTC().Format(time.RFC3339)
		expires = &t
	}
	enabledInt := 0
	if key.Enabled {
		enabledInt = 1
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET key_hash=?, key_prefix=?, name=?, scopes=?, last_used_at=?, expires_at=?, rotation_days=?, max_concurrent_sessions=?, enabled=?
		 WHERE id=?`,
		key.KeyHash, key.KeyPrefix, key.Name, key.Scopes,
		lastUsed, expires, key.RotationDays, key.MaxConcurrentSessions, enabledInt, key.ID)
	return err
}

func (s *SQLiteStore) DeleteAPIKey(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = ?`, id)
	return err
}

// PruneOldLogs deletes audit log entries older than retention.
func (s *SQLiteStore) PruneOldLogs(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UTC().Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_logs WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
