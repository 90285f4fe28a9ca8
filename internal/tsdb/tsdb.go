package tsdb

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// Point is a single time-series data point recorded for a session's trial
// history — objective values, acquisition latencies, and similar series the
// admin dashboard charts over time.
type Point struct {
	Timestamp   time.Time `json:"timestamp"`
	Metric      string    `json:"metric"`
	SessionID   string    `json:"session_id,omitempty"`
	TrialNumber int       `json:"trial_number,omitempty"`
	Value       float64   `json:"value"`
}

// Series represents a named time series with its data points.
type Series struct {
	Metric    string   `json:"metric"`
	SessionID string   `json:"session_id,omitempty"`
	Points    []DataPt `json:"points"`
}

// DataPt is a timestamp+value pair for JSON output.
type DataPt struct {
	T     time.Time `json:"t"`
	Value float64   `json:"v"`
}

// QueryParams controls which data is returned.
type QueryParams struct {
	Metric    string
	SessionID string
	Start     time.Time
	End       time.Time
	StepMs    int64 // downsample to this bucket size (0 = raw)
}

// Store is a lightweight embedded time-series database backed by SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex

	// Retention: auto-delete points older than this.
	retention time.Duration

	// Write buffer for batching inserts.
	buf    []Point
	bufMax int
}

// New creates a TSDB store using the given SQLite DB handle.
func New(db *sql.DB) (*Store, error) {
	s := &Store{
		db:        db,
		retention: 7 * 24 * time.Hour, // 7 day default
		bufMax:    100,
	}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// SetRetention sets the data retention period.
func (s *Store) SetRetention(d time.Duration) {
	s.retention = d
}

func (s *Store) migrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS tsdb_points (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts INTEGER NOT NULL,
			metric TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			trial_number INTEGER NOT NULL DEFAULT 0,
			value REAL NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tsdb_ts ON tsdb_points(ts)`,
		`CREATE INDEX IF NOT EXISTS idx_tsdb_metric ON tsdb_points(metric, ts)`,
		`CREATE INDEX IF NOT EXISTS idx_tsdb_session ON tsdb_points(session_id, ts)`,
	}
	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("tsdb migrate: %w", err)
		}
	}
	return nil
}

// Write stores a single data point.
func (s *Store) Write(p Point) {
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now().UTC()
	}
	s.mu.Lock()
	s.buf = append(s.buf, p)
	if len(s.buf) >= s.bufMax {
		buf := s.buf
		s.buf = nil
		s.mu.Unlock()
		s.flush(buf)
		return
	}
	s.mu.Unlock()
}

// Flush forces all buffered points to disk.
func (s *Store) Flush() {
	s.mu.Lock()
	buf := s.buf
	s.buf = nil
	s.mu.Unlock()
	if len(buf) > 0 {
		s.flush(buf)
	}
}

func (s *Store) flush(points []Point) {
	tx, err := s.db.Begin()
	if err != nil {
		return
	}
	stmt, err := tx.Prepare(`INSERT INTO tsdb_points (ts, metric, session_id, trial_number, value) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return
	}
	defer func() { _ = stmt.Close() }()

	for _, p := range points {
		_, _ = stmt.Exec(p.Timestamp.UnixMilli(), p.Metric, p.SessionID, p.TrialNumber, p.Value)
	}
	_ = tx.Commit()
}

// Query returns time-series data matching the given parameters.
func (s *Store) Query(ctx context.Context, q QueryParams) ([]Series, error) {
	s.Flush() // ensure buffered data is visible

	where := "WHERE metric = ?"
	args := []any{q.Metric}

	if q.SessionID != "" {
		where += " AND session_id = ?"
		args = append(args, q.SessionID)
	}
	if !q.Start.IsZero() {
		where += " AND ts >= ?"
		args = append(args, q.Start.UnixMilli())
	}
	if !q.End.IsZero() {
		where += " AND ts <= ?"
		args = append(args, q.End.UnixMilli())
	}

	var query string
	if q.StepMs > 0 {
		// Downsample: bucket by step, average values.
		query = fmt.Sprintf(
			`SELECT (ts / %d) * %d AS bucket, session_id, AVG(value)
			 FROM tsdb_points %s
			 GROUP BY bucket, session_id
			 ORDER BY bucket ASC`, q.StepMs, q.StepMs, where)
	} else {
		query = fmt.Sprintf(
			`SELECT ts, session_id, value
			 FROM tsdb_points %s
			 ORDER BY ts ASC`, where)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	// Group into series by session.
	grouped := make(map[string][]DataPt)
	var order []string

	for rows.Next() {
		var tsMs int64
		var sessionID string
		var value float64
		if err := rows.Scan(&tsMs, &sessionID, &value); err != nil {
			return nil, err
		}
		if _, exists := grouped[sessionID]; !exists {
			order = append(order, sessionID)
		}
		grouped[sessionID] = append(grouped[sessionID], DataPt{
			T:     time.UnixMilli(tsMs),
			Value: value,
		})
	}

	var result []Series
	for _, sessionID := range order {
		result = append(result, Series{
			Metric:    q.Metric,
			SessionID: sessionID,
			Points:    grouped[sessionID],
		})
	}
	return result, rows.Err()
}

// Prune removes data points older than the retention period.
func (s *Store) Prune(ctx context.Context) (int64, error) {
	s.Flush() // ensure buffered data is visible
	cutoff := time.Now().Add(-s.retention).UnixMilli()
	result, err := s.db.ExecContext(ctx, `DELETE FROM tsdb_points WHERE ts < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Metrics returns the list of distinct metric names.
func (s *Store) Metrics(ctx context.Context) ([]string, error) {
	s.Flush() // ensure buffered data is visible
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT metric FROM tsdb_points ORDER BY metric`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var metrics []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		metrics = append(metrics, m)
	}
	return metrics, rows.Err()
}

// Stop flushes any buffered points. Provided for symmetry with other
// background subsystems that expose Stop() for graceful shutdown.
func (s *Store) Stop() {
	s.Flush()
}
