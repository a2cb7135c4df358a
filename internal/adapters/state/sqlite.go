// Package state provides persistence adapters for sessions and metrics.
// Two real backends exist, SQLite and a JSON snapshot file, plus a no-op
// store for ephemeral runs. All of them implement core.Store.
package state

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/cloudtether/tether/internal/core"
)

//go:embed migrations/001_initial_schema.sql
var migrationV1 string

// SQLiteStore implements core.Store with SQLite storage.
type SQLiteStore struct {
	dbPath string
	db     *sql.DB
	mu     sync.RWMutex
}

// NewSQLiteStore opens (creating if needed) the session database at dbPath
// and applies pending migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	// WAL keeps the monitor's metric writes from blocking reads.
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &SQLiteStore{dbPath: dbPath, db: db}
	if err := s.migrate(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("running migrations: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteStore) migrate() error {
	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		// Table doesn't exist yet, run initial migration
		version = 0
	}

	if version < 1 {
		if _, err := s.db.Exec(migrationV1); err != nil {
			return fmt.Errorf("applying migration v1: %w", err)
		}
	}
	return nil
}

// SaveSession upserts a session row.
func (s *SQLiteStore) SaveSession(ctx context.Context, sess *core.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var tagsJSON []byte
	if len(sess.Tags) > 0 {
		var err error
		tagsJSON, err = json.Marshal(sess.Tags)
		if err != nil {
			return fmt.Errorf("marshaling tags: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (
			id, target_id, local_port, remote_port, remote_host, status,
			created_at, last_activity, connection_count, bytes_transferred,
			priority, broker_handle, tags
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			last_activity = excluded.last_activity,
			connection_count = excluded.connection_count,
			bytes_transferred = excluded.bytes_transferred,
			priority = excluded.priority,
			broker_handle = excluded.broker_handle,
			tags = excluded.tags
	`,
		sess.ID, sess.TargetID, sess.LocalPort, sess.RemotePort,
		nullableString([]byte(sess.RemoteHost)), string(sess.Status),
		sess.CreatedAt, sess.LastActivity, sess.ConnectionCount, sess.BytesTransfer,
		int(sess.Priority), nullableString([]byte(sess.BrokerHandle)),
		nullableString(tagsJSON),
	)
	if err != nil {
		return fmt.Errorf("upserting session: %w", err)
	}
	return nil
}

// LoadSession retrieves a session by id. Returns nil, nil when absent.
func (s *SQLiteStore) LoadSession(ctx context.Context, id string) (*core.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, target_id, local_port, remote_port, remote_host, status,
		       created_at, last_activity, connection_count, bytes_transferred,
		       priority, broker_handle, tags
		FROM sessions WHERE id = ?
	`, id)

	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}
	return sess, nil
}

// ListSessions returns all persisted sessions, newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]*core.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, target_id, local_port, remote_port, remote_host, status,
		       created_at, last_activity, connection_count, bytes_transferred,
		       priority, broker_handle, tags
		FROM sessions
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*core.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}
	return sessions, nil
}

// DeleteSession removes a session and, via cascade, its metrics.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// SaveMetric appends one metric snapshot.
func (s *SQLiteStore) SaveMetric(ctx context.Context, m core.MetricRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	healthy := 0
	if m.Healthy {
		healthy = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_metrics (session_id, recorded_at, bytes_total, connections, healthy)
		VALUES (?, ?, ?, ?, ?)
	`, m.SessionID, m.RecordedAt, m.BytesTotal, m.Connections, healthy)
	if err != nil {
		return fmt.Errorf("inserting metric: %w", err)
	}
	return nil
}

// ListMetrics returns the metric snapshots recorded for a session, oldest
// first, capped at limit (0 means no cap).
func (s *SQLiteStore) ListMetrics(ctx context.Context, sessionID string, limit int) ([]core.MetricRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT session_id, recorded_at, bytes_total, connections, healthy
		FROM session_metrics
		WHERE session_id = ?
		ORDER BY recorded_at ASC
	`
	args := []any{sessionID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing metrics: %w", err)
	}
	defer rows.Close()

	var metrics []core.MetricRecord
	for rows.Next() {
		var m core.MetricRecord
		var healthy int
		if err := rows.Scan(&m.SessionID, &m.RecordedAt, &m.BytesTotal, &m.Connections, &healthy); err != nil {
			return nil, fmt.Errorf("scanning metric: %w", err)
		}
		m.Healthy = healthy != 0
		metrics = append(metrics, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating metrics: %w", err)
	}
	return metrics, nil
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(r rowScanner) (*core.Session, error) {
	var sess core.Session
	var remoteHost, brokerHandle, tagsJSON sql.NullString
	var status string
	var priority int

	err := r.Scan(
		&sess.ID, &sess.TargetID, &sess.LocalPort, &sess.RemotePort,
		&remoteHost, &status, &sess.CreatedAt, &sess.LastActivity,
		&sess.ConnectionCount, &sess.BytesTransfer, &priority,
		&brokerHandle, &tagsJSON,
	)
	if err != nil {
		return nil, err
	}

	sess.Status = core.SessionStatus(status)
	sess.Priority = core.SessionPriority(priority)
	if remoteHost.Valid {
		sess.RemoteHost = remoteHost.String
	}
	if brokerHandle.Valid {
		sess.BrokerHandle = brokerHandle.String
	}
	if tagsJSON.Valid && tagsJSON.String != "" {
		if err := json.Unmarshal([]byte(tagsJSON.String), &sess.Tags); err != nil {
			return nil, fmt.Errorf("unmarshaling tags: %w", err)
		}
	}
	return &sess, nil
}

// PruneMetrics deletes metric snapshots older than the cutoff. Returns the
// number of rows removed.
func (s *SQLiteStore) PruneMetrics(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM session_metrics WHERE recorded_at < ?", olderThan)
	if err != nil {
		return 0, fmt.Errorf("pruning metrics: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}

func nullableString(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

var _ core.Store = (*SQLiteStore)(nil)
