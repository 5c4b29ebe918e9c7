// ABOUTME: SQLite implementation of the SessionStore interface using modernc.org/sqlite
// ABOUTME: Provides session record persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the SessionStore interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			agent_id             TEXT PRIMARY KEY,
			user_id              TEXT NOT NULL,
			api_key              TEXT NOT NULL,
			session_name         TEXT NOT NULL,
			endpoint_url         TEXT NOT NULL,
			status               TEXT NOT NULL,
			last_connected_at    DATETIME,
			last_disconnected_at DATETIME,
			created_at           DATETIME NOT NULL,
			updated_at           DATETIME NOT NULL,

			CHECK (status IN ('awaiting_qr', 'connected', 'disconnected', 'auth_failed', 'reconnecting', 'terminated'))
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
		CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Upsert inserts or updates the record keyed by agent id.
func (s *SQLiteStore) Upsert(ctx context.Context, rec *SessionRecord) (*SessionRecord, error) {
	now := time.Now().UTC()
	status := rec.Status
	if status == "" {
		status = StatusAwaitingQR
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (agent_id, user_id, api_key, session_name, endpoint_url, status, last_connected_at, last_disconnected_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (agent_id) DO UPDATE SET
			user_id = excluded.user_id,
			api_key = excluded.api_key,
			session_name = excluded.session_name,
			endpoint_url = excluded.endpoint_url,
			status = excluded.status,
			last_connected_at = COALESCE(excluded.last_connected_at, sessions.last_connected_at),
			last_disconnected_at = COALESCE(excluded.last_disconnected_at, sessions.last_disconnected_at),
			updated_at = excluded.updated_at`,
		rec.AgentID, rec.UserID, rec.APIKey, rec.SessionName, rec.EndpointURL, status,
		rec.LastConnectedAt, rec.LastDisconnectedAt, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("upserting session: %w", err)
	}

	return s.FindByAgentID(ctx, rec.AgentID)
}

// FindByAgentID returns the record for an agent or ErrNotFound.
func (s *SQLiteStore) FindByAgentID(ctx context.Context, agentID string) (*SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT agent_id, user_id, api_key, session_name, endpoint_url, status,
		       last_connected_at, last_disconnected_at, created_at, updated_at
		FROM sessions WHERE agent_id = ?`, agentID)

	rec, err := scanSessionRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	return rec, nil
}

// FindAllActive returns every record not marked terminated.
func (s *SQLiteStore) FindAllActive(ctx context.Context) ([]*SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, user_id, api_key, session_name, endpoint_url, status,
		       last_connected_at, last_disconnected_at, created_at, updated_at
		FROM sessions WHERE status != ? ORDER BY created_at`, StatusTerminated)
	if err != nil {
		return nil, fmt.Errorf("querying active sessions: %w", err)
	}
	defer rows.Close()

	var records []*SessionRecord
	for rows.Next() {
		rec, err := scanSessionRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// UpdateStatus applies a status transition to an existing record.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, agentID string, update StatusUpdate) (*SessionRecord, error) {
	var status any
	if update.Status != "" {
		status = update.Status
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET
			status = COALESCE(?, status),
			last_connected_at = COALESCE(?, last_connected_at),
			last_disconnected_at = COALESCE(?, last_disconnected_at),
			updated_at = ?
		WHERE agent_id = ?`,
		status, update.LastConnectedAt, update.LastDisconnectedAt, time.Now().UTC(), agentID,
	)
	if err != nil {
		return nil, fmt.Errorf("updating session status: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("reading rows affected: %w", err)
	}
	if affected == 0 {
		return nil, ErrNotFound
	}

	return s.FindByAgentID(ctx, agentID)
}

// DeleteByAgentID removes the record for an agent.
func (s *SQLiteStore) DeleteByAgentID(ctx context.Context, agentID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE agent_id = ?`, agentID); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// Close releases the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSessionRecord(row rowScanner) (*SessionRecord, error) {
	var rec SessionRecord
	var lastConnected, lastDisconnected sql.NullTime

	err := row.Scan(
		&rec.AgentID, &rec.UserID, &rec.APIKey, &rec.SessionName, &rec.EndpointURL,
		&rec.Status, &lastConnected, &lastDisconnected, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if lastConnected.Valid {
		t := lastConnected.Time
		rec.LastConnectedAt = &t
	}
	if lastDisconnected.Valid {
		t := lastDisconnected.Time
		rec.LastDisconnectedAt = &t
	}
	return &rec, nil
}
