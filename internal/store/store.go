// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package store persists connections, chat sessions, and messages in a
// local SQLite database.
//
// The database is the durable half of the data model: everything needed
// to reconstruct the in-memory state after a restart lives here, with
// message ordering preserved by an explicit per-session position column.
// Raw credentials are never stored; connections carry only the opaque
// keyring reference.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/jeranaias/skiff/internal/model"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrConnectionNotFound is returned when a connection row is missing.
	ErrConnectionNotFound = errors.New("connection not found")

	// ErrSessionNotFound is returned when a session row is missing.
	ErrSessionNotFound = errors.New("session not found")
)

// =============================================================================
// SCHEMA
// =============================================================================

const schema = `
CREATE TABLE IF NOT EXISTS connections (
	id                TEXT PRIMARY KEY,
	display_name      TEXT NOT NULL,
	base_url          TEXT NOT NULL,
	credential_ref    TEXT NOT NULL,
	last_connected_at INTEGER,
	last_error        TEXT NOT NULL DEFAULT '',
	created_at        INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	id            TEXT PRIMARY KEY,
	connection_id TEXT NOT NULL,
	title         TEXT NOT NULL,
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL,
	orphaned      INTEGER NOT NULL DEFAULT 0,
	deleted_at    INTEGER
);

CREATE TABLE IF NOT EXISTS messages (
	id          TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL,
	position    INTEGER NOT NULL,
	role        TEXT NOT NULL,
	content     TEXT NOT NULL,
	state       TEXT NOT NULL,
	fail_reason TEXT NOT NULL DEFAULT '',
	timestamp   INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, position);
CREATE INDEX IF NOT EXISTS idx_sessions_connection ON sessions(connection_id);
`

// =============================================================================
// STORE
// =============================================================================

// Store wraps the SQLite database. Safe for concurrent use; SQLite
// serializes writers internally and the mutex keeps multi-statement
// operations atomic from the caller's perspective.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens (creating if needed) the database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One writer at a time keeps modernc/sqlite happy.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA foreign_keys=ON;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set pragmas: %w", err)
	}

	return &Store{db: db}, nil
}

// DefaultPath returns the standard database location, ~/.skiff/skiff.db.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".skiff", "skiff.db"), nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// =============================================================================
// CONNECTION PERSISTENCE
// =============================================================================

// SaveConnection inserts or updates a connection record.
func (s *Store) SaveConnection(conn *model.Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var last sql.NullInt64
	if conn.LastConnectedAt != nil {
		last = sql.NullInt64{Int64: conn.LastConnectedAt.UnixNano(), Valid: true}
	}

	_, err := s.db.Exec(`
		INSERT INTO connections (id, display_name, base_url, credential_ref, last_connected_at, last_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = excluded.display_name,
			base_url = excluded.base_url,
			credential_ref = excluded.credential_ref,
			last_connected_at = excluded.last_connected_at,
			last_error = excluded.last_error`,
		conn.ID, conn.DisplayName, conn.BaseURL, conn.CredentialRef,
		last, conn.LastError, conn.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save connection: %w", err)
	}
	return nil
}

// GetConnection loads one connection by ID.
func (s *Store) GetConnection(id string) (*model.Connection, error) {
	row := s.db.QueryRow(`
		SELECT id, display_name, base_url, credential_ref, last_connected_at, last_error, created_at
		FROM connections WHERE id = ?`, id)
	return scanConnection(row)
}

// ListConnections returns all configured connections, oldest first.
func (s *Store) ListConnections() ([]*model.Connection, error) {
	rows, err := s.db.Query(`
		SELECT id, display_name, base_url, credential_ref, last_connected_at, last_error, created_at
		FROM connections ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	defer rows.Close()

	var out []*model.Connection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, conn)
	}
	return out, rows.Err()
}

// DeleteConnection removes a connection record. Sessions referencing it
// are marked orphaned, not deleted, and become read-only.
func (s *Store) DeleteConnection(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`DELETE FROM connections WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete connection: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConnectionNotFound
	}

	if _, err := tx.Exec(`UPDATE sessions SET orphaned = 1 WHERE connection_id = ?`, id); err != nil {
		return fmt.Errorf("failed to orphan sessions: %w", err)
	}

	return tx.Commit()
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanConnection(row rowScanner) (*model.Connection, error) {
	var conn model.Connection
	var last sql.NullInt64
	var created int64

	err := row.Scan(&conn.ID, &conn.DisplayName, &conn.BaseURL, &conn.CredentialRef,
		&last, &conn.LastError, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrConnectionNotFound
		}
		return nil, fmt.Errorf("failed to scan connection: %w", err)
	}

	conn.CreatedAt = time.Unix(0, created)
	if last.Valid {
		t := time.Unix(0, last.Int64)
		conn.LastConnectedAt = &t
	}
	conn.Status = model.StatusDisconnected
	return &conn, nil
}

// =============================================================================
// SESSION PERSISTENCE
// =============================================================================

// SaveSession writes a session and its full ordered message list in one
// transaction. Messages still streaming are persisted with their content
// so far; on reload they surface as terminal (a restart ends the turn).
func (s *Store) SaveSession(sess *model.ChatSession, msgs []*model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO sessions (id, connection_id, title, created_at, updated_at, orphaned)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			updated_at = excluded.updated_at,
			orphaned = excluded.orphaned`,
		sess.ID, sess.ConnectionID, sess.Title,
		sess.CreatedAt.UnixNano(), sess.UpdatedAt.UnixNano(), boolToInt(sess.Orphaned))
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM messages WHERE session_id = ?`, sess.ID); err != nil {
		return fmt.Errorf("failed to clear messages: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO messages (id, session_id, position, role, content, state, fail_reason, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, msg := range msgs {
		state := msg.State
		// An interrupted stream cannot resume across restarts.
		if !state.Terminal() {
			state = model.StreamFailed
		}
		_, err := stmt.Exec(msg.ID, sess.ID, i, string(msg.Role), msg.DisplayContent(),
			state.String(), msg.FailReason, msg.Timestamp.UnixNano())
		if err != nil {
			return fmt.Errorf("failed to save message %s: %w", msg.ID, err)
		}
	}

	return tx.Commit()
}

// LoadSession reconstructs a session and its ordered messages.
// Tombstoned sessions are not returned.
func (s *Store) LoadSession(id string) (*model.ChatSession, []*model.Message, error) {
	row := s.db.QueryRow(`
		SELECT id, connection_id, title, created_at, updated_at, orphaned
		FROM sessions WHERE id = ? AND deleted_at IS NULL`, id)

	var sess model.ChatSession
	var created, updated int64
	var orphaned int
	err := row.Scan(&sess.ID, &sess.ConnectionID, &sess.Title, &created, &updated, &orphaned)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, ErrSessionNotFound
		}
		return nil, nil, fmt.Errorf("failed to scan session: %w", err)
	}
	sess.CreatedAt = time.Unix(0, created)
	sess.UpdatedAt = time.Unix(0, updated)
	sess.Orphaned = orphaned != 0

	rows, err := s.db.Query(`
		SELECT id, role, content, state, fail_reason, timestamp
		FROM messages WHERE session_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	var msgs []*model.Message
	sess.MessageOrder = make([]string, 0)
	for rows.Next() {
		var msg model.Message
		var state string
		var ts int64
		var role string
		if err := rows.Scan(&msg.ID, &role, &msg.Content, &state, &msg.FailReason, &ts); err != nil {
			return nil, nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.SessionID = sess.ID
		msg.Role = model.Role(role)
		msg.State = parseState(state)
		msg.Timestamp = time.Unix(0, ts)
		msgs = append(msgs, &msg)
		sess.MessageOrder = append(sess.MessageOrder, msg.ID)
	}

	return &sess, msgs, rows.Err()
}

// SessionMeta summarizes a stored session for listings.
type SessionMeta struct {
	ID           string
	ConnectionID string
	Title        string
	UpdatedAt    time.Time
	MessageCount int
	Orphaned     bool
}

// ListSessions returns metadata for all live sessions, most recent first.
func (s *Store) ListSessions() ([]SessionMeta, error) {
	rows, err := s.db.Query(`
		SELECT s.id, s.connection_id, s.title, s.updated_at, s.orphaned,
		       (SELECT COUNT(*) FROM messages m WHERE m.session_id = s.id)
		FROM sessions s
		WHERE s.deleted_at IS NULL
		ORDER BY s.updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionMeta
	for rows.Next() {
		var meta SessionMeta
		var updated int64
		var orphaned int
		if err := rows.Scan(&meta.ID, &meta.ConnectionID, &meta.Title, &updated, &orphaned, &meta.MessageCount); err != nil {
			return nil, err
		}
		meta.UpdatedAt = time.Unix(0, updated)
		meta.Orphaned = orphaned != 0
		out = append(out, meta)
	}
	return out, rows.Err()
}

// TombstoneSession soft-deletes a session. It disappears from listings
// but the rows survive until a hard delete.
func (s *Store) TombstoneSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE sessions SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`,
		time.Now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("failed to tombstone session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// DeleteSession hard-deletes a session and all of its messages.
func (s *Store) DeleteSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	if _, err := tx.Exec(`DELETE FROM messages WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}

	return tx.Commit()
}

// =============================================================================
// HELPERS
// =============================================================================

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func parseState(s string) model.StreamState {
	switch s {
	case "pending":
		return model.StreamPending
	case "streaming":
		return model.Streaming
	case "complete":
		return model.StreamComplete
	case "failed":
		return model.StreamFailed
	default:
		return model.StreamFailed
	}
}
