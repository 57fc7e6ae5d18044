package store

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using an embedded SQLite database.
// modernc.org/sqlite is pure Go, so no CGO.
type SQLiteStore struct {
	db *sql.DB
	mu sync.RWMutex // serializes writes (SQLite is single-writer)
}

// NewSQLiteStore opens or creates the registry database at dataDir/hq.db
// and runs schema migrations.
func NewSQLiteStore(dataDir string) (*SQLiteStore, error) {
	dbPath := filepath.Join(dataDir, "hq.db")
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}

	// Single connection for writes to avoid SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating sqlite: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS remotes (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			url TEXT NOT NULL,
			token TEXT NOT NULL,
			registered_at INTEGER NOT NULL,
			last_seen_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS remote_sessions (
			session_id TEXT PRIMARY KEY,
			remote_id TEXT NOT NULL,
			added_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_remote_sessions_remote ON remote_sessions(remote_id)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}
	return nil
}

// --- Remotes ---

func (s *SQLiteStore) UpsertRemote(_ context.Context, r Remote) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO remotes (id, name, url, token, registered_at, last_seen_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   name = excluded.name, url = excluded.url, token = excluded.token,
		   last_seen_at = excluded.last_seen_at`,
		r.ID, r.Name, r.URL, r.Token, r.RegisteredAt.Unix(), r.LastSeenAt.Unix(),
	)
	return err
}

func (s *SQLiteStore) GetRemote(_ context.Context, id string) (*Remote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(
		"SELECT id, name, url, token, registered_at, last_seen_at FROM remotes WHERE id = ?", id,
	)
	r, err := scanRemote(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *SQLiteStore) ListRemotes(_ context.Context) ([]Remote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		"SELECT id, name, url, token, registered_at, last_seen_at FROM remotes ORDER BY name",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var remotes []Remote
	for rows.Next() {
		r, err := scanRemote(rows)
		if err != nil {
			return nil, err
		}
		remotes = append(remotes, *r)
	}
	return remotes, rows.Err()
}

func (s *SQLiteStore) DeleteRemote(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec("DELETE FROM remote_sessions WHERE remote_id = ?", id); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM remotes WHERE id = ?", id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) TouchRemote(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"UPDATE remotes SET last_seen_at = ? WHERE id = ?", time.Now().UTC().Unix(), id,
	)
	return err
}

// --- Remote sessions ---

func (s *SQLiteStore) AddRemoteSession(_ context.Context, sessionID, remoteID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO remote_sessions (session_id, remote_id, added_at) VALUES (?, ?, ?)
		 ON CONFLICT (session_id) DO UPDATE SET remote_id = excluded.remote_id`,
		sessionID, remoteID, time.Now().UTC().Unix(),
	)
	return err
}

func (s *SQLiteStore) RemoveRemoteSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM remote_sessions WHERE session_id = ?", sessionID)
	return err
}

func (s *SQLiteStore) ListRemoteSessions(_ context.Context) ([]RemoteSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT session_id, remote_id, added_at FROM remote_sessions")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []RemoteSession
	for rows.Next() {
		var rs RemoteSession
		var added int64
		if err := rows.Scan(&rs.SessionID, &rs.RemoteID, &added); err != nil {
			return nil, err
		}
		rs.AddedAt = time.Unix(added, 0).UTC()
		sessions = append(sessions, rs)
	}
	return sessions, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRemote(row rowScanner) (*Remote, error) {
	var r Remote
	var registered, lastSeen int64
	if err := row.Scan(&r.ID, &r.Name, &r.URL, &r.Token, &registered, &lastSeen); err != nil {
		return nil, err
	}
	r.RegisteredAt = time.Unix(registered, 0).UTC()
	r.LastSeenAt = time.Unix(lastSeen, 0).UTC()
	return &r, nil
}
