package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// UpsertSession creates a session row on first sight of session_id, or
// refreshes name/cwd/tmux_pane/last_seen_at on subsequent events.
func (s *Store) UpsertSession(sessionID, name, cwd, tmuxPane string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.Exec(`
		INSERT INTO sessions (session_id, name, cwd, tmux_pane, status, created_at, last_seen_at)
		VALUES (?, ?, ?, ?, 'active', ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			name = excluded.name,
			cwd = excluded.cwd,
			tmux_pane = excluded.tmux_pane,
			last_seen_at = excluded.last_seen_at
	`, sessionID, name, cwd, nullableString(tmuxPane), now, now)
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", sessionID, err)
	}
	return nil
}

// EndSession marks a session as ended. It never deletes the row.
func (s *Store) EndSession(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE sessions SET status = 'ended' WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("end session %s: %w", sessionID, err)
	}
	return nil
}

// GetSession looks up a single session by id.
func (s *Store) GetSession(sessionID string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT session_id, name, cwd, tmux_pane, status, created_at, last_seen_at
		FROM sessions WHERE session_id = ?
	`, sessionID)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	return sess, nil
}

// FindSessionByName returns the most recently seen session with the given
// name, or nil if none exists.
func (s *Store) FindSessionByName(name string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT session_id, name, cwd, tmux_pane, status, created_at, last_seen_at
		FROM sessions WHERE name = ? ORDER BY last_seen_at DESC LIMIT 1
	`, name)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find session by name %s: %w", name, err)
	}
	return sess, nil
}

// ListSessions returns sessions ordered by most-recently-seen first.
// If activeOnly is true, ended sessions are excluded.
func (s *Store) ListSessions(activeOnly bool) ([]Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT session_id, name, cwd, tmux_pane, status, created_at, last_seen_at FROM sessions`
	if activeOnly {
		query += ` WHERE status = 'active'`
	}
	query += ` ORDER BY last_seen_at DESC`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		sess        Session
		tmuxPane    sql.NullString
		createdAt   string
		lastSeenAt  string
		statusValue string
	)
	if err := row.Scan(&sess.SessionID, &sess.Name, &sess.Cwd, &tmuxPane, &statusValue, &createdAt, &lastSeenAt); err != nil {
		return nil, err
	}
	sess.TmuxPane = tmuxPane.String
	sess.Status = SessionStatus(statusValue)
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		sess.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, lastSeenAt); err == nil {
		sess.LastSeenAt = t
	}
	return &sess, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
