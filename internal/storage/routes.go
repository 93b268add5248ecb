package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// ReplyRoute maps a sent chat message back to the session that should
// receive a future reply to it.
type ReplyRoute struct {
	TelegramMessageID int64
	SessionID         string
	TmuxPane          string
}

// DefaultRoute is the single "currently selected" session, settable via
// the /switch command, used when a reply cannot be matched to a specific
// message.
type DefaultRoute struct {
	SessionID   string
	SessionName string
	TmuxPane    string
}

// InsertReplyRoute records that a reply to messageID should route to
// sessionID. A no-op if tmuxPane is empty, matching the rule that routes
// are only useful once a pane handle exists.
func (s *Store) InsertReplyRoute(messageID int64, sessionID, tmuxPane string) error {
	if tmuxPane == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO reply_routes (telegram_message_id, session_id, tmux_pane, created_at)
		VALUES (?, ?, ?, ?)
	`, messageID, sessionID, tmuxPane, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert reply route for message %d: %w", messageID, err)
	}
	return nil
}

// LookupReplyRoute finds the route registered for a message id, if any.
func (s *Store) LookupReplyRoute(messageID int64) (*ReplyRoute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		route    ReplyRoute
		tmuxPane sql.NullString
	)
	err := s.db.QueryRow(`
		SELECT telegram_message_id, session_id, tmux_pane FROM reply_routes WHERE telegram_message_id = ?
	`, messageID).Scan(&route.TelegramMessageID, &route.SessionID, &tmuxPane)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup reply route for message %d: %w", messageID, err)
	}
	route.TmuxPane = tmuxPane.String
	return &route, nil
}

// SetDefaultRoute records the "current" session used for unmatched replies.
func (s *Store) SetDefaultRoute(sessionID, sessionName, tmuxPane string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO default_route (id, session_id, session_name, tmux_pane, updated_at)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			session_id = excluded.session_id,
			session_name = excluded.session_name,
			tmux_pane = excluded.tmux_pane,
			updated_at = excluded.updated_at
	`, sessionID, sessionName, nullableString(tmuxPane), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("set default route: %w", err)
	}
	return nil
}

// GetDefaultRoute returns the current default session, or nil if none has
// been set yet.
func (s *Store) GetDefaultRoute() (*DefaultRoute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		route    DefaultRoute
		tmuxPane sql.NullString
	)
	err := s.db.QueryRow(`
		SELECT session_id, session_name, tmux_pane FROM default_route WHERE id = 1
	`).Scan(&route.SessionID, &route.SessionName, &tmuxPane)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get default route: %w", err)
	}
	route.TmuxPane = tmuxPane.String
	return &route, nil
}
