package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/codelatch/codelatchd/internal/apperrors"
)

// InsertPending creates a new pending request row in the waiting state.
// Fails if request_id already exists so that a replayed hook envelope
// (e.g. a retried connection) never creates a second row for the same id.
func (s *Store) InsertPending(req PendingRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO pending_requests
			(request_id, session_id, session_name, tmux_pane, hook_event_name, kind, state, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, 'waiting', ?, ?)
	`,
		req.RequestID, req.SessionID, req.SessionName, nullableString(req.TmuxPane),
		req.HookEventName, string(req.Kind),
		req.CreatedAt.UTC().Format(time.RFC3339Nano),
		req.ExpiresAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert pending request %s: %w", req.RequestID, err)
	}
	return nil
}

// SetTelegramMessageID records the outbound message id on a pending row so
// later edits and reply-routing can find it.
func (s *Store) SetTelegramMessageID(requestID string, messageID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`UPDATE pending_requests SET telegram_message_id = ? WHERE request_id = ?`,
		messageID, requestID,
	)
	if err != nil {
		return fmt.Errorf("set telegram message id for %s: %w", requestID, err)
	}
	return nil
}

// TransitionPending attempts the sole state-changing operation in the
// system: a conditional update from a specific `from` state to `to`. It
// returns true if the row was updated, false if the row was already past
// `from` (already resolved by a concurrent winner) or does not exist.
func (s *Store) TransitionPending(requestID string, from, to RequestState, responsePayload string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE pending_requests
		SET state = ?, response_payload = ?
		WHERE request_id = ? AND state = ?
	`, string(to), responsePayload, requestID, string(from))
	if err != nil {
		return false, fmt.Errorf("transition pending request %s: %w", requestID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected for %s: %w", requestID, err)
	}
	return n > 0, nil
}

// GetPending looks up a pending request by id.
func (s *Store) GetPending(requestID string) (*PendingRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT request_id, session_id, session_name, tmux_pane, hook_event_name, kind,
		       state, telegram_message_id, response_payload, created_at, expires_at
		FROM pending_requests WHERE request_id = ?
	`, requestID)
	req, err := scanPending(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pending request %s: %w", requestID, err)
	}
	return req, nil
}

// GetPendingByMessageID finds the pending request whose outbound chat
// message carries the given id, used to resolve button taps.
func (s *Store) GetPendingByMessageID(messageID int64) (*PendingRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT request_id, session_id, session_name, tmux_pane, hook_event_name, kind,
		       state, telegram_message_id, response_payload, created_at, expires_at
		FROM pending_requests WHERE telegram_message_id = ?
	`, messageID)
	req, err := scanPending(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("pending_request", fmt.Sprintf("message:%d", messageID))
	}
	if err != nil {
		return nil, fmt.Errorf("get pending request by message %d: %w", messageID, err)
	}
	return req, nil
}

// LoadWaitingOnStartup returns every pending request still in the waiting
// state, for fail-safe recovery after a restart.
func (s *Store) LoadWaitingOnStartup() ([]PendingRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT request_id, session_id, session_name, tmux_pane, hook_event_name, kind,
		       state, telegram_message_id, response_payload, created_at, expires_at
		FROM pending_requests WHERE state = 'waiting'
	`)
	if err != nil {
		return nil, fmt.Errorf("load waiting pending requests: %w", err)
	}
	defer rows.Close()

	var out []PendingRequest
	for rows.Next() {
		req, err := scanPending(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending row: %w", err)
		}
		out = append(out, *req)
	}
	return out, rows.Err()
}

func scanPending(row rowScanner) (*PendingRequest, error) {
	var (
		req             PendingRequest
		tmuxPane        sql.NullString
		kind            string
		state           string
		telegramMessage sql.NullInt64
		createdAt       string
		expiresAt       string
	)
	if err := row.Scan(
		&req.RequestID, &req.SessionID, &req.SessionName, &tmuxPane, &req.HookEventName,
		&kind, &state, &telegramMessage, &req.ResponsePayload, &createdAt, &expiresAt,
	); err != nil {
		return nil, err
	}
	req.TmuxPane = tmuxPane.String
	req.Kind = RequestKind(kind)
	req.State = RequestState(state)
	req.TelegramMessageID = telegramMessage.Int64
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		req.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, expiresAt); err == nil {
		req.ExpiresAt = t
	}
	return &req, nil
}
