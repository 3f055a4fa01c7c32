package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// DefaultHistoryLimit is used by LoadMessages when limit is not positive.
const DefaultHistoryLimit = 100

// AppendMessage inserts a message and refreshes the session summary in one
// transaction. The session row is created on the first message.
func (s *Store) AppendMessage(ctx context.Context, sessionID string, role Role, content string, citations []Citation) (Message, error) {
	if !role.Valid() {
		return Message{}, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	if role == RoleUser && len(citations) > 0 {
		return Message{}, ErrCitationsOnUserMessage
	}

	var citationsJSON sql.NullString
	if len(citations) > 0 {
		b, err := json.Marshal(citations)
		if err != nil {
			return Message{}, fmt.Errorf("encoding citations: %w", err)
		}
		citationsJSON = sql.NullString{String: string(b), Valid: true}
	}

	now := s.now()
	ts := formatTime(now)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, wrap("append message", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO messages (session_id, role, content, citations, timestamp)
		VALUES (?, ?, ?, ?, ?)`,
		sessionID, string(role), content, citationsJSON, ts,
	)
	if err != nil {
		return Message{}, wrap("append message", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Message{}, wrap("append message", err)
	}

	if err := touchSession(ctx, tx, sessionID, ts); err != nil {
		return Message{}, wrap("append message", err)
	}

	if err := tx.Commit(); err != nil {
		return Message{}, wrap("append message", err)
	}

	return Message{
		ID:        id,
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Citations: cloneCitations(citations),
		CreatedAt: now,
	}, nil
}

// touchSession creates the session row if needed, then bumps its activity and count.
func touchSession(ctx context.Context, tx *sql.Tx, sessionID, ts string) error {
	var existing string
	err := tx.QueryRowContext(ctx, `SELECT session_id FROM sessions WHERE session_id = ?`, sessionID).Scan(&existing)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (session_id, created_at, last_activity, message_count)
			VALUES (?, ?, ?, 0)`, sessionID, ts, ts); err != nil {
			return fmt.Errorf("creating session: %w", err)
		}
	case err != nil:
		return fmt.Errorf("looking up session: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE sessions SET last_activity = ?, message_count = message_count + 1
		WHERE session_id = ?`, ts, sessionID); err != nil {
		return fmt.Errorf("updating session: %w", err)
	}
	return nil
}

// LoadMessages returns the most recent limit messages of a session in
// ascending order. A non-positive limit means DefaultHistoryLimit.
func (s *Store) LoadMessages(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, citations, timestamp FROM (
			SELECT id, session_id, role, content, citations, timestamp
			FROM messages WHERE session_id = ?
			ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`, sessionID, limit,
	)
	if err != nil {
		return nil, wrap("load messages", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		var role, ts string
		var citationsJSON sql.NullString
		if err := rows.Scan(&m.ID, &m.SessionID, &role, &m.Content, &citationsJSON, &ts); err != nil {
			return nil, wrap("load messages", err)
		}
		m.Role = Role(role)
		if m.CreatedAt, err = parseTime("timestamp", ts); err != nil {
			return nil, wrap("load messages", err)
		}
		if citationsJSON.Valid && citationsJSON.String != "" {
			if err := json.Unmarshal([]byte(citationsJSON.String), &m.Citations); err != nil {
				return nil, wrap("load messages", fmt.Errorf("decoding citations of message %d: %w", m.ID, err))
			}
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("load messages", err)
	}
	return msgs, nil
}

func cloneCitations(c []Citation) []Citation {
	if len(c) == 0 {
		return nil
	}
	out := make([]Citation, len(c))
	copy(out, c)
	return out
}
