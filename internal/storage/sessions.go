package storage

import (
	"context"
	"database/sql"
	"errors"
)

// ClearSession deletes a session's messages and summary row. Clearing an
// unknown session is not an error.
func (s *Store) ClearSession(ctx context.Context, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap("clear session", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return wrap("clear session", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID); err != nil {
		return wrap("clear session", err)
	}
	return wrap("clear session", tx.Commit())
}

// MostRecentSession returns the id of the session with the latest activity.
// ok is false when no session exists.
func (s *Store) MostRecentSession(ctx context.Context) (id string, ok bool, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT session_id FROM sessions
		ORDER BY last_activity DESC, rowid DESC LIMIT 1`,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrap("most recent session", err)
	}
	return id, true, nil
}

// GetSession returns the summary of one session, or ErrNotFound.
func (s *Store) GetSession(ctx context.Context, id string) (Session, error) {
	var sess Session
	var createdAt, lastActivity string
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, created_at, last_activity, message_count
		FROM sessions WHERE session_id = ?`, id,
	).Scan(&sess.ID, &createdAt, &lastActivity, &sess.MessageCount)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, wrap("get session", err)
	}
	if sess.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return Session{}, wrap("get session", err)
	}
	if sess.LastActivity, err = parseTime("last_activity", lastActivity); err != nil {
		return Session{}, wrap("get session", err)
	}
	return sess, nil
}

// ListSessions returns sessions ordered by last activity, newest first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, created_at, last_activity, message_count
		FROM sessions ORDER BY last_activity DESC, rowid DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, wrap("list sessions", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		var createdAt, lastActivity string
		if err := rows.Scan(&sess.ID, &createdAt, &lastActivity, &sess.MessageCount); err != nil {
			return nil, wrap("list sessions", err)
		}
		if sess.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
			return nil, wrap("list sessions", err)
		}
		if sess.LastActivity, err = parseTime("last_activity", lastActivity); err != nil {
			return nil, wrap("list sessions", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("list sessions", err)
	}
	return out, nil
}
