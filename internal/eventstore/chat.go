package eventstore

import (
	"context"
	"time"
)

// ChatEntry is one handled chat message and whether a reply was produced.
type ChatEntry struct {
	ID        int64
	SessionID string
	Message   string
	Success   bool
	LatencyMS int64
	CreatedAt time.Time
}

// AppendChat records a chat message in the history table.
func (s *Store) AppendChat(ctx context.Context, entry ChatEntry) error {
	if s.db == nil {
		return nil
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_history(session_id, message, success, latency_ms, created_at)
		 VALUES(?, ?, ?, ?, ?)`,
		entry.SessionID, entry.Message, entry.Success, entry.LatencyMS, entry.CreatedAt)
	return err
}

// ListChatHistory returns up to limit entries, newest first.
func (s *Store) ListChatHistory(ctx context.Context, limit int) ([]ChatEntry, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, message, success, latency_ms, created_at
		 FROM chat_history ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []ChatEntry
	for rows.Next() {
		var e ChatEntry
		var created string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Message, &e.Success, &e.LatencyMS, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = parseTimestamp(created)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
