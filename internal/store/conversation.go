package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UpsertConversation records a conversation. An empty title keeps the stored one.
func (db *DB) UpsertConversation(ctx context.Context, id int64, title string) error {
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx, `
		INSERT INTO conversations (id, title, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = CASE WHEN excluded.title = '' THEN conversations.title ELSE excluded.title END,
			updated_at = excluded.updated_at`,
		id, title, now, now)
	if err != nil {
		return fmt.Errorf("upsert conversation %d: %w", id, err)
	}
	return nil
}

const conversationQuery = `
	SELECT c.id, c.title, c.updated_at,
		COUNT(m.id), COALESCE(MIN(m.timestamp), 0), COALESCE(MAX(m.timestamp), 0)
	FROM conversations c
	LEFT JOIN messages m ON m.conversation_id = c.id`

// ListConversations returns every known conversation, most recently synced first.
func (db *DB) ListConversations(ctx context.Context) ([]Conversation, error) {
	rows, err := db.QueryContext(ctx, conversationQuery+`
		GROUP BY c.id
		ORDER BY c.updated_at DESC, c.id`)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetConversation returns a single conversation, or nil if unknown.
func (db *DB) GetConversation(ctx context.Context, id int64) (*Conversation, error) {
	rows, err := db.QueryContext(ctx, conversationQuery+`
		WHERE c.id = ?
		GROUP BY c.id`, id)
	if err != nil {
		return nil, fmt.Errorf("get conversation %d: %w", id, err)
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, nil
	}
	c, err := scanConversation(rows)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func scanConversation(rows *sql.Rows) (Conversation, error) {
	var (
		c                       Conversation
		updated, first, lastMsg int64
	)
	if err := rows.Scan(&c.ID, &c.Title, &updated, &c.Messages, &first, &lastMsg); err != nil {
		return Conversation{}, err
	}
	c.UpdatedAt = fromMillis(updated)
	if c.Messages > 0 {
		c.First = fromMillis(first)
		c.Last = fromMillis(lastMsg)
	}
	return c, nil
}

// Stats counts conversations, records and payloads.
func (db *DB) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM conversations),
			(SELECT COUNT(*) FROM messages),
			(SELECT COUNT(*) FROM payloads),
			(SELECT COUNT(*) FROM payloads WHERE location IS NOT NULL)`).
		Scan(&s.Conversations, &s.Messages, &s.Payloads, &s.Downloaded)
	if errors.Is(err, sql.ErrNoRows) {
		return s, nil
	}
	if err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	return s, nil
}
