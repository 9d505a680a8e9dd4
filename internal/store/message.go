package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/matheus3301/histcache/internal/timeline"
)

// CommitBatch upserts records, their senders and payloads, and merges covered
// into the conversation's coverage set, all in one transaction. Existing
// payload ids are reused and a stored location is never cleared. On any error
// nothing from the batch is visible.
func (db *DB) CommitBatch(ctx context.Context, conversationID int64, records []PendingRecord, covered *timeline.Range) (*Committed, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (id, created_at, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at`,
		conversationID, now, now); err != nil {
		return nil, fmt.Errorf("touch conversation %d: %w", conversationID, err)
	}

	entries := make([]Entry, 0, len(records))
	for i := range records {
		entry, err := upsertRecord(ctx, tx, conversationID, &records[i], now)
		if err != nil {
			return nil, fmt.Errorf("upsert message %d: %w", records[i].Message.MsgID, err)
		}
		entries = append(entries, entry)
	}

	var recorded *timeline.Range
	if covered != nil && covered.Start.UnixMilli() < covered.End.UnixMilli() {
		if err := mergeCoverage(ctx, tx, conversationID, *covered); err != nil {
			return nil, fmt.Errorf("merge coverage: %w", err)
		}
		r := *covered
		recorded = &r
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit batch: %w", err)
	}
	return &Committed{conversationID: conversationID, entries: entries, covered: recorded}, nil
}

func upsertRecord(ctx context.Context, tx *sql.Tx, conversationID int64, rec *PendingRecord, now int64) (Entry, error) {
	m := rec.Message
	m.ConversationID = conversationID
	entry := Entry{Message: m}

	if rec.Sender != nil && rec.Sender.ID != 0 {
		s := *rec.Sender
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO senders (id, first_name, last_name, username, is_user, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				first_name = excluded.first_name,
				last_name = excluded.last_name,
				username = excluded.username,
				is_user = excluded.is_user,
				updated_at = excluded.updated_at`,
			s.ID, s.FirstName, s.LastName, s.Username, s.IsUser, now); err != nil {
			return Entry{}, fmt.Errorf("upsert sender %d: %w", s.ID, err)
		}
		entry.Sender = &s
	}

	var payloadID sql.NullString
	if rec.Payload != nil {
		p, err := upsertPayload(ctx, tx, conversationID, m.MsgID, rec.Payload, now)
		if err != nil {
			return Entry{}, err
		}
		entry.Payload = p
		payloadID = sql.NullString{String: p.ID, Valid: true}
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, msg_id, timestamp, edit_timestamp, sender_id, body,
			reply_to_id, forward_from_id, forwarded, post_author, payload_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, msg_id) DO UPDATE SET
			timestamp = excluded.timestamp,
			edit_timestamp = excluded.edit_timestamp,
			sender_id = excluded.sender_id,
			body = excluded.body,
			reply_to_id = excluded.reply_to_id,
			forward_from_id = excluded.forward_from_id,
			forwarded = excluded.forwarded,
			post_author = excluded.post_author,
			payload_id = COALESCE(excluded.payload_id, messages.payload_id),
			updated_at = excluded.updated_at`,
		conversationID, m.MsgID, m.Timestamp.UnixMilli(), nullMillis(m.EditTimestamp), m.SenderID, m.Body,
		nullInt(m.ReplyToID), nullInt(m.ForwardFromID), m.Forwarded, m.PostAuthor, payloadID, now, now)
	if err != nil {
		return Entry{}, err
	}
	return entry, nil
}

func upsertPayload(ctx context.Context, tx *sql.Tx, conversationID, msgID int64, p *PendingPayload, now int64) (*Payload, error) {
	var existing sql.NullString
	err := tx.QueryRowContext(ctx,
		`SELECT payload_id FROM messages WHERE conversation_id = ? AND msg_id = ?`,
		conversationID, msgID).Scan(&existing)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("lookup payload: %w", err)
	}

	name, loc, reason := nullString(p.OriginalName), nullString(p.Location), nullString(p.SkipReason)

	id := existing.String
	updated := int64(0)
	if existing.Valid {
		res, err := tx.ExecContext(ctx, `
			UPDATE payloads SET
				size = ?,
				kind = ?,
				media_class = ?,
				original_name = COALESCE(?, original_name),
				skip_reason = CASE WHEN COALESCE(?, location) IS NULL THEN ? ELSE NULL END,
				location = COALESCE(?, location),
				updated_at = ?
			WHERE id = ?`,
			p.Size, p.Kind, p.MediaClass, name, loc, reason, loc, now, id)
		if err != nil {
			return nil, fmt.Errorf("update payload %s: %w", id, err)
		}
		updated, _ = res.RowsAffected()
	} else {
		id = uuid.NewString()
	}

	if updated == 0 {
		if loc.Valid {
			reason = sql.NullString{}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO payloads (id, size, kind, media_class, original_name, location, skip_reason, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, p.Size, p.Kind, p.MediaClass, name, loc, reason, now, now); err != nil {
			return nil, fmt.Errorf("insert payload: %w", err)
		}
	}
	return getPayload(ctx, tx, id)
}

func mergeCoverage(ctx context.Context, tx *sql.Tx, conversationID int64, covered timeline.Range) error {
	current, err := readCoverage(ctx, tx, conversationID)
	if err != nil {
		return err
	}
	merged := timeline.Merge(append(current, covered))
	if _, err := tx.ExecContext(ctx, `DELETE FROM coverage WHERE conversation_id = ?`, conversationID); err != nil {
		return err
	}
	for _, r := range merged {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO coverage (conversation_id, start_ts, end_ts) VALUES (?, ?, ?)`,
			conversationID, r.Start.UnixMilli(), r.End.UnixMilli()); err != nil {
			return err
		}
	}
	return nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func readCoverage(ctx context.Context, q querier, conversationID int64) ([]timeline.Range, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT start_ts, end_ts FROM coverage WHERE conversation_id = ? ORDER BY start_ts`, conversationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []timeline.Range
	for rows.Next() {
		var start, end int64
		if err := rows.Scan(&start, &end); err != nil {
			return nil, err
		}
		out = append(out, timeline.Range{Start: fromMillis(start), End: fromMillis(end)})
	}
	return out, rows.Err()
}

// Coverage returns the persisted, merged coverage intervals of a conversation.
func (db *DB) Coverage(ctx context.Context, conversationID int64) ([]timeline.Range, error) {
	return readCoverage(ctx, db.DB, conversationID)
}

// CachedSpan returns [min(timestamp), max(timestamp)] over a conversation's
// cached records, or nil when nothing is cached. With a single record the span
// is degenerate (Start == End).
func (db *DB) CachedSpan(ctx context.Context, conversationID int64) (*timeline.Range, error) {
	var lo, hi sql.NullInt64
	err := db.QueryRowContext(ctx,
		`SELECT MIN(timestamp), MAX(timestamp) FROM messages WHERE conversation_id = ?`,
		conversationID).Scan(&lo, &hi)
	if err != nil {
		return nil, fmt.Errorf("cached span: %w", err)
	}
	if !lo.Valid {
		return nil, nil
	}
	return &timeline.Range{Start: fromMillis(lo.Int64), End: fromMillis(hi.Int64)}, nil
}

// CountMessages returns how many records are cached for a conversation.
func (db *DB) CountMessages(ctx context.Context, conversationID int64) (int64, error) {
	var n int64
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&n)
	return n, err
}

const entryQuery = `
	SELECT m.conversation_id, m.msg_id, m.timestamp, m.edit_timestamp, m.sender_id, m.body,
		m.reply_to_id, m.forward_from_id, m.forwarded, m.post_author,
		s.id, s.first_name, s.last_name, s.username, s.is_user,
		p.id, p.size, p.kind, p.media_class, p.original_name, p.location, p.skip_reason
	FROM messages m
	LEFT JOIN senders s ON s.id = m.sender_id
	LEFT JOIN payloads p ON p.id = m.payload_id`

// ReadRange lazily reads a conversation's records with timestamps inside r,
// ascending by (timestamp, msg_id), in batches of at most batchSize. Pages are
// fetched by keyset so no cursor is held open while the caller consumes a batch.
func (db *DB) ReadRange(ctx context.Context, conversationID int64, r timeline.Range, batchSize int) iter.Seq2[[]Entry, error] {
	if batchSize <= 0 {
		batchSize = 100
	}
	return func(yield func([]Entry, error) bool) {
		lastTs, lastID := r.Start.UnixMilli(), int64(math.MinInt64)
		endTs := r.End.UnixMilli()
		for {
			batch, err := db.readPage(ctx, conversationID, lastTs, lastID, endTs, batchSize)
			if err != nil {
				yield(nil, err)
				return
			}
			if len(batch) == 0 {
				return
			}
			last := batch[len(batch)-1]
			lastTs, lastID = last.Timestamp.UnixMilli(), last.MsgID
			if !yield(batch, nil) {
				return
			}
			if len(batch) < batchSize {
				return
			}
		}
	}
}

func (db *DB) readPage(ctx context.Context, conversationID, afterTs, afterID, endTs int64, limit int) ([]Entry, error) {
	rows, err := db.QueryContext(ctx, entryQuery+`
		WHERE m.conversation_id = ? AND m.timestamp <= ?
			AND (m.timestamp > ? OR (m.timestamp = ? AND m.msg_id > ?))
		ORDER BY m.timestamp, m.msg_id
		LIMIT ?`,
		conversationID, endTs, afterTs, afterTs, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("read range: %w", err)
	}
	defer func() { _ = rows.Close() }()

	batch := make([]Entry, 0, limit)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		batch = append(batch, e)
	}
	return batch, rows.Err()
}

func scanEntry(rows *sql.Rows) (Entry, error) {
	var (
		e                          Entry
		ts                         int64
		editTs, replyTo, forwardID sql.NullInt64
		senderID                   sql.NullInt64
		first, last, username      sql.NullString
		isUser                     sql.NullBool
		payloadID, kind, class     sql.NullString
		size                       sql.NullInt64
		name, location, reason     sql.NullString
	)
	err := rows.Scan(
		&e.ConversationID, &e.MsgID, &ts, &editTs, &e.SenderID, &e.Body,
		&replyTo, &forwardID, &e.Forwarded, &e.PostAuthor,
		&senderID, &first, &last, &username, &isUser,
		&payloadID, &size, &kind, &class, &name, &location, &reason,
	)
	if err != nil {
		return Entry{}, err
	}
	e.Timestamp = fromMillis(ts)
	e.EditTimestamp = millisPtr(editTs)
	e.ReplyToID = intPtr(replyTo)
	e.ForwardFromID = intPtr(forwardID)
	if senderID.Valid {
		e.Sender = &Sender{
			ID:        senderID.Int64,
			FirstName: first.String,
			LastName:  last.String,
			Username:  username.String,
			IsUser:    isUser.Bool,
		}
	}
	if payloadID.Valid {
		e.Payload = &Payload{
			ID:           payloadID.String,
			Size:         size.Int64,
			Kind:         kind.String,
			MediaClass:   class.String,
			OriginalName: stringPtr(name),
			Location:     stringPtr(location),
			SkipReason:   stringPtr(reason),
		}
	}
	return e, nil
}

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func millisPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func intPtr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	return &v.Int64
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	return &v.String
}
