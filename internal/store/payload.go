package store

import (
	"context"
	"database/sql"
)

// getPayload reads one payload row inside the batch transaction.
func getPayload(ctx context.Context, q querier, id string) (*Payload, error) {
	var (
		p                      Payload
		name, location, reason sql.NullString
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, size, kind, media_class, original_name, location, skip_reason
		FROM payloads WHERE id = ?`, id).
		Scan(&p.ID, &p.Size, &p.Kind, &p.MediaClass, &name, &location, &reason)
	if err != nil {
		return nil, err
	}
	p.OriginalName = stringPtr(name)
	p.Location = stringPtr(location)
	p.SkipReason = stringPtr(reason)
	return &p, nil
}
