package sync

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/matheus3301/histcache/internal/store"
	"github.com/matheus3301/histcache/internal/timeline"
)

// ErrCacheRead wraps storage errors hit while serving a cache segment.
var ErrCacheRead = errors.New("cache read failed")

// Reader serves cache segments from the store.
type Reader struct {
	db *store.DB
}

// NewReader creates a reader over db.
func NewReader(db *store.DB) *Reader {
	return &Reader{db: db}
}

// Batches yields the cached records of seg in ascending order, at most
// batchSize per batch.
func (r *Reader) Batches(ctx context.Context, conversationID int64, seg timeline.Segment, batchSize int) iter.Seq2[[]store.Entry, error] {
	return func(yield func([]store.Entry, error) bool) {
		for batch, err := range r.db.ReadRange(ctx, conversationID, seg.Range, batchSize) {
			if err != nil {
				yield(nil, fmt.Errorf("%w: conversation %d %s: %w", ErrCacheRead, conversationID, seg.Range, err))
				return
			}
			if !yield(batch, nil) {
				return
			}
		}
	}
}
