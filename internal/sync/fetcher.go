package sync

import (
	"context"
	"fmt"
	"iter"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/histcache/internal/media"
	"github.com/matheus3301/histcache/internal/remote"
	"github.com/matheus3301/histcache/internal/store"
	"github.com/matheus3301/histcache/internal/timeline"
)

// FetchOptions bound one remote segment walk.
type FetchOptions struct {
	BatchSize int
	Policy    media.Policy
	// ForceDownload replaces attachment files that already exist on disk.
	ForceDownload bool
}

// Fetcher walks a remote segment oldest-first and commits what it sees in
// fixed-size batches.
type Fetcher struct {
	db         *store.DB
	downloader *media.Downloader
	logger     *zap.Logger
	// now bounds the coverage a walk may claim. Tests replace it.
	now func() time.Time
}

// NewFetcher creates a fetcher writing to db and downloading with downloader.
func NewFetcher(db *store.DB, downloader *media.Downloader, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{db: db, downloader: downloader, logger: logger, now: time.Now}
}

// Batches lists seg from src and yields each batch only after it has been
// committed. Records before seg.Start are ignored and the walk stops at the
// first record after seg.End. Any error aborts the batch in flight; batches
// already yielded stay committed.
func (f *Fetcher) Batches(ctx context.Context, src remote.Source, conversationID int64, seg timeline.Segment, opts FetchOptions) iter.Seq2[*store.Committed, error] {
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	return func(yield func(*store.Committed, error) bool) {
		pending := make([]store.PendingRecord, 0, batchSize)
		coveredFrom := seg.Start
		// Nothing after the listing started can have been seen, so a segment
		// reaching into the future is only covered up to here.
		coveredEnd := seg.End
		if listedAt := f.now(); listedAt.Before(coveredEnd) {
			coveredEnd = listedAt
		}

		commit := func(coveredTo time.Time) (*store.Committed, error) {
			covered := timeline.Range{Start: coveredFrom, End: coveredTo}
			// A started commit always runs to completion or rollback.
			c, err := f.db.CommitBatch(context.WithoutCancel(ctx), conversationID, pending, &covered)
			if err != nil {
				return nil, err
			}
			pending = pending[:0]
			if coveredTo.After(coveredFrom) {
				coveredFrom = coveredTo
			}
			return c, nil
		}

		list := src.Messages(ctx, conversationID, remote.ListOptions{OffsetDate: seg.Start, Reverse: true})
		for msg, err := range list {
			if err != nil {
				yield(nil, fmt.Errorf("list conversation %d: %w", conversationID, err))
				return
			}
			at := msg.Date.Truncate(time.Millisecond)
			if at.Before(seg.Start) {
				continue
			}
			if at.After(seg.End) {
				break
			}

			rec, err := f.record(ctx, src, msg, opts)
			if err != nil {
				yield(nil, err)
				return
			}
			pending = append(pending, rec)

			if len(pending) >= batchSize {
				// Records sharing the last timestamp may still follow, so
				// coverage stops just short of it.
				to := at.Add(-time.Millisecond)
				if coveredEnd.Before(to) {
					to = coveredEnd
				}
				c, err := commit(to)
				if err != nil {
					yield(nil, err)
					return
				}
				f.logCommit(c)
				if !yield(c, nil) {
					return
				}
			}
		}

		c, err := commit(coveredEnd)
		if err != nil {
			yield(nil, err)
			return
		}
		if c.Len() > 0 {
			f.logCommit(c)
			yield(c, nil)
		}
	}
}

func (f *Fetcher) record(ctx context.Context, src remote.Source, msg *remote.Message, opts FetchOptions) (store.PendingRecord, error) {
	if err := validate(msg); err != nil {
		return store.PendingRecord{}, err
	}
	sender, err := src.ResolveSender(ctx, msg)
	if err != nil {
		return store.PendingRecord{}, fmt.Errorf("resolve sender of record %d: %w", msg.ID, err)
	}
	rec := transform(msg, sender)

	if msg.Media != nil && !msg.Media.WebPage {
		res, err := f.downloader.Fetch(ctx, src, msg, opts.Policy, opts.ForceDownload)
		if err != nil {
			return store.PendingRecord{}, fmt.Errorf("attachment of record %d: %w", msg.ID, err)
		}
		if res.Status == media.StatusFailed {
			f.logger.Warn("attachment download failed",
				zap.Int64("conversation", msg.ConversationID),
				zap.Int64("msg_id", msg.ID),
				zap.String("detail", res.Detail),
			)
		}
		rec.Payload = pendingPayload(msg.Media, res)
	}
	return rec, nil
}

func (f *Fetcher) logCommit(c *store.Committed) {
	entries := c.Entries()
	fields := []zap.Field{
		zap.Int64("conversation", c.ConversationID()),
		zap.Int("count", len(entries)),
		zap.Time("last", entries[len(entries)-1].Timestamp),
	}
	if cov := c.Covered(); cov != nil {
		fields = append(fields, zap.Stringer("covered", cov))
	}
	f.logger.Info("batch committed", fields...)
}
