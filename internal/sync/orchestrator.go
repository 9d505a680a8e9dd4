// Package sync serves history requests by combining the local cache with
// incremental fetches from the remote source.
package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/histcache/internal/bus"
	"github.com/matheus3301/histcache/internal/lock"
	"github.com/matheus3301/histcache/internal/media"
	"github.com/matheus3301/histcache/internal/remote"
	"github.com/matheus3301/histcache/internal/status"
	"github.com/matheus3301/histcache/internal/store"
	"github.com/matheus3301/histcache/internal/timeline"
)

// Sources hands out the remote source of an account.
type Sources interface {
	Acquire(ctx context.Context, account string) (remote.Source, func(), error)
}

// Request asks for a conversation's history over a window.
type Request struct {
	Account        string
	ConversationID int64
	Range          timeline.Range
	// ChunkSize is the number of items per yielded chunk; zero yields
	// everything as a single chunk.
	ChunkSize    int
	ForceRefresh bool
	Repair       bool
}

func (r Request) validate() error {
	if r.ConversationID == 0 {
		return errors.New("conversation id is required")
	}
	if _, err := timeline.NewRange(r.Range.Start, r.Range.End); err != nil {
		return err
	}
	if r.ChunkSize < 0 {
		return fmt.Errorf("chunk size %d is negative", r.ChunkSize)
	}
	return nil
}

// BatchCommitted is the payload of sync.batch_committed events.
type BatchCommitted struct {
	SyncID         string
	ConversationID int64
	Count          int
	Last           time.Time
}

// RateLimited is the payload of sync.rate_limited events.
type RateLimited struct {
	SyncID         string
	ConversationID int64
	Wait           time.Duration
}

// Orchestrator runs syncs. At most one sync per conversation runs at a time.
type Orchestrator struct {
	db      *store.DB
	sources Sources
	reader  *Reader
	fetcher *Fetcher
	locks   *lock.Keyed
	tracker *status.Tracker
	bus     *bus.Bus
	options func() Options
	logger  *zap.Logger
}

// NewOrchestrator wires an orchestrator. options is read at the start of every
// sync so reloaded settings apply to the next request; nil means defaults.
func NewOrchestrator(db *store.DB, sources Sources, downloader *media.Downloader, locks *lock.Keyed, tracker *status.Tracker, b *bus.Bus, options func() Options, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if options == nil {
		options = DefaultOptions
	}
	if locks == nil {
		locks = lock.NewKeyed()
	}
	if tracker == nil {
		tracker = status.NewTracker(b)
	}
	return &Orchestrator{
		db:      db,
		sources: sources,
		reader:  NewReader(db),
		fetcher: NewFetcher(db, downloader, logger),
		locks:   locks,
		tracker: tracker,
		bus:     b,
		options: options,
		logger:  logger,
	}
}

// Chunks runs one sync and yields caller-sized chunks of items in
// non-decreasing timestamp order. Stopping the iteration stops all further
// remote calls.
func (o *Orchestrator) Chunks(ctx context.Context, req Request) iter.Seq2[[]Item, error] {
	return func(yield func([]Item, error) bool) {
		if err := req.validate(); err != nil {
			yield(nil, err)
			return
		}
		opts := o.options().normalized()
		repair := req.Repair || opts.Repair

		m := o.tracker.Start(req.ConversationID)
		defer o.tracker.Finish(m)
		log := o.logger.With(
			zap.String("sync", m.ID()),
			zap.Int64("conversation", req.ConversationID),
		)

		fail := func(err error) {
			if errors.Is(err, context.Canceled) {
				o.phase(m, status.Canceled)
			} else {
				o.phase(m, status.Failed)
			}
			if wait, ok := remote.RetryAfter(err); ok {
				log.Warn("sync rate limited", zap.Duration("wait", wait))
				o.publish(bus.KindRateLimited, RateLimited{SyncID: m.ID(), ConversationID: req.ConversationID, Wait: wait})
			} else {
				log.Error("sync failed", zap.Error(err))
			}
			yield(nil, err)
		}

		unlock, err := o.locks.Lock(ctx, req.ConversationID)
		if err != nil {
			fail(fmt.Errorf("wait for conversation %d: %w", req.ConversationID, err))
			return
		}
		defer unlock()

		segments, err := o.plan(ctx, m, req, opts, repair)
		if err != nil {
			fail(err)
			return
		}
		o.phase(m, status.Segments)
		log.Info("sync started",
			zap.Stringer("range", req.Range),
			zap.Int("segments", len(segments)),
			zap.Bool("force", req.ForceRefresh),
			zap.Bool("repair", repair),
		)

		out := newChunker(req.ChunkSize)
		deliver := func() bool {
			for _, chunk := range out.full() {
				m.AddItems(len(chunk))
				if !yield(chunk, nil) {
					o.phase(m, status.Canceled)
					log.Info("sync stopped by caller")
					return false
				}
			}
			return true
		}

		var src remote.Source
		for _, seg := range segments {
			log.Debug("segment", zap.Stringer("segment", seg))
			switch seg.Source {
			case timeline.SourceCache:
				for batch, err := range o.reader.Batches(ctx, req.ConversationID, seg, opts.CacheBatchSize) {
					if err != nil {
						fail(err)
						return
					}
					for _, e := range batch {
						out.add(NewItem(e, timeline.SourceCache))
					}
					if !deliver() {
						return
					}
				}

			case timeline.SourceRemote:
				if src == nil {
					s, release, err := o.sources.Acquire(ctx, req.Account)
					if err != nil {
						fail(err)
						return
					}
					defer release()
					src = s
					o.describe(ctx, src, req.ConversationID, log)
				}
				fetch := FetchOptions{
					BatchSize:     opts.RemoteBatchSize,
					Policy:        opts.Policy,
					ForceDownload: req.ForceRefresh,
				}
				for c, err := range o.fetcher.Batches(ctx, src, req.ConversationID, seg, fetch) {
					if err != nil {
						fail(err)
						return
					}
					entries := c.Entries()
					o.publish(bus.KindBatchCommitted, BatchCommitted{
						SyncID:         m.ID(),
						ConversationID: req.ConversationID,
						Count:          len(entries),
						Last:           entries[len(entries)-1].Timestamp,
					})
					for _, e := range entries {
						out.add(NewItem(e, timeline.SourceRemote))
					}
					if !deliver() {
						return
					}
				}
			}
		}

		o.phase(m, status.Flush)
		if rest := out.rest(); len(rest) > 0 {
			m.AddItems(len(rest))
			if !yield(rest, nil) {
				o.phase(m, status.Canceled)
				return
			}
		}
		o.phase(m, status.Done)
		log.Info("sync finished", zap.Int("items", m.Snapshot().Items))
	}
}

// plan determines coverage and builds the timeline. Forced refresh and repair
// skip the cache and fetch the whole window.
func (o *Orchestrator) plan(ctx context.Context, m *status.Machine, req Request, opts Options, repair bool) ([]timeline.Segment, error) {
	if req.ForceRefresh || repair {
		return timeline.Plan(req.Range, nil, true), nil
	}

	o.phase(m, status.Coverage)
	var cached []timeline.Range
	switch opts.Coverage {
	case CoverageIntervals:
		intervals, err := o.db.Coverage(ctx, req.ConversationID)
		if err != nil {
			return nil, fmt.Errorf("%w: coverage: %w", ErrCacheRead, err)
		}
		cached = intervals
	default:
		span, err := o.db.CachedSpan(ctx, req.ConversationID)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCacheRead, err)
		}
		if span != nil {
			cached = []timeline.Range{*span}
		}
	}

	o.phase(m, status.Timeline)
	return timeline.Plan(req.Range, cached, false), nil
}

// describe records the conversation title when the source exposes one.
func (o *Orchestrator) describe(ctx context.Context, src remote.Source, conversationID int64, log *zap.Logger) {
	info, ok := src.(remote.ConversationInfo)
	if !ok {
		return
	}
	conv, err := info.Conversation(ctx, conversationID)
	if err != nil {
		log.Warn("conversation lookup failed", zap.Error(err))
		return
	}
	if conv == nil || conv.Title == "" {
		return
	}
	if err := o.db.UpsertConversation(context.WithoutCancel(ctx), conversationID, conv.Title); err != nil {
		log.Warn("record conversation title", zap.Error(err))
	}
}

func (o *Orchestrator) phase(m *status.Machine, p status.Phase) {
	if err := m.Transition(p); err != nil {
		o.logger.Debug("phase transition skipped", zap.String("sync", m.ID()), zap.Error(err))
	}
}

func (o *Orchestrator) publish(kind string, payload any) {
	if o.bus != nil {
		o.bus.Publish(bus.Event{Kind: kind, Payload: payload})
	}
}

// Stream is a pull-based view of one sync.
type Stream struct {
	next func() ([]Item, error, bool)
	stop func()
	err  error
	done bool
}

// Open starts a sync and returns a stream to pull chunks from. The caller
// must Close it.
func (o *Orchestrator) Open(ctx context.Context, req Request) *Stream {
	next, stop := iter.Pull2(o.Chunks(ctx, req))
	return &Stream{next: next, stop: stop}
}

// Next returns the next chunk, io.EOF after the last one, or the error that
// ended the sync.
func (s *Stream) Next() ([]Item, error) {
	if s.done {
		if s.err != nil {
			return nil, s.err
		}
		return nil, io.EOF
	}
	items, err, ok := s.next()
	if !ok {
		s.Close()
		return nil, io.EOF
	}
	if err != nil {
		s.err = err
		s.Close()
		return nil, err
	}
	return items, nil
}

// Close stops the sync. Batches already committed stay committed.
func (s *Stream) Close() {
	s.done = true
	s.stop()
}
