package sync

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/histcache/internal/bus"
	"github.com/matheus3301/histcache/internal/lock"
	"github.com/matheus3301/histcache/internal/media"
	"github.com/matheus3301/histcache/internal/remote"
	"github.com/matheus3301/histcache/internal/remote/remotetest"
	"github.com/matheus3301/histcache/internal/status"
	"github.com/matheus3301/histcache/internal/store"
	"github.com/matheus3301/histcache/internal/timeline"
)

const conv = int64(42)

func jan(day int) time.Time { return time.Date(2024, 1, day, 0, 0, 0, 0, time.UTC) }

type harness struct {
	db      *store.DB
	fake    *remotetest.Fake
	bus     *bus.Bus
	locks   *lock.Keyed
	tracker *status.Tracker
	orch    *Orchestrator
	opts    Options
	slept   []time.Duration
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	h := &harness{
		db:    db,
		fake:  remotetest.New(),
		bus:   bus.New(),
		locks: lock.NewKeyed(),
		opts:  DefaultOptions(),
	}
	h.tracker = status.NewTracker(h.bus)

	pool := remote.NewPool(func(context.Context, string) (remote.Source, error) {
		return h.fake, nil
	}, 0, nil)
	t.Cleanup(func() { _ = pool.Close() })

	dl := media.NewDownloader(t.TempDir(), nil)
	dl.Sleep = func(_ context.Context, d time.Duration) error {
		h.slept = append(h.slept, d)
		return nil
	}
	h.orch = NewOrchestrator(db, pool, dl, h.locks, h.tracker, h.bus, func() Options { return h.opts }, nil)
	return h
}

func request(start, end time.Time, chunk int) Request {
	return Request{Account: "main", ConversationID: conv, Range: timeline.Range{Start: start, End: end}, ChunkSize: chunk}
}

// collect drains a stream and returns its chunks and terminal error (nil on
// a clean end).
func (h *harness) collect(t *testing.T, req Request) ([][]Item, error) {
	t.Helper()
	s := h.orch.Open(context.Background(), req)
	defer s.Close()
	var chunks [][]Item
	for {
		items, err := s.Next()
		if errors.Is(err, io.EOF) {
			return chunks, nil
		}
		if err != nil {
			return chunks, err
		}
		chunks = append(chunks, items)
	}
}

func flatten(chunks [][]Item) []Item {
	var out []Item
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}

func assertMonotonic(t *testing.T, items []Item) {
	t.Helper()
	for i := 1; i < len(items); i++ {
		if items[i].Timestamp.Before(items[i-1].Timestamp) {
			t.Fatalf("item %d (%s) before item %d (%s)", i, items[i].Date, i-1, items[i-1].Date)
		}
	}
}

func sizes(chunks [][]Item) []int {
	out := make([]int, len(chunks))
	for i, c := range chunks {
		out[i] = len(c)
	}
	return out
}

func TestChunksOfCallerSize(t *testing.T) {
	h := newHarness(t)
	h.fake.Add(remotetest.Series(conv, 1, jan(1).Add(time.Hour), time.Minute, 7)...)

	chunks, err := h.collect(t, request(jan(1), jan(2), 3))
	if err != nil {
		t.Fatal(err)
	}
	got := sizes(chunks)
	if len(got) != 3 || got[0] != 3 || got[1] != 3 || got[2] != 1 {
		t.Errorf("chunk sizes = %v, want [3 3 1]", got)
	}
	assertMonotonic(t, flatten(chunks))
}

func TestChunkSizeZeroYieldsOneChunk(t *testing.T) {
	h := newHarness(t)
	h.fake.Add(remotetest.Series(conv, 1, jan(1).Add(time.Hour), time.Minute, 7)...)

	chunks, err := h.collect(t, request(jan(1), jan(2), 0))
	if err != nil {
		t.Fatal(err)
	}
	if got := sizes(chunks); len(got) != 1 || got[0] != 7 {
		t.Errorf("chunk sizes = %v, want [7]", got)
	}
}

func TestEmptyResultYieldsNothing(t *testing.T) {
	h := newHarness(t)
	chunks, err := h.collect(t, request(jan(1), jan(2), 3))
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 0 {
		t.Errorf("got %d chunks, want none", len(chunks))
	}
}

func TestCacheThenRemoteAcrossBoundary(t *testing.T) {
	h := newHarness(t)
	h.fake.Add(remotetest.Series(conv, 1, jan(1), 24*time.Hour, 15)...)

	if _, err := h.collect(t, request(jan(1), jan(10), 100)); err != nil {
		t.Fatal(err)
	}
	span, err := h.db.CachedSpan(context.Background(), conv)
	if err != nil {
		t.Fatal(err)
	}
	if !span.Start.Equal(jan(1)) || !span.End.Equal(jan(10)) {
		t.Fatalf("cached span = %s, want Jan 1..Jan 10", span)
	}

	segs := timeline.Plan(timeline.Range{Start: jan(5), End: jan(15)}, []timeline.Range{*span}, false)
	if len(segs) != 2 || segs[0].Source != timeline.SourceCache || segs[1].Source != timeline.SourceRemote ||
		!segs[0].End.Equal(jan(10)) || !segs[1].Start.Equal(jan(10)) {
		t.Fatalf("timeline = %v, want [cache Jan5-Jan10] [remote Jan10-Jan15]", segs)
	}

	chunks, err := h.collect(t, request(jan(5), jan(15), 4))
	if err != nil {
		t.Fatal(err)
	}
	items := flatten(chunks)
	assertMonotonic(t, items)
	if len(items) != 11 {
		t.Fatalf("got %d items, want 11 (Jan 5..Jan 15 once each)", len(items))
	}
	for _, it := range items {
		want := "cache"
		if it.Timestamp.After(jan(10)) {
			want = "remote"
		}
		if it.Source != want {
			t.Errorf("item %s source = %s, want %s", it.Date, it.Source, want)
		}
	}
}

// Remote dates finer than the cache's millisecond precision must still match
// their cached copies at a segment boundary.
func TestSubMillisecondDatesAcrossBoundary(t *testing.T) {
	h := newHarness(t)
	h.fake.Add(remotetest.Series(conv, 1, jan(1).Add(1500*time.Microsecond), 24*time.Hour, 15)...)

	if _, err := h.collect(t, request(jan(1), jan(10).Add(time.Hour), 100)); err != nil {
		t.Fatal(err)
	}
	chunks, err := h.collect(t, request(jan(5), jan(15).Add(time.Hour), 4))
	if err != nil {
		t.Fatal(err)
	}
	items := flatten(chunks)
	assertMonotonic(t, items)

	seen := make(map[int64]string)
	for _, it := range items {
		if src, dup := seen[it.MessageID]; dup {
			t.Errorf("message %d emitted twice (%s, then %s at %s)", it.MessageID, src, it.Source, it.Timestamp.Format(time.RFC3339Nano))
		}
		seen[it.MessageID] = it.Source
		if !it.Timestamp.Equal(it.Timestamp.Truncate(time.Millisecond)) {
			t.Errorf("message %d timestamp %s is finer than a millisecond", it.MessageID, it.Timestamp.Format(time.RFC3339Nano))
		}
	}
	if len(items) != 11 {
		t.Errorf("got %d items, want 11 (Jan 5..Jan 15 once each)", len(items))
	}
}

// A range ending in the future is only recorded as covered up to the moment
// the listing started, so records posted later are still fetched.
func TestFutureEndCoveredOnlyUntilListing(t *testing.T) {
	h := newHarness(t)
	h.opts.Coverage = CoverageIntervals
	clock := jan(10)
	h.orch.fetcher.now = func() time.Time { return clock }
	h.fake.Add(remotetest.Series(conv, 1, jan(9), time.Hour, 3)...)

	first, err := h.collect(t, request(jan(9), jan(12), 10))
	if err != nil {
		t.Fatal(err)
	}
	if n := len(flatten(first)); n != 3 {
		t.Fatalf("first run got %d items, want 3", n)
	}
	cov, err := h.db.Coverage(context.Background(), conv)
	if err != nil {
		t.Fatal(err)
	}
	if len(cov) != 1 || !cov[0].Start.Equal(jan(9)) || !cov[0].End.Equal(jan(10)) {
		t.Fatalf("coverage = %v, want [Jan 9, Jan 10]", cov)
	}

	late := remotetest.Series(conv, 100, jan(11), time.Hour, 1)
	h.fake.Add(late...)
	clock = jan(12).Add(time.Hour)

	second, err := h.collect(t, request(jan(9), jan(12), 10))
	if err != nil {
		t.Fatal(err)
	}
	items := flatten(second)
	if len(items) != 4 {
		t.Fatalf("second run got %d items, want 4", len(items))
	}
	if last := items[3]; last.MessageID != 100 || last.Source != "remote" {
		t.Errorf("last item = %d from %s, want 100 from remote", last.MessageID, last.Source)
	}
}

func TestRateLimitBeforeCommit(t *testing.T) {
	h := newHarness(t)
	h.fake.Add(remotetest.Series(conv, 1, jan(1).Add(time.Hour), time.Minute, 7)...)
	h.fake.ListErr = func(int) error { return &remote.RateLimitError{Wait: 30 * time.Second, Op: "messages"} }
	events, unsub := h.bus.Subscribe(bus.KindRateLimited, 4)
	defer unsub()

	chunks, err := h.collect(t, request(jan(1), jan(2), 3))
	if len(chunks) != 0 {
		t.Errorf("got %d chunks before the failure", len(chunks))
	}
	wait, ok := remote.RetryAfter(err)
	if !ok || wait != 30*time.Second {
		t.Fatalf("err = %v, want rate limit of 30s", err)
	}

	n, err := h.db.CountMessages(context.Background(), conv)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("%d records persisted, want 0", n)
	}

	select {
	case evt := <-events:
		if rl, ok := evt.Payload.(RateLimited); !ok || rl.Wait != 30*time.Second {
			t.Errorf("event payload = %+v", evt.Payload)
		}
	default:
		t.Error("no rate-limit event published")
	}
}

func TestResyncIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.opts.Coverage = CoverageIntervals
	h.fake.Add(remotetest.Series(conv, 1, jan(1).Add(time.Hour), time.Minute, 7)...)

	first, err := h.collect(t, request(jan(1), jan(2), 3))
	if err != nil {
		t.Fatal(err)
	}
	calls := h.fake.ListCalls()

	second, err := h.collect(t, request(jan(1), jan(2), 3))
	if err != nil {
		t.Fatal(err)
	}
	if extra := h.fake.ListCalls() - calls; extra != 0 {
		t.Errorf("resync issued %d listing calls, want 0", extra)
	}

	a, b := flatten(first), flatten(second)
	if len(a) != len(b) {
		t.Fatalf("first run %d items, second %d", len(a), len(b))
	}
	for i := range a {
		if a[i].MessageID != b[i].MessageID || a[i].Date != b[i].Date {
			t.Errorf("item %d differs: %d@%s vs %d@%s", i, a[i].MessageID, a[i].Date, b[i].MessageID, b[i].Date)
		}
		if b[i].Source != "cache" {
			t.Errorf("item %d served from %s on resync", i, b[i].Source)
		}
	}
}

// Span coverage treats [Jan 1, Jan 25] as cached after two disjoint syncs;
// interval coverage still fetches the hole.
func TestIntervalCoverageFetchesHole(t *testing.T) {
	for _, mode := range []CoverageMode{CoverageSpan, CoverageIntervals} {
		t.Run(string(mode), func(t *testing.T) {
			h := newHarness(t)
			h.opts.Coverage = mode
			h.fake.Add(remotetest.Series(conv, 1, jan(1), 24*time.Hour, 25)...)

			if _, err := h.collect(t, request(jan(1), jan(5), 10)); err != nil {
				t.Fatal(err)
			}
			if _, err := h.collect(t, request(jan(20), jan(25), 10)); err != nil {
				t.Fatal(err)
			}
			chunks, err := h.collect(t, request(jan(6), jan(19), 100))
			if err != nil {
				t.Fatal(err)
			}
			got := len(flatten(chunks))
			want := 14
			if mode == CoverageSpan {
				want = 0
			}
			if got != want {
				t.Errorf("hole returned %d items, want %d", got, want)
			}
		})
	}
}

func TestMidSyncFailureKeepsCommittedBatches(t *testing.T) {
	h := newHarness(t)
	h.opts.RemoteBatchSize = 2
	msgs := remotetest.Series(conv, 1, jan(1).Add(time.Hour), time.Minute, 5)
	msgs[3].SenderID = -1
	h.fake.Add(msgs...)

	chunks, err := h.collect(t, request(jan(1), jan(2), 2))
	if !errors.Is(err, ErrMalformedRecord) {
		t.Fatalf("err = %v, want ErrMalformedRecord", err)
	}
	if got := sizes(chunks); len(got) != 1 || got[0] != 2 {
		t.Errorf("chunks before failure = %v, want [2]", got)
	}

	n, err := h.db.CountMessages(context.Background(), conv)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("%d records persisted, want only the first batch of 2", n)
	}
}

func TestCallerStopHaltsRemoteCalls(t *testing.T) {
	h := newHarness(t)
	h.opts.RemoteBatchSize = 2
	h.fake.Add(remotetest.Series(conv, 1, jan(1).Add(time.Hour), time.Minute, 10)...)

	s := h.orch.Open(context.Background(), request(jan(1), jan(2), 2))
	items, err := s.Next()
	if err != nil || len(items) != 2 {
		t.Fatalf("first chunk = %d items, %v", len(items), err)
	}
	s.Close()

	if _, err := s.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("Next after Close = %v, want io.EOF", err)
	}
	if calls := h.fake.SenderCalls(); calls != 2 {
		t.Errorf("sender lookups = %d, want 2", calls)
	}
	n, _ := h.db.CountMessages(context.Background(), conv)
	if n != 2 {
		t.Errorf("%d records persisted, want 2", n)
	}
	if h.locks.Held(conv) {
		t.Error("conversation lock still held after Close")
	}
	if active := h.tracker.Active(); len(active) != 0 {
		t.Errorf("tracker still lists %d syncs", len(active))
	}
}

func TestConversationSyncsAreSerialized(t *testing.T) {
	h := newHarness(t)
	unlock, err := h.locks.Lock(context.Background(), conv)
	if err != nil {
		t.Fatal(err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	s := h.orch.Open(ctx, request(jan(1), jan(2), 3))
	defer s.Close()
	if _, err := s.Next(); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Next = %v, want DeadlineExceeded while another sync holds the conversation", err)
	}
}

func TestPayloadSkippedThenRepaired(t *testing.T) {
	h := newHarness(t)
	msg := remotetest.Series(conv, 1, jan(1).Add(time.Hour), time.Minute, 1)[0]
	msg.Media = &remote.Media{Class: "photo", Kind: remote.KindPhoto, Size: 5 << 20}
	h.fake.Add(msg)
	h.opts.Policy = media.Policy{Enabled: true, MaxBytes: 1 << 20}

	chunks, err := h.collect(t, request(jan(1), jan(2), 10))
	if err != nil {
		t.Fatal(err)
	}
	first := flatten(chunks)[0]
	if first.MediaUUID == nil || first.MediaPath != nil || first.MediaSize == nil || *first.MediaSize != 5<<20 {
		t.Fatalf("first item media = uuid %v path %v size %v", first.MediaUUID, first.MediaPath, first.MediaSize)
	}
	if first.MediaSkipReason == nil || *first.MediaSkipReason != string(media.ReasonTooLarge) {
		t.Errorf("skip reason = %v", first.MediaSkipReason)
	}
	if h.fake.DownloadCalls() != 0 {
		t.Errorf("downloaded %d times despite the size limit", h.fake.DownloadCalls())
	}

	h.opts.Policy = media.Policy{Enabled: true, MaxBytes: 10 << 20}
	req := request(jan(1), jan(2), 10)
	req.Repair = true
	chunks, err = h.collect(t, req)
	if err != nil {
		t.Fatal(err)
	}
	repaired := flatten(chunks)[0]
	if repaired.MediaUUID == nil || *repaired.MediaUUID != *first.MediaUUID {
		t.Errorf("payload id changed: %v -> %v", *first.MediaUUID, repaired.MediaUUID)
	}
	if repaired.MediaPath == nil || repaired.MediaSkipReason != nil {
		t.Errorf("repair did not back-fill the location: path %v reason %v", repaired.MediaPath, repaired.MediaSkipReason)
	}

	// A second repair reuses the file on disk.
	if _, err := h.collect(t, req); err != nil {
		t.Fatal(err)
	}
	if h.fake.DownloadCalls() != 1 {
		t.Errorf("DownloadCalls = %d, want 1", h.fake.DownloadCalls())
	}
}

func TestForceRefreshRedownloads(t *testing.T) {
	h := newHarness(t)
	msg := remotetest.Series(conv, 1, jan(1).Add(time.Hour), time.Minute, 1)[0]
	msg.Media = &remote.Media{Class: "document", Kind: remote.KindFile, Size: 10, FileName: "a.txt"}
	h.fake.Add(msg)

	if _, err := h.collect(t, request(jan(1), jan(2), 10)); err != nil {
		t.Fatal(err)
	}
	req := request(jan(1), jan(2), 10)
	req.ForceRefresh = true
	chunks, err := h.collect(t, req)
	if err != nil {
		t.Fatal(err)
	}
	if h.fake.DownloadCalls() != 2 {
		t.Errorf("DownloadCalls = %d, want 2", h.fake.DownloadCalls())
	}
	if it := flatten(chunks)[0]; it.Source != "remote" {
		t.Errorf("forced refresh served from %s", it.Source)
	}
}

func TestDownloadRetriesDuringSync(t *testing.T) {
	h := newHarness(t)
	msg := remotetest.Series(conv, 1, jan(1).Add(time.Hour), time.Minute, 1)[0]
	msg.Media = &remote.Media{Class: "photo", Kind: remote.KindPhoto, Size: 10}
	h.fake.Add(msg)
	h.fake.DownloadErr = func(call int, _ *remote.Message) error {
		if call < 3 {
			return errors.New("reset by peer")
		}
		return nil
	}

	chunks, err := h.collect(t, request(jan(1), jan(2), 10))
	if err != nil {
		t.Fatal(err)
	}
	if it := flatten(chunks)[0]; it.MediaPath == nil {
		t.Error("attachment not downloaded after retries")
	}
	if len(h.slept) != 2 || h.slept[0] != time.Second || h.slept[1] != 2*time.Second {
		t.Errorf("retry delays = %v, want [1s 2s]", h.slept)
	}
}

func TestPhasesPublished(t *testing.T) {
	h := newHarness(t)
	h.fake.Add(remotetest.Series(conv, 1, jan(1).Add(time.Hour), time.Minute, 2)...)
	events, unsub := h.bus.Subscribe(bus.KindPhaseChanged, 32)
	defer unsub()

	if _, err := h.collect(t, request(jan(1), jan(2), 10)); err != nil {
		t.Fatal(err)
	}

	want := []status.Phase{status.Coverage, status.Timeline, status.Segments, status.Flush, status.Done}
	for _, p := range want {
		select {
		case evt := <-events:
			if change := evt.Payload.(status.PhaseChange); change.To != p {
				t.Errorf("phase = %s, want %s", change.To, p)
			}
		default:
			t.Fatalf("missing phase event %s", p)
		}
	}
}

func TestInvalidRequests(t *testing.T) {
	h := newHarness(t)
	tests := []struct {
		name string
		req  Request
	}{
		{"inverted range", request(jan(2), jan(1), 3)},
		{"empty range", request(jan(1), jan(1), 3)},
		{"negative chunk", request(jan(1), jan(2), -1)},
		{"no conversation", Request{Range: timeline.Range{Start: jan(1), End: jan(2)}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := h.collect(t, tt.req); err == nil {
				t.Error("expected an error")
			}
		})
	}
	if h.fake.ListCalls() != 0 {
		t.Errorf("invalid requests issued %d listing calls", h.fake.ListCalls())
	}
}
