package model

import (
	"context"
	"errors"
	"iter"
	"testing"
	"time"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/matheus3301/histcache/internal/api"
	intsync "github.com/matheus3301/histcache/internal/sync"
)

type fakeClient struct {
	chunks []api.Chunk
	err    error
}

func (f *fakeClient) StreamHistory(ctx context.Context, _ api.HistoryRequest) iter.Seq2[api.Chunk, error] {
	return func(yield func(api.Chunk, error) bool) {
		for _, c := range f.chunks {
			if !yield(c, nil) {
				return
			}
		}
		if f.err != nil {
			yield(api.Chunk{}, f.err)
		}
	}
}

func (f *fakeClient) GetStatus(context.Context) (*api.Status, error) {
	return &api.Status{Session: "main"}, nil
}

func items(source string, ids ...int64) []intsync.Item {
	out := make([]intsync.Item, 0, len(ids))
	for _, id := range ids {
		out = append(out, intsync.Item{MessageID: id, Source: source})
	}
	return out
}

func TestStreamCollectsChunks(t *testing.T) {
	c := &fakeClient{chunks: []api.Chunk{
		{Messages: items("cache", 1, 2)},
		{Messages: items("remote", 3)},
	}}
	vm := NewViewModel(c)

	calls := 0
	if err := vm.Stream(context.Background(), api.HistoryRequest{ConversationID: 5}, func() { calls++ }); err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	if calls != 2 {
		t.Errorf("onChunk called %d times, want 2", calls)
	}
	p := vm.Progress()
	if p.Running || p.Chunks != 2 || p.Items != 3 || p.Cached != 2 || p.Remote != 1 || p.ConversationID != 5 {
		t.Errorf("progress = %+v", p)
	}
	if got := vm.Items(); len(got) != 3 || got[2].MessageID != 3 {
		t.Errorf("items = %+v", got)
	}
	if msg, isErr := vm.Flash.Get(); msg == "" || isErr {
		t.Errorf("flash = %q, %v; want a summary", msg, isErr)
	}
}

func TestStreamRateLimited(t *testing.T) {
	rl := apiRateLimit(t, 30*time.Second)
	vm := NewViewModel(&fakeClient{chunks: []api.Chunk{{Messages: items("cache", 1)}}, err: rl})

	if err := vm.Stream(context.Background(), api.HistoryRequest{ConversationID: 5}, nil); err == nil {
		t.Fatal("Stream() expected error")
	}
	p := vm.Progress()
	if p.RetryAfter != 30*time.Second || p.Err == nil || p.Items != 1 {
		t.Errorf("progress = %+v", p)
	}
	if _, isErr := vm.Flash.Get(); !isErr {
		t.Error("flash is not an error")
	}
}

func TestStreamFailure(t *testing.T) {
	vm := NewViewModel(&fakeClient{err: errors.New("boom")})
	if err := vm.Stream(context.Background(), api.HistoryRequest{ConversationID: 5}, nil); err == nil {
		t.Fatal("Stream() expected error")
	}
	if p := vm.Progress(); p.RetryAfter != 0 || p.Err == nil {
		t.Errorf("progress = %+v", p)
	}
	if msg, _ := vm.Flash.Get(); msg != "boom" {
		t.Errorf("flash = %q, want boom", msg)
	}
}

func TestFlashExpires(t *testing.T) {
	var f Flash
	f.Set("hello", time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	if msg, _ := f.Get(); msg != "" {
		t.Errorf("Get() = %q after expiry", msg)
	}
}

func TestLoadStatus(t *testing.T) {
	vm := NewViewModel(&fakeClient{})
	if vm.Status() != nil {
		t.Fatal("status before load")
	}
	if err := vm.LoadStatus(context.Background()); err != nil {
		t.Fatal(err)
	}
	if st := vm.Status(); st == nil || st.Session != "main" {
		t.Errorf("status = %+v", st)
	}
}

func apiRateLimit(t *testing.T, d time.Duration) error {
	t.Helper()
	st, err := grpcstatus.New(codes.ResourceExhausted, "rate limited").
		WithDetails(&errdetails.RetryInfo{RetryDelay: durationpb.New(d)})
	if err != nil {
		t.Fatal(err)
	}
	return st.Err()
}
