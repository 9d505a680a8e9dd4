package model

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/matheus3301/histcache/internal/api"
	intsync "github.com/matheus3301/histcache/internal/sync"
	"github.com/matheus3301/histcache/internal/timeline"
)

// HistoryClient is the part of the daemon API the viewer uses.
type HistoryClient interface {
	StreamHistory(ctx context.Context, req api.HistoryRequest) iter.Seq2[api.Chunk, error]
	GetStatus(ctx context.Context) (*api.Status, error)
}

// Flash holds a transient notification.
type Flash struct {
	mu      sync.RWMutex
	message string
	isError bool
	expires time.Time
}

// Set stores a message that expires after d.
func (f *Flash) Set(msg string, d time.Duration) { f.set(msg, false, d) }

// SetError stores an error message that expires after d.
func (f *Flash) SetError(msg string, d time.Duration) { f.set(msg, true, d) }

func (f *Flash) set(msg string, isError bool, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.message = msg
	f.isError = isError
	f.expires = time.Now().Add(d)
}

// Get returns the current message, or empty if expired.
func (f *Flash) Get() (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if time.Now().After(f.expires) {
		return "", false
	}
	return f.message, f.isError
}

// Progress describes the current or last history stream.
type Progress struct {
	ConversationID int64
	Running        bool
	Chunks         int
	Items          int
	Cached         int
	Remote         int
	RetryAfter     time.Duration
	Err            error
}

// ViewModel holds the streamed items and progress of one query at a time.
type ViewModel struct {
	mu sync.RWMutex

	client   HistoryClient
	items    []intsync.Item
	progress Progress
	status   *api.Status
	cancel   context.CancelFunc
	gen      int
	Flash    Flash
}

// NewViewModel creates a new view model connected to the daemon client.
func NewViewModel(c HistoryClient) *ViewModel {
	return &ViewModel{client: c}
}

// Stream runs req to completion, replacing any previous results. onChunk is
// called after each chunk is stored. A running stream is canceled first.
func (vm *ViewModel) Stream(ctx context.Context, req api.HistoryRequest, onChunk func()) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	vm.mu.Lock()
	if vm.cancel != nil {
		vm.cancel()
	}
	vm.cancel = cancel
	vm.gen++
	gen := vm.gen
	vm.items = nil
	vm.progress = Progress{ConversationID: req.ConversationID, Running: true}
	vm.mu.Unlock()

	var streamErr error
	for chunk, err := range vm.client.StreamHistory(ctx, req) {
		if err != nil {
			streamErr = err
			break
		}
		vm.mu.Lock()
		if vm.gen != gen {
			vm.mu.Unlock()
			return context.Canceled
		}
		vm.items = append(vm.items, chunk.Messages...)
		vm.progress.Chunks++
		vm.progress.Items += len(chunk.Messages)
		for _, it := range chunk.Messages {
			if it.Source == string(timeline.SourceRemote) {
				vm.progress.Remote++
			} else {
				vm.progress.Cached++
			}
		}
		vm.mu.Unlock()
		if onChunk != nil {
			onChunk()
		}
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if vm.gen != gen {
		return context.Canceled
	}
	vm.progress.Running = false
	vm.cancel = nil
	switch {
	case streamErr == nil:
		vm.Flash.Set(fmt.Sprintf("%d messages in %d chunks", vm.progress.Items, vm.progress.Chunks), 5*time.Second)
	case errors.Is(ctx.Err(), context.Canceled):
		// Superseded or stopped by the user.
	default:
		vm.progress.Err = streamErr
		if wait, ok := api.RetryAfter(streamErr); ok {
			vm.progress.RetryAfter = wait
			vm.Flash.SetError(fmt.Sprintf("rate limited, retry after %s", wait), 10*time.Second)
		} else {
			vm.Flash.SetError(streamErr.Error(), 10*time.Second)
		}
	}
	return streamErr
}

// StopStream cancels the running stream, if any.
func (vm *ViewModel) StopStream() {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if vm.cancel != nil {
		vm.cancel()
		vm.cancel = nil
	}
}

// LoadStatus fetches daemon status.
func (vm *ViewModel) LoadStatus(ctx context.Context) error {
	st, err := vm.client.GetStatus(ctx)
	if err != nil {
		return err
	}
	vm.mu.Lock()
	vm.status = st
	vm.mu.Unlock()
	return nil
}

// Items returns a copy of the streamed items.
func (vm *ViewModel) Items() []intsync.Item {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	out := make([]intsync.Item, len(vm.items))
	copy(out, vm.items)
	return out
}

// Progress returns the current progress.
func (vm *ViewModel) Progress() Progress {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.progress
}

// Status returns the last fetched daemon status, or nil.
func (vm *ViewModel) Status() *api.Status {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.status
}
