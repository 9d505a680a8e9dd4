// Package remotetest provides an in-memory remote.Source for tests.
package remotetest

import (
	"cmp"
	"context"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/histcache/internal/remote"
)

// Fake is an in-memory remote source. Hooks let tests inject failures; each
// hook receives the 1-based call number for its operation.
type Fake struct {
	mu       sync.Mutex
	messages map[int64][]*remote.Message
	senders  map[int64]*remote.Sender
	titles   map[int64]string
	blobs    map[int64][]byte

	ListErr     func(call int) error
	SenderErr   func(msg *remote.Message) error
	DownloadErr func(call int, msg *remote.Message) error

	listCalls     int
	senderCalls   int
	downloadCalls int
}

// New returns an empty fake.
func New() *Fake {
	return &Fake{
		messages: make(map[int64][]*remote.Message),
		senders:  make(map[int64]*remote.Sender),
		titles:   make(map[int64]string),
		blobs:    make(map[int64][]byte),
	}
}

// Add stores messages, keeping each conversation sorted by date.
func (f *Fake) Add(msgs ...*remote.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range msgs {
		f.messages[m.ConversationID] = append(f.messages[m.ConversationID], m)
	}
	for conv := range f.messages {
		slices.SortStableFunc(f.messages[conv], func(a, b *remote.Message) int {
			return cmp.Or(a.Date.Compare(b.Date), cmp.Compare(a.ID, b.ID))
		})
	}
}

// AddSender registers a sender identity.
func (f *Fake) AddSender(s *remote.Sender) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.senders[s.ID] = s
}

// SetTitle sets a conversation title.
func (f *Fake) SetTitle(conversationID int64, title string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.titles[conversationID] = title
}

// SetBlob sets the attachment bytes served for a message id.
func (f *Fake) SetBlob(msgID int64, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blobs[msgID] = data
}

// Series builds n text messages one step apart starting at start, with ids
// firstID, firstID+1, ...
func Series(conversationID, firstID int64, start time.Time, step time.Duration, n int) []*remote.Message {
	msgs := make([]*remote.Message, 0, n)
	for i := range n {
		msgs = append(msgs, &remote.Message{
			ID:             firstID + int64(i),
			ConversationID: conversationID,
			Date:           start.Add(time.Duration(i) * step),
			SenderID:       1,
			Text:           fmt.Sprintf("message %d", firstID+int64(i)),
		})
	}
	return msgs
}

// ListCalls returns how many listing calls were made.
func (f *Fake) ListCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

// DownloadCalls returns how many download calls were made.
func (f *Fake) DownloadCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.downloadCalls
}

// SenderCalls returns how many sender lookups were made.
func (f *Fake) SenderCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.senderCalls
}

func (f *Fake) Messages(ctx context.Context, conversationID int64, opts remote.ListOptions) iter.Seq2[*remote.Message, error] {
	return func(yield func(*remote.Message, error) bool) {
		f.mu.Lock()
		f.listCalls++
		call := f.listCalls
		all := slices.Clone(f.messages[conversationID])
		hook := f.ListErr
		f.mu.Unlock()

		if hook != nil {
			if err := hook(call); err != nil {
				yield(nil, err)
				return
			}
		}

		if !opts.Reverse {
			slices.Reverse(all)
		}
		for _, m := range all {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			if !opts.OffsetDate.IsZero() {
				if opts.Reverse && m.Date.Before(opts.OffsetDate) {
					continue
				}
				if !opts.Reverse && m.Date.After(opts.OffsetDate) {
					continue
				}
			}
			cp := *m
			if !yield(&cp, nil) {
				return
			}
		}
	}
}

func (f *Fake) ResolveSender(_ context.Context, msg *remote.Message) (*remote.Sender, error) {
	f.mu.Lock()
	f.senderCalls++
	hook := f.SenderErr
	s := f.senders[msg.SenderID]
	f.mu.Unlock()

	if hook != nil {
		if err := hook(msg); err != nil {
			return nil, err
		}
	}
	if s == nil {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (f *Fake) Download(_ context.Context, msg *remote.Message, dest string) (string, error) {
	f.mu.Lock()
	f.downloadCalls++
	call := f.downloadCalls
	hook := f.DownloadErr
	data, ok := f.blobs[msg.ID]
	f.mu.Unlock()

	if hook != nil {
		if err := hook(call, msg); err != nil {
			return "", err
		}
	}
	if !ok {
		data = []byte(fmt.Sprintf("payload of %d", msg.ID))
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0700); err != nil {
		return "", err
	}
	if err := os.WriteFile(dest, data, 0600); err != nil {
		return "", err
	}
	return dest, nil
}

func (f *Fake) Conversation(_ context.Context, conversationID int64) (*remote.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	title, ok := f.titles[conversationID]
	if !ok {
		return nil, nil
	}
	return &remote.Conversation{ID: conversationID, Title: title}, nil
}
