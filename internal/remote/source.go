// Package remote defines the contract the sync engine needs from a remote
// conversation source, plus the per-account connection pool.
package remote

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"
)

// Source is a rate-limited remote conversation source.
//
// Every method may return a *RateLimitError when the account is throttled.
type Source interface {
	// Messages lists a conversation lazily starting at opts.OffsetDate. With
	// opts.Reverse set the sequence is oldest-first and includes records at
	// exactly OffsetDate; otherwise it is newest-first.
	Messages(ctx context.Context, conversationID int64, opts ListOptions) iter.Seq2[*Message, error]

	// ResolveSender returns the identity of a record's sender. A nil sender
	// with nil error means the sender is unknown (deleted account, channel post).
	ResolveSender(ctx context.Context, msg *Message) (*Sender, error)

	// Download writes msg's attachment to dest and returns the written path.
	Download(ctx context.Context, msg *Message, dest string) (string, error)
}

// ListOptions bounds a listing call.
type ListOptions struct {
	OffsetDate time.Time
	Reverse    bool
}

// Conversation is optional metadata a source may expose.
type Conversation struct {
	ID    int64
	Title string
}

// ConversationInfo is implemented by sources that can describe a conversation.
type ConversationInfo interface {
	Conversation(ctx context.Context, conversationID int64) (*Conversation, error)
}

// Message is a raw record as delivered by the remote source.
type Message struct {
	ID             int64
	ConversationID int64
	Date           time.Time
	EditDate       *time.Time
	SenderID       int64
	Text           string
	ReplyToID      *int64
	PostAuthor     string
	Forward        *Forward
	Media          *Media
}

// Forward describes where a forwarded record originally came from.
type Forward struct {
	FromChannelID *int64
	FromUserID    *int64
}

// Media is attachment metadata declared by the source, available without
// downloading the bytes.
type Media struct {
	// Class is the source's own attachment type name.
	Class string
	Kind  MediaKind
	Size  int64
	// FileName is the declared original name; empty for photos.
	FileName string
	Ext      string
	// WebPage marks link previews, which carry nothing to download.
	WebPage bool
}

// MediaKind groups attachments for the download allow-list.
type MediaKind string

const (
	KindPhoto        MediaKind = "photos"
	KindVideo        MediaKind = "videos"
	KindVoice        MediaKind = "voice_messages"
	KindVideoMessage MediaKind = "video_messages"
	KindSticker      MediaKind = "stickers"
	KindGIF          MediaKind = "gifs"
	KindFile         MediaKind = "files"
)

// Sender is a resolved record author.
type Sender struct {
	ID        int64
	FirstName string
	LastName  string
	Username  string
	// IsUser is false for channels and groups posting as themselves.
	IsUser bool
}

// RateLimitError is the remote source telling the caller to wait exactly Wait
// before issuing another call.
type RateLimitError struct {
	Wait time.Duration
	Op   string
}

func (e *RateLimitError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: rate limited, retry after %s", e.Op, e.Wait)
	}
	return fmt.Sprintf("rate limited, retry after %s", e.Wait)
}

// RetryAfter extracts the signalled wait from err if it carries a rate limit.
func RetryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.Wait, true
	}
	return 0, false
}
