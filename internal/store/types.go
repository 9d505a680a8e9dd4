package store

import (
	"time"

	"github.com/matheus3301/histcache/internal/timeline"
)

// Conversation is a synced conversation with summary counts.
type Conversation struct {
	ID        int64
	Title     string
	Messages  int64
	First     time.Time
	Last      time.Time
	UpdatedAt time.Time
}

// Sender is a resolved record author.
type Sender struct {
	ID        int64
	FirstName string
	LastName  string
	Username  string
	IsUser    bool
}

// Message is one cached record, identified by (ConversationID, MsgID).
type Message struct {
	ConversationID int64
	MsgID          int64
	Timestamp      time.Time
	EditTimestamp  *time.Time
	SenderID       int64
	Body           string
	ReplyToID      *int64
	ForwardFromID  *int64
	Forwarded      bool
	PostAuthor     string
}

// Payload is attachment metadata. Location is nil until the bytes are on disk;
// SkipReason says why they are not.
type Payload struct {
	ID           string
	Size         int64
	Kind         string
	MediaClass   string
	OriginalName *string
	Location     *string
	SkipReason   *string
}

// Entry is a cached record with its sender and payload resolved.
type Entry struct {
	Message
	Sender  *Sender
	Payload *Payload
}

// PendingPayload is attachment metadata about to be written. An empty Location
// never clears a location already stored.
type PendingPayload struct {
	Size         int64
	Kind         string
	MediaClass   string
	OriginalName string
	Location     string
	SkipReason   string
}

// PendingRecord is a transformed record waiting for CommitBatch.
type PendingRecord struct {
	Message Message
	Sender  *Sender
	Payload *PendingPayload
}

// Committed is a batch that has been durably stored. Only CommitBatch can
// construct one, so holding a *Committed proves the write happened.
type Committed struct {
	conversationID int64
	entries        []Entry
	covered        *timeline.Range
}

// ConversationID returns the conversation the batch belongs to.
func (c *Committed) ConversationID() int64 { return c.conversationID }

// Entries returns the stored records in commit order.
func (c *Committed) Entries() []Entry { return c.entries }

// Covered returns the coverage interval recorded with the batch, or nil.
func (c *Committed) Covered() *timeline.Range { return c.covered }

// Len returns the number of records in the batch.
func (c *Committed) Len() int { return len(c.entries) }

// Stats summarizes the cache contents.
type Stats struct {
	Conversations int64
	Messages      int64
	Payloads      int64
	Downloaded    int64
}
