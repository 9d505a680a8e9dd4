package sync

import (
	"time"

	"github.com/matheus3301/histcache/internal/store"
	"github.com/matheus3301/histcache/internal/timeline"
)

// DateLayout is the wire format of item dates.
const DateLayout = "2006-01-02 15:04:05"

// Item is one record as delivered to callers.
type Item struct {
	MessageID       int64     `json:"message_id"`
	ConversationID  int64     `json:"conversation_id"`
	Timestamp       time.Time `json:"-"`
	Date            string    `json:"date"`
	EditDate        *string   `json:"edit_date"`
	SenderID        int64     `json:"sender_id"`
	FirstName       *string   `json:"first_name"`
	LastName        *string   `json:"last_name"`
	Username        *string   `json:"username"`
	Text            string    `json:"message"`
	ReplyTo         *int64    `json:"reply_to"`
	PostAuthor      *string   `json:"post_author"`
	IsForwarded     bool      `json:"is_forwarded"`
	ForwardedFromID *int64    `json:"forwarded_from_id"`
	MediaUUID       *string   `json:"media_uuid"`
	MediaType       *string   `json:"media_type"`
	MediaKind       *string   `json:"media_kind"`
	MediaSize       *int64    `json:"media_size"`
	MediaFilename   *string   `json:"media_filename"`
	MediaPath       *string   `json:"media_path"`
	MediaSkipReason *string   `json:"media_skip_reason"`
	Source          string    `json:"source"`
}

// NewItem converts a stored entry, tagging it with the segment source that
// produced it.
func NewItem(e store.Entry, src timeline.Source) Item {
	it := Item{
		MessageID:       e.MsgID,
		ConversationID:  e.ConversationID,
		Timestamp:       e.Timestamp,
		Date:            e.Timestamp.UTC().Format(DateLayout),
		SenderID:        e.SenderID,
		Text:            e.Body,
		ReplyTo:         e.ReplyToID,
		PostAuthor:      optional(e.PostAuthor),
		IsForwarded:     e.Forwarded,
		ForwardedFromID: e.ForwardFromID,
		Source:          string(src),
	}
	if e.EditTimestamp != nil {
		s := e.EditTimestamp.UTC().Format(DateLayout)
		it.EditDate = &s
	}
	if s := e.Sender; s != nil && s.IsUser {
		it.FirstName = optional(s.FirstName)
		it.LastName = optional(s.LastName)
		it.Username = optional(s.Username)
	}
	if p := e.Payload; p != nil {
		id, size := p.ID, p.Size
		it.MediaUUID = &id
		it.MediaSize = &size
		it.MediaType = optional(p.MediaClass)
		it.MediaKind = optional(p.Kind)
		it.MediaFilename = p.OriginalName
		it.MediaPath = p.Location
		it.MediaSkipReason = p.SkipReason
	}
	return it
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
