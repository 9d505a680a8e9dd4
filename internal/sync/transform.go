package sync

import (
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/histcache/internal/media"
	"github.com/matheus3301/histcache/internal/remote"
	"github.com/matheus3301/histcache/internal/store"
)

// ErrMalformedRecord is returned when a remote record cannot be stored as is.
var ErrMalformedRecord = errors.New("malformed record")

func validate(msg *remote.Message) error {
	switch {
	case msg == nil:
		return fmt.Errorf("%w: nil record", ErrMalformedRecord)
	case msg.ID == 0:
		return fmt.Errorf("%w: record without id", ErrMalformedRecord)
	case msg.Date.IsZero() || msg.Date.UnixMilli() <= 0:
		return fmt.Errorf("%w: record %d has no timestamp", ErrMalformedRecord, msg.ID)
	case msg.SenderID < 0:
		return fmt.Errorf("%w: record %d has sender id %d", ErrMalformedRecord, msg.ID, msg.SenderID)
	}
	return nil
}

// transform maps a remote record and its resolved sender to a pending row.
func transform(msg *remote.Message, sender *remote.Sender) store.PendingRecord {
	m := store.Message{
		ConversationID: msg.ConversationID,
		MsgID:          msg.ID,
		Timestamp:      msg.Date.UTC().Truncate(time.Millisecond),
		SenderID:       msg.SenderID,
		Body:           msg.Text,
		ReplyToID:      msg.ReplyToID,
		PostAuthor:     msg.PostAuthor,
	}
	if msg.EditDate != nil && !msg.EditDate.IsZero() {
		t := msg.EditDate.UTC().Truncate(time.Millisecond)
		m.EditTimestamp = &t
	}
	if msg.Forward != nil {
		m.Forwarded = true
		switch {
		case msg.Forward.FromChannelID != nil:
			m.ForwardFromID = msg.Forward.FromChannelID
		case msg.Forward.FromUserID != nil:
			m.ForwardFromID = msg.Forward.FromUserID
		}
	}

	rec := store.PendingRecord{Message: m}
	if sender != nil {
		rec.Sender = &store.Sender{
			ID:        sender.ID,
			FirstName: sender.FirstName,
			LastName:  sender.LastName,
			Username:  sender.Username,
			IsUser:    sender.IsUser,
		}
	}
	return rec
}

func pendingPayload(m *remote.Media, res media.Result) *store.PendingPayload {
	p := &store.PendingPayload{
		Size:         m.Size,
		Kind:         string(m.Kind),
		MediaClass:   m.Class,
		OriginalName: m.FileName,
	}
	switch res.Status {
	case media.StatusDownloaded:
		p.Location = res.Path
	default:
		p.SkipReason = string(res.Reason)
	}
	return p
}
