package api

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/histcache/internal/store"
	intsync "github.com/matheus3301/histcache/internal/sync"
	"github.com/matheus3301/histcache/internal/timeline"
)

// DefaultStart is the start of a history request that names none.
var DefaultStart = time.Date(2013, 1, 1, 0, 0, 0, 0, time.UTC)

const DefaultChunkSize = 250

var timeLayouts = []string{
	time.RFC3339,
	intsync.DateLayout,
	"2006-01-02",
}

// ParseTime accepts YYYY-MM-DD, YYYY-MM-DD HH:MM:SS or RFC3339. Times without
// a zone are UTC.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid time %q: want YYYY-MM-DD, YYYY-MM-DD HH:MM:SS or RFC3339", s)
}

// HistoryRequest is the wire form of a StreamHistory call.
type HistoryRequest struct {
	ConversationID int64  `json:"conversation_id"`
	Start          string `json:"start,omitempty"`
	End            string `json:"end,omitempty"`
	// ChunkSize nil means DefaultChunkSize; zero returns every item at once.
	ChunkSize    *int `json:"chunk_size,omitempty"`
	ForceRefresh bool `json:"force_refresh,omitempty"`
	Repair       bool `json:"repair,omitempty"`
}

// toSync resolves defaults and checks bounds.
func (r HistoryRequest) toSync(account string, defaultChunk int, now time.Time) (intsync.Request, error) {
	if r.ConversationID == 0 {
		return intsync.Request{}, fmt.Errorf("conversation_id is required")
	}
	start, end := DefaultStart, now.UTC()
	var err error
	if r.Start != "" {
		if start, err = ParseTime(r.Start); err != nil {
			return intsync.Request{}, err
		}
	}
	if r.End != "" {
		if end, err = ParseTime(r.End); err != nil {
			return intsync.Request{}, err
		}
	}
	rng, err := timeline.NewRange(start, end)
	if err != nil {
		return intsync.Request{}, fmt.Errorf("%s .. %s: %w", start.Format(time.RFC3339), end.Format(time.RFC3339), err)
	}
	chunk := defaultChunk
	if r.ChunkSize != nil {
		chunk = *r.ChunkSize
	}
	if chunk < 0 {
		return intsync.Request{}, fmt.Errorf("chunk_size %d is negative", chunk)
	}
	return intsync.Request{
		Account:        account,
		ConversationID: r.ConversationID,
		Range:          rng,
		ChunkSize:      chunk,
		ForceRefresh:   r.ForceRefresh,
		Repair:         r.Repair,
	}, nil
}

// Chunk is one StreamHistory response.
type Chunk struct {
	Messages []intsync.Item `json:"messages"`
}

// SpanJSON is a time range on the wire.
type SpanJSON struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

func spanJSON(r timeline.Range) SpanJSON {
	return SpanJSON{Start: r.Start.UTC().Format(time.RFC3339Nano), End: r.End.UTC().Format(time.RFC3339Nano)}
}

// Coverage is the GetCoverage response.
type Coverage struct {
	ConversationID int64      `json:"conversation_id"`
	Title          string     `json:"title,omitempty"`
	Messages       int64      `json:"messages"`
	Mode           string     `json:"mode"`
	Span           *SpanJSON  `json:"span"`
	Intervals      []SpanJSON `json:"intervals"`
}

// ConversationSummary is one cached conversation. First and Last are empty
// while nothing is cached.
type ConversationSummary struct {
	ConversationID int64  `json:"conversation_id"`
	Title          string `json:"title,omitempty"`
	Messages       int64  `json:"messages"`
	First          string `json:"first,omitempty"`
	Last           string `json:"last,omitempty"`
	UpdatedAt      string `json:"updated_at"`
}

// ConversationList is the ListConversations response, most recently synced
// first.
type ConversationList struct {
	Conversations []ConversationSummary `json:"conversations"`
}

func conversationSummary(c store.Conversation) ConversationSummary {
	out := ConversationSummary{
		ConversationID: c.ID,
		Title:          c.Title,
		Messages:       c.Messages,
		UpdatedAt:      c.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if c.Messages > 0 {
		out.First = c.First.UTC().Format(time.RFC3339Nano)
		out.Last = c.Last.UTC().Format(time.RFC3339Nano)
	}
	return out
}

// ActiveSync describes a sync in progress.
type ActiveSync struct {
	SyncID         string `json:"sync_id"`
	ConversationID int64  `json:"conversation_id"`
	Phase          string `json:"phase"`
	Started        string `json:"started"`
	Items          int    `json:"items"`
}

// Status is the GetStatus response.
type Status struct {
	Session       string       `json:"session"`
	UptimeMs      int64        `json:"uptime_ms"`
	Conversations int64        `json:"conversations"`
	Messages      int64        `json:"messages"`
	Payloads      int64        `json:"payloads"`
	Downloaded    int64        `json:"downloaded"`
	DroppedEvents int64        `json:"dropped_events"`
	Active        []ActiveSync `json:"active"`
}

// Event is one WatchEvents message.
type Event struct {
	EventID        string `json:"event_id"`
	Kind           string `json:"kind"`
	OccurredAtMs   int64  `json:"occurred_at_ms"`
	SyncID         string `json:"sync_id,omitempty"`
	ConversationID int64  `json:"conversation_id,omitempty"`
	From           string `json:"from,omitempty"`
	To             string `json:"to,omitempty"`
	Count          int    `json:"count,omitempty"`
	Last           string `json:"last,omitempty"`
	RetryAfterMs   int64  `json:"retry_after_ms,omitempty"`
}

// toStruct converts a JSON-tagged value to a Struct.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(data, s); err != nil {
		return nil, err
	}
	return s, nil
}

// fromStruct decodes a Struct into a JSON-tagged value.
func fromStruct(s *structpb.Struct, v any) error {
	data, err := protojson.Marshal(s)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
