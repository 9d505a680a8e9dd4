package api

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/histcache/internal/bus"
	"github.com/matheus3301/histcache/internal/remote"
	"github.com/matheus3301/histcache/internal/status"
	"github.com/matheus3301/histcache/internal/store"
	intsync "github.com/matheus3301/histcache/internal/sync"
	"github.com/matheus3301/histcache/internal/timeline"
)

// Settings are the request defaults read per call.
type Settings struct {
	ChunkSize int
	Coverage  intsync.CoverageMode
}

// HistoryService implements the HistoryService gRPC service.
type HistoryService struct {
	sessionName string
	startedAt   time.Time
	orch        *intsync.Orchestrator
	db          *store.DB
	tracker     *status.Tracker
	bus         *bus.Bus
	settings    func() Settings
	logger      *zap.Logger
	now         func() time.Time
}

// NewHistoryService creates the service for one session. The session name
// is also the account used to reach the remote source.
func NewHistoryService(sessionName string, orch *intsync.Orchestrator, db *store.DB, tracker *status.Tracker, b *bus.Bus, settings func() Settings, logger *zap.Logger) *HistoryService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HistoryService{
		sessionName: sessionName,
		startedAt:   time.Now(),
		orch:        orch,
		db:          db,
		tracker:     tracker,
		bus:         b,
		settings:    settings,
		logger:      logger,
		now:         time.Now,
	}
}

func (s *HistoryService) StreamHistory(in *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	var hr HistoryRequest
	if err := fromStruct(in, &hr); err != nil {
		return grpcstatus.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	req, err := hr.toSync(s.sessionName, s.settings().ChunkSize, s.now())
	if err != nil {
		return grpcstatus.Error(codes.InvalidArgument, err.Error())
	}

	chunks := 0
	for items, err := range s.orch.Chunks(stream.Context(), req) {
		if err != nil {
			s.logger.Warn("stream history failed",
				zap.Int64("conversation_id", req.ConversationID),
				zap.Int("chunks", chunks),
				zap.Error(err),
			)
			return toStatus(err)
		}
		msg, err := toStruct(Chunk{Messages: items})
		if err != nil {
			return grpcstatus.Errorf(codes.Internal, "encode chunk: %v", err)
		}
		if err := stream.Send(msg); err != nil {
			return err
		}
		chunks++
	}
	return nil
}

func (s *HistoryService) GetCoverage(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req struct {
		ConversationID int64 `json:"conversation_id"`
	}
	if err := fromStruct(in, &req); err != nil || req.ConversationID == 0 {
		return nil, grpcstatus.Error(codes.InvalidArgument, "conversation_id is required")
	}

	resp := Coverage{
		ConversationID: req.ConversationID,
		Mode:           string(s.settings().Coverage),
		Intervals:      []SpanJSON{},
	}
	conv, err := s.db.GetConversation(ctx, req.ConversationID)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "get conversation: %v", err)
	}
	if conv != nil {
		resp.Title = conv.Title
		resp.Messages = conv.Messages
	}
	span, err := s.db.CachedSpan(ctx, req.ConversationID)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "cached span: %v", err)
	}
	if span != nil {
		sj := spanJSON(*span)
		resp.Span = &sj
	}
	intervals, err := s.db.Coverage(ctx, req.ConversationID)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "coverage: %v", err)
	}
	for _, r := range intervals {
		resp.Intervals = append(resp.Intervals, spanJSON(r))
	}
	return toStruct(resp)
}

func (s *HistoryService) ListConversations(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	convs, err := s.db.ListConversations(ctx)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "list conversations: %v", err)
	}
	resp := ConversationList{Conversations: make([]ConversationSummary, 0, len(convs))}
	for _, c := range convs {
		resp.Conversations = append(resp.Conversations, conversationSummary(c))
	}
	return toStruct(resp)
}

func (s *HistoryService) GetStatus(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	stats, err := s.db.Stats(ctx)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "stats: %v", err)
	}
	resp := Status{
		Session:       s.sessionName,
		UptimeMs:      time.Since(s.startedAt).Milliseconds(),
		Conversations: stats.Conversations,
		Messages:      stats.Messages,
		Payloads:      stats.Payloads,
		Downloaded:    stats.Downloaded,
		DroppedEvents: s.bus.Dropped(),
		Active:        []ActiveSync{},
	}
	for _, snap := range s.tracker.Active() {
		resp.Active = append(resp.Active, ActiveSync{
			SyncID:         snap.SyncID,
			ConversationID: snap.ConversationID,
			Phase:          string(snap.Phase),
			Started:        snap.Started.UTC().Format(time.RFC3339),
			Items:          snap.Items,
		})
	}
	return toStruct(resp)
}

func (s *HistoryService) WatchEvents(_ *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	ch, unsub := s.bus.Subscribe("sync.", 64)
	defer unsub()

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return nil
			}
			msg, err := toStruct(eventToWire(evt))
			if err != nil {
				return grpcstatus.Errorf(codes.Internal, "encode event: %v", err)
			}
			if err := stream.Send(msg); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

func eventToWire(evt bus.Event) Event {
	out := Event{
		EventID:      uuid.New().String(),
		Kind:         evt.Kind,
		OccurredAtMs: evt.Timestamp.UnixMilli(),
	}
	switch p := evt.Payload.(type) {
	case status.PhaseChange:
		out.SyncID, out.ConversationID = p.SyncID, p.ConversationID
		out.From, out.To = string(p.From), string(p.To)
		out.Count = p.Items
	case intsync.BatchCommitted:
		out.SyncID, out.ConversationID = p.SyncID, p.ConversationID
		out.Count = p.Count
		out.Last = p.Last.UTC().Format(time.RFC3339)
	case intsync.RateLimited:
		out.SyncID, out.ConversationID = p.SyncID, p.ConversationID
		out.RetryAfterMs = p.Wait.Milliseconds()
	}
	return out
}

// toStatus maps sync errors to gRPC codes. Rate limits carry a RetryInfo
// detail with the server-supplied delay.
func toStatus(err error) error {
	if wait, ok := remote.RetryAfter(err); ok {
		st := grpcstatus.New(codes.ResourceExhausted, err.Error())
		if detailed, derr := st.WithDetails(&errdetails.RetryInfo{RetryDelay: durationpb.New(wait)}); derr == nil {
			st = detailed
		}
		return st.Err()
	}
	switch {
	case errors.Is(err, context.Canceled):
		return grpcstatus.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return grpcstatus.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, timeline.ErrInvalidRange):
		return grpcstatus.Error(codes.InvalidArgument, err.Error())
	}
	return grpcstatus.Error(codes.Internal, err.Error())
}

// RetryAfter reports whether err is a rate-limit status and the delay the
// server asked for.
func RetryAfter(err error) (time.Duration, bool) {
	st, ok := grpcstatus.FromError(err)
	if !ok || st.Code() != codes.ResourceExhausted {
		return 0, false
	}
	for _, d := range st.Details() {
		if ri, ok := d.(*errdetails.RetryInfo); ok {
			return ri.GetRetryDelay().AsDuration(), true
		}
	}
	return 0, true
}
