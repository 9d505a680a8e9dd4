package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// MaxMessageSize bounds one encoded chunk. A chunk size of zero sends a whole
// range in one message, which can exceed gRPC's 4 MiB default.
const MaxMessageSize = 64 << 20

// Client wraps the gRPC connection to a session daemon.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon's Unix domain socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(MaxMessageSize)),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// StreamHistory yields the requested history chunk by chunk. Breaking out of
// the loop cancels the call.
func (c *Client) StreamHistory(ctx context.Context, req HistoryRequest) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stream, err := c.serverStream(ctx, 0, methodStreamHistory, req)
		if err != nil {
			yield(Chunk{}, err)
			return
		}
		for {
			msg, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(Chunk{}, err)
				return
			}
			var chunk Chunk
			if err := fromStruct(msg, &chunk); err != nil {
				yield(Chunk{}, fmt.Errorf("decode chunk: %w", err))
				return
			}
			if !yield(chunk, nil) {
				return
			}
		}
	}
}

// WatchEvents yields sync events until ctx is done or the loop breaks.
func (c *Client) WatchEvents(ctx context.Context) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stream, err := c.serverStream(ctx, 1, methodWatchEvents, struct{}{})
		if err != nil {
			yield(Event{}, err)
			return
		}
		for {
			msg, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(Event{}, err)
				return
			}
			var evt Event
			if err := fromStruct(msg, &evt); err != nil {
				yield(Event{}, fmt.Errorf("decode event: %w", err))
				return
			}
			if !yield(evt, nil) {
				return
			}
		}
	}
}

// GetCoverage returns what the cache holds for a conversation.
func (c *Client) GetCoverage(ctx context.Context, conversationID int64) (*Coverage, error) {
	var out Coverage
	in := map[string]int64{"conversation_id": conversationID}
	if err := c.invoke(ctx, methodGetCoverage, in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetStatus returns daemon counters and the syncs in progress.
func (c *Client) GetStatus(ctx context.Context) (*Status, error) {
	var out Status
	if err := c.invoke(ctx, methodGetStatus, struct{}{}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListConversations returns every cached conversation.
func (c *Client) ListConversations(ctx context.Context) ([]ConversationSummary, error) {
	var out ConversationList
	if err := c.invoke(ctx, methodListConvs, struct{}{}, &out); err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	req, err := toStruct(in)
	if err != nil {
		return err
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, method, req, resp); err != nil {
		return err
	}
	return fromStruct(resp, out)
}

func (c *Client) serverStream(ctx context.Context, idx int, method string, in any) (grpc.ServerStreamingClient[structpb.Struct], error) {
	req, err := toStruct(in)
	if err != nil {
		return nil, err
	}
	cs, err := c.conn.NewStream(ctx, &serviceDesc.Streams[idx], method)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: cs}
	if err := x.SendMsg(req); err != nil {
		return nil, err
	}
	if err := x.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
