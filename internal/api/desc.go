// Package api exposes the history cache over gRPC. Messages are
// google.protobuf.Struct values so the service needs no generated code.
package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const ServiceName = "histcache.v1.HistoryService"

const (
	methodStreamHistory = "/" + ServiceName + "/StreamHistory"
	methodGetCoverage   = "/" + ServiceName + "/GetCoverage"
	methodGetStatus     = "/" + ServiceName + "/GetStatus"
	methodListConvs     = "/" + ServiceName + "/ListConversations"
	methodWatchEvents   = "/" + ServiceName + "/WatchEvents"
)

// HistoryServer is the server API for the history service.
type HistoryServer interface {
	StreamHistory(*structpb.Struct, grpc.ServerStreamingServer[structpb.Struct]) error
	GetCoverage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListConversations(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchEvents(*structpb.Struct, grpc.ServerStreamingServer[structpb.Struct]) error
}

// Register adds srv to a gRPC server.
func Register(s grpc.ServiceRegistrar, srv HistoryServer) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*HistoryServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetCoverage", Handler: getCoverageHandler},
		{MethodName: "GetStatus", Handler: getStatusHandler},
		{MethodName: "ListConversations", Handler: listConversationsHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "StreamHistory", Handler: streamHistoryHandler, ServerStreams: true},
		{StreamName: "WatchEvents", Handler: watchEventsHandler, ServerStreams: true},
	},
	Metadata: "histcache/v1/history.proto",
}

func getCoverageHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return unary(srv, ctx, dec, interceptor, methodGetCoverage, HistoryServer.GetCoverage)
}

func getStatusHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return unary(srv, ctx, dec, interceptor, methodGetStatus, HistoryServer.GetStatus)
}

func listConversationsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return unary(srv, ctx, dec, interceptor, methodListConvs, HistoryServer.ListConversations)
}

func unary(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor, method string,
	call func(HistoryServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return call(srv.(HistoryServer), ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
	handler := func(ctx context.Context, req any) (any, error) {
		return call(srv.(HistoryServer), ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func streamHistoryHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(HistoryServer).StreamHistory(in, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

func watchEventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(HistoryServer).WatchEvents(in, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}
