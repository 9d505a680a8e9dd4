package daemon

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/matheus3301/histcache/internal/api"
	"github.com/matheus3301/histcache/internal/session"
)

// Server serves the history API on the session's Unix domain socket.
type Server struct {
	grpc   *grpc.Server
	lis    net.Listener
	socket string
	logger *zap.Logger
}

// NewServer binds the socket and registers the history service. The caller
// must hold the session lock, so any socket already at the path is stale.
func NewServer(p Params, logger *zap.Logger, historySvc *api.HistoryService) (*Server, error) {
	socket := p.SocketPath
	if socket == "" {
		socket = session.SocketPath(p.SessionName)
	}
	if err := removeStaleSocket(socket); err != nil {
		return nil, err
	}

	lis, err := net.Listen("unix", socket)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", socket, err)
	}
	if err := os.Chmod(socket, 0600); err != nil {
		_ = lis.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	logger = logger.Named("rpc")
	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(unaryLogger(logger)),
		grpc.ChainStreamInterceptor(streamLogger(logger)),
		grpc.MaxSendMsgSize(api.MaxMessageSize),
	)
	api.Register(srv, historySvc)

	return &Server{grpc: srv, lis: lis, socket: socket, logger: logger}, nil
}

// removeStaleSocket deletes a leftover socket file and refuses to touch
// anything else found at the path.
func removeStaleSocket(path string) error {
	info, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat socket: %w", err)
	}
	if info.Mode().Type() != fs.ModeSocket {
		return fmt.Errorf("%s exists and is not a socket", path)
	}
	return os.Remove(path)
}

// Start serves until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("serving", zap.String("socket", s.socket))
	err := s.grpc.Serve(s.lis)
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

// Stop drains in-flight calls and removes the socket. History streams still
// open when ctx ends are cut.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("stopping")
	drained := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		s.logger.Warn("drain timed out, closing open streams")
		s.grpc.Stop()
		<-drained
	}
	_ = os.Remove(s.socket)
}

func unaryLogger(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logCall(logger, info.FullMethod, start, err)
		return resp, err
	}
}

func streamLogger(logger *zap.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		logCall(logger, info.FullMethod, start, err)
		return err
	}
}

func logCall(logger *zap.Logger, method string, start time.Time, err error) {
	fields := []zap.Field{
		zap.String("method", method),
		zap.Duration("elapsed", time.Since(start)),
		zap.String("code", status.Code(err).String()),
	}
	if err != nil {
		logger.Warn("call failed", append(fields, zap.Error(err))...)
		return
	}
	logger.Debug("call", fields...)
}
