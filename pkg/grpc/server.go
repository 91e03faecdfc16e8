package grpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/delcom/broker/internal/logger"
	"github.com/delcom/broker/pkg/broker"
	"github.com/delcom/broker/pkg/types"
)

const (
	// DefaultMaxRecvMsgSize is the default maximum message size for receiving (in bytes)
	DefaultMaxRecvMsgSize = 16 * 1024 * 1024
	// DefaultMaxSendMsgSize is the default maximum message size for sending (in bytes)
	DefaultMaxSendMsgSize = 16 * 1024 * 1024
	// DefaultKeepaliveTime is how long a quiet connection waits before pinging
	DefaultKeepaliveTime = 30 * time.Second
	// DefaultKeepaliveTimeout is how long a ping may go unanswered
	DefaultKeepaliveTimeout = 10 * time.Second
	// DefaultShutdownTimeout is the default graceful shutdown timeout
	DefaultShutdownTimeout = 10 * time.Second
)

// isClosedConnError checks if an error indicates a connection is already closed
func isClosedConnError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	return strings.Contains(err.Error(), "use of closed network connection")
}

// Server hosts the broker service and gRPC health checks on a TCP listener
type Server struct {
	addr            string
	listener        net.Listener
	server          *grpc.Server
	service         *Service
	health          *HealthServer
	logger          *logger.Logger
	mu              sync.RWMutex
	closed          bool
	started         bool
	wg              sync.WaitGroup
	shutdownTimeout time.Duration
	maxRecvMsgSize  int
	maxSendMsgSize  int
	keepalive       keepalive.ServerParameters
	stats           ServerStats
}

// ServerStats represents server statistics
type ServerStats struct {
	StartTime      time.Time `json:"start_time"`
	ActiveSessions int       `json:"active_sessions"`
	IsServing      bool      `json:"is_serving"`
}

// ServerConfig contains server configuration
type ServerConfig struct {
	Address          string
	MaxRecvMsgSize   int
	MaxSendMsgSize   int
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
	ShutdownTimeout  time.Duration
	OutboundBuffer   int
	Interceptors     []grpc.ServerOption
}

// NewServer creates a server for b. Nothing listens until Start or Serve.
func NewServer(cfg ServerConfig, b *broker.Broker, log *logger.Logger) (*Server, error) {
	if b == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "broker cannot be nil")
	}
	if log == nil {
		log = logger.Global()
	}

	maxRecvSize := cfg.MaxRecvMsgSize
	if maxRecvSize <= 0 {
		maxRecvSize = DefaultMaxRecvMsgSize
	}
	maxSendSize := cfg.MaxSendMsgSize
	if maxSendSize <= 0 {
		maxSendSize = DefaultMaxSendMsgSize
	}
	shutdownTimeout := cfg.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = DefaultShutdownTimeout
	}
	kaTime := cfg.KeepaliveTime
	if kaTime <= 0 {
		kaTime = DefaultKeepaliveTime
	}
	kaTimeout := cfg.KeepaliveTimeout
	if kaTimeout <= 0 {
		kaTimeout = DefaultKeepaliveTimeout
	}

	health, err := NewHealthServer(HealthServerConfig{
		InitialStatuses: map[string]grpc_health_v1.HealthCheckResponse_ServingStatus{
			ServiceName: grpc_health_v1.HealthCheckResponse_SERVING,
		},
	}, log)
	if err != nil {
		return nil, err
	}

	s := &Server{
		addr:            cfg.Address,
		service:         NewService(b, ServiceConfig{OutboundBuffer: cfg.OutboundBuffer}, log),
		health:          health,
		logger:          log.With("component", "grpc_server", "address", cfg.Address),
		shutdownTimeout: shutdownTimeout,
		maxRecvMsgSize:  maxRecvSize,
		maxSendMsgSize:  maxSendSize,
		keepalive: keepalive.ServerParameters{
			Time:    kaTime,
			Timeout: kaTimeout,
		},
	}

	opts := s.buildServerOptions(log, cfg.Interceptors)
	s.server = grpc.NewServer(opts...)
	s.server.RegisterService(&BrokerServiceDesc, s.service)
	grpc_health_v1.RegisterHealthServer(s.server, s.health)

	s.logger.Info("gRPC server initialized",
		"max_recv_msg_size", s.maxRecvMsgSize,
		"max_send_msg_size", s.maxSendMsgSize,
		"keepalive_time", kaTime.String(),
		"keepalive_timeout", kaTimeout.String(),
		"shutdown_timeout", s.shutdownTimeout.String())

	return s, nil
}

// buildServerOptions constructs the gRPC server options
func (s *Server) buildServerOptions(log *logger.Logger, extra []grpc.ServerOption) []grpc.ServerOption {
	opts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(s.maxRecvMsgSize),
		grpc.MaxSendMsgSize(s.maxSendMsgSize),
		grpc.Creds(insecure.NewCredentials()),
		grpc.KeepaliveParams(s.keepalive),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             s.keepalive.Time / 2,
			PermitWithoutStream: true,
		}),
		NewRecoveryInterceptor(log),
		NewStreamRecoveryInterceptor(log),
		NewLoggingInterceptor(log, DefaultInterceptorConfig()),
		NewStreamLoggingInterceptor(log, DefaultInterceptorConfig()),
	}
	return append(opts, extra...)
}

// Start listens on the configured TCP address and serves in the background
func (s *Server) Start(ctx context.Context) error {
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return types.WrapError(types.ErrCodeInternal, "failed to listen on "+s.addr, err)
	}
	if err := s.Serve(listener); err != nil {
		_ = listener.Close()
		return err
	}
	return nil
}

// Serve serves on an existing listener in the background
func (s *Server) Serve(listener net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return types.NewError(types.ErrCodeUnavailable, "server is closed")
	}
	if s.started {
		s.mu.Unlock()
		return types.NewError(types.ErrCodeInvalid, "server already started")
	}
	s.started = true
	s.listener = listener
	s.stats.StartTime = time.Now()
	s.stats.IsServing = true
	s.mu.Unlock()

	s.logger.Info("gRPC server listening", "listen_address", listener.Addr().String())

	s.wg.Add(1)
	go s.serve()
	return nil
}

// serve runs the gRPC server
func (s *Server) serve() {
	defer s.wg.Done()

	s.mu.RLock()
	server := s.server
	listener := s.listener
	s.mu.RUnlock()

	if err := server.Serve(listener); err != nil {
		s.mu.RLock()
		closed := s.closed
		s.mu.RUnlock()

		if !closed {
			s.logger.Error("gRPC server error", "error", err)
		}
	}
}

// Stop marks the server not serving, then stops gracefully, forcing the stop if open
// streams outlive the shutdown timeout
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return types.NewError(types.ErrCodeInvalid, "server already closed")
	}
	s.closed = true
	s.stats.IsServing = false
	started := s.started
	s.mu.Unlock()

	s.health.Shutdown()
	s.logger.Info("Stopping gRPC server", "active_sessions", s.service.ActiveSessions())
	s.service.CloseSessions(types.NewError(types.ErrCodeUnavailable, "broker shutting down"))

	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("gRPC server stopped gracefully")
	case <-ctx.Done():
		s.logger.Warn("gRPC server shutdown timeout, stopping immediately",
			"active_sessions", s.service.ActiveSessions())
		s.server.Stop()
		<-done
	}

	if started {
		s.mu.Lock()
		if err := s.listener.Close(); err != nil && !isClosedConnError(err) {
			s.logger.Error("Failed to close listener", "error", err)
		}
		s.mu.Unlock()
	}

	s.wg.Wait()
	s.logger.Info("gRPC server closed")
	return nil
}

// Health returns the server's health service
func (s *Server) Health() *HealthServer {
	return s.health
}

// Service returns the broker service
func (s *Server) Service() *Service {
	return s.service
}

// Addr returns the address the server is listening on, or the configured one before Start
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stats returns the current server statistics
func (s *Server) Stats() ServerStats {
	s.mu.RLock()
	stats := s.stats
	s.mu.RUnlock()
	stats.ActiveSessions = s.service.ActiveSessions()
	return stats
}

// IsServing returns true if the server is currently serving
func (s *Server) IsServing() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats.IsServing && !s.closed
}

// String returns a string representation of the server
func (s *Server) String() string {
	stats := s.Stats()
	return fmt.Sprintf("Server{Addr: %s, IsServing: %v, Sessions: %d, StartTime: %v}",
		s.Addr(), stats.IsServing, stats.ActiveSessions, stats.StartTime)
}
