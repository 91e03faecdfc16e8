package grpc

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/delcom/broker/internal/logger"
)

// InterceptorConfig contains configuration for server interceptors
type InterceptorConfig struct {
	// LogAllRequests logs every completed call, not just failures
	LogAllRequests bool
	// ExcludeMethods are full method names never logged on success
	ExcludeMethods []string
}

// DefaultInterceptorConfig returns default interceptor configuration. Health checks are
// polled often and are excluded from success logging.
func DefaultInterceptorConfig() InterceptorConfig {
	return InterceptorConfig{
		LogAllRequests: true,
		ExcludeMethods: []string{
			"/grpc.health.v1.Health/Check",
			"/grpc.health.v1.Health/Watch",
		},
	}
}

type loggingConfig struct {
	logger         *logger.Logger
	logAll         bool
	excludeMethods map[string]bool
}

func newLoggingConfig(log *logger.Logger, cfg InterceptorConfig) loggingConfig {
	exclude := make(map[string]bool, len(cfg.ExcludeMethods))
	for _, m := range cfg.ExcludeMethods {
		exclude[m] = true
	}
	return loggingConfig{
		logger:         logger.OrDefault(log, "grpc_logging_interceptor"),
		logAll:         cfg.LogAllRequests,
		excludeMethods: exclude,
	}
}

// NewLoggingInterceptor creates a unary logging interceptor
func NewLoggingInterceptor(log *logger.Logger, cfg InterceptorConfig) grpc.ServerOption {
	return grpc.ChainUnaryInterceptor(loggingUnaryInterceptor(newLoggingConfig(log, cfg)))
}

// NewStreamLoggingInterceptor creates a stream logging interceptor
func NewStreamLoggingInterceptor(log *logger.Logger, cfg InterceptorConfig) grpc.ServerOption {
	return grpc.ChainStreamInterceptor(loggingStreamInterceptor(newLoggingConfig(log, cfg)))
}

// NewRecoveryInterceptor turns a panic in a unary handler into an INTERNAL status
func NewRecoveryInterceptor(log *logger.Logger) grpc.ServerOption {
	return grpc.ChainUnaryInterceptor(recoveryUnaryInterceptor(logger.OrDefault(log, "grpc_recovery_interceptor")))
}

// NewStreamRecoveryInterceptor turns a panic in a stream handler into an INTERNAL status
func NewStreamRecoveryInterceptor(log *logger.Logger) grpc.ServerOption {
	return grpc.ChainStreamInterceptor(recoveryStreamInterceptor(logger.OrDefault(log, "grpc_recovery_interceptor")))
}

func recoveryUnaryInterceptor(l *logger.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = recovered(l, info.FullMethod, r)
			}
		}()
		return handler(ctx, req)
	}
}

func recoveryStreamInterceptor(l *logger.Logger) grpc.StreamServerInterceptor {
	return func(srv any, stream grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = recovered(l, info.FullMethod, r)
			}
		}()
		return handler(srv, stream)
	}
}

func recovered(l *logger.Logger, method string, r any) error {
	l.Error("Handler panic",
		"method", method,
		"panic", fmt.Sprint(r),
		"stack", string(debug.Stack()))
	return status.Error(codes.Internal, "internal error")
}

// loggingUnaryInterceptor logs unary RPC calls
func loggingUnaryInterceptor(cfg loggingConfig) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		cfg.finish(ctx, info.FullMethod, "RPC", start, err)
		return resp, err
	}
}

// loggingStreamInterceptor logs streaming RPC calls
func loggingStreamInterceptor(cfg loggingConfig) grpc.StreamServerInterceptor {
	return func(srv any, stream grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		method := info.FullMethod

		if !cfg.excludeMethods[method] {
			cfg.logger.Debug("Stream started", "method", method, "peer", peerAddr(stream.Context()))
		}

		err := handler(srv, stream)
		cfg.finish(stream.Context(), method, "Stream", start, err)
		return err
	}
}

func (cfg loggingConfig) finish(ctx context.Context, method, kind string, start time.Time, err error) {
	duration := time.Since(start)
	if err != nil {
		st, _ := status.FromError(err)
		l := cfg.logger.Warn
		if st.Code() == codes.Internal || st.Code() == codes.Unknown {
			l = cfg.logger.Error
		}
		l(kind+" failed",
			"method", method,
			"peer", peerAddr(ctx),
			"code", st.Code().String(),
			"message", st.Message(),
			"duration_ms", duration.Milliseconds())
		return
	}
	if cfg.logAll && !cfg.excludeMethods[method] {
		cfg.logger.Debug(kind+" completed",
			"method", method,
			"peer", peerAddr(ctx),
			"duration_ms", duration.Milliseconds())
	}
}

func peerAddr(ctx context.Context) string {
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		return p.Addr.String()
	}
	return ""
}
