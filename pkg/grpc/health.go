package grpc

import (
	"context"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/delcom/broker/internal/logger"
)

// HealthServer implements the gRPC health checking protocol
// See https://github.com/grpc/grpc/blob/master/doc/health-checking.md
type HealthServer struct {
	grpc_health_v1.UnimplementedHealthServer
	logger   *logger.Logger
	mu       sync.RWMutex
	statuses map[string]grpc_health_v1.HealthCheckResponse_ServingStatus
	watchers map[string]map[chan grpc_health_v1.HealthCheckResponse_ServingStatus]struct{}
	shutdown bool
}

// HealthServerConfig contains health server configuration
type HealthServerConfig struct {
	// InitialStatuses maps service names to their initial health status
	InitialStatuses map[string]grpc_health_v1.HealthCheckResponse_ServingStatus
}

// NewHealthServer creates a new health check server
func NewHealthServer(cfg HealthServerConfig, log *logger.Logger) (*HealthServer, error) {
	statuses := make(map[string]grpc_health_v1.HealthCheckResponse_ServingStatus, len(cfg.InitialStatuses)+1)
	for service, st := range cfg.InitialStatuses {
		statuses[service] = st
	}
	if _, exists := statuses[""]; !exists {
		statuses[""] = grpc_health_v1.HealthCheckResponse_SERVING
	}

	hs := &HealthServer{
		logger:   logger.OrDefault(log, "health_server"),
		statuses: statuses,
		watchers: make(map[string]map[chan grpc_health_v1.HealthCheckResponse_ServingStatus]struct{}),
	}

	hs.logger.Info("Health server initialized",
		"initial_statuses", len(statuses),
		"default_status", statuses[""].String())

	return hs, nil
}

// Check implements the health check RPC. An unknown non-empty service is NOT_FOUND.
func (s *HealthServer) Check(ctx context.Context, req *grpc_health_v1.HealthCheckRequest) (*grpc_health_v1.HealthCheckResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	service := req.GetService()
	if _, exists := s.statuses[service]; !exists && service != "" {
		s.logger.Debug("Health check for unknown service", "service", service)
		return nil, status.Error(codes.NotFound, "unknown service")
	}

	return &grpc_health_v1.HealthCheckResponse{Status: s.getStatus(service)}, nil
}

// Watch implements the health watch RPC. It sends the current status, then every
// change, until the client goes away or the server shuts down.
func (s *HealthServer) Watch(req *grpc_health_v1.HealthCheckRequest, stream grpc_health_v1.Health_WatchServer) error {
	service := req.GetService()
	updates := make(chan grpc_health_v1.HealthCheckResponse_ServingStatus, 1)

	s.mu.Lock()
	current := s.getStatus(service)
	if _, known := s.statuses[service]; !known && service != "" {
		current = grpc_health_v1.HealthCheckResponse_SERVICE_UNKNOWN
	}
	if s.watchers[service] == nil {
		s.watchers[service] = make(map[chan grpc_health_v1.HealthCheckResponse_ServingStatus]struct{})
	}
	s.watchers[service][updates] = struct{}{}
	shutdown := s.shutdown
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.watchers[service], updates)
		s.mu.Unlock()
	}()

	if err := stream.Send(&grpc_health_v1.HealthCheckResponse{Status: current}); err != nil {
		return err
	}
	if shutdown {
		return nil
	}

	s.logger.Debug("Health watch started", "service", service)
	last := current
	for {
		select {
		case <-stream.Context().Done():
			return status.FromContextError(stream.Context().Err()).Err()
		case st, ok := <-updates:
			if !ok {
				return nil
			}
			if st == last {
				continue
			}
			last = st
			if err := stream.Send(&grpc_health_v1.HealthCheckResponse{Status: st}); err != nil {
				return err
			}
		}
	}
}

// SetServingStatus sets the serving status of the given service and notifies watchers
func (s *HealthServer) SetServingStatus(service string, st grpc_health_v1.HealthCheckResponse_ServingStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutdown {
		return
	}
	old := s.statuses[service]
	s.statuses[service] = st
	s.notifyLocked(service, st)

	s.logger.Info("Health status updated",
		"service", service,
		"old_status", old.String(),
		"new_status", st.String())
}

// Shutdown sets every service NOT_SERVING and ends all watches
func (s *HealthServer) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutdown {
		return
	}
	s.shutdown = true
	for service, watchers := range s.watchers {
		s.notifyLocked(service, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
		for ch := range watchers {
			close(ch)
		}
		delete(s.watchers, service)
	}
	s.logger.Info("Health server shutdown")
}

// notifyLocked must be called with the lock held. A watcher that has not consumed its
// previous update only sees the newest one.
func (s *HealthServer) notifyLocked(service string, st grpc_health_v1.HealthCheckResponse_ServingStatus) {
	for ch := range s.watchers[service] {
		select {
		case <-ch:
		default:
		}
		ch <- st
	}
}

// GetStatus returns the current serving status for a service
func (s *HealthServer) GetStatus(service string) grpc_health_v1.HealthCheckResponse_ServingStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getStatus(service)
}

// getStatus must be called with the lock held
func (s *HealthServer) getStatus(service string) grpc_health_v1.HealthCheckResponse_ServingStatus {
	if s.shutdown {
		return grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	st, exists := s.statuses[service]
	if !exists {
		st = s.statuses[""]
	}
	return st
}

// IsServing returns true if the service is currently SERVING
func (s *HealthServer) IsServing(service string) bool {
	return s.GetStatus(service) == grpc_health_v1.HealthCheckResponse_SERVING
}
