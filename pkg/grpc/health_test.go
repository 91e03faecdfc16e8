package grpc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/delcom/broker/internal/logger"
)

func newTestHealthServer(t *testing.T) *HealthServer {
	t.Helper()
	hs, err := NewHealthServer(HealthServerConfig{
		InitialStatuses: map[string]grpc_health_v1.HealthCheckResponse_ServingStatus{
			ServiceName: grpc_health_v1.HealthCheckResponse_SERVING,
		},
	}, logger.NewNop())
	require.NoError(t, err)
	return hs
}

func TestHealthCheck(t *testing.T) {
	hs := newTestHealthServer(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		service  string
		want     grpc_health_v1.HealthCheckResponse_ServingStatus
		wantCode codes.Code
	}{
		{name: "overall", service: "", want: grpc_health_v1.HealthCheckResponse_SERVING},
		{name: "broker service", service: ServiceName, want: grpc_health_v1.HealthCheckResponse_SERVING},
		{name: "unknown service", service: "nope.v1.Nope", wantCode: codes.NotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := hs.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: tt.service})
			if tt.wantCode != codes.OK {
				assert.Equal(t, tt.wantCode, status.Code(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, resp.GetStatus())
		})
	}
}

func TestHealthSetServingStatusAndShutdown(t *testing.T) {
	hs := newTestHealthServer(t)

	hs.SetServingStatus(ServiceName, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	assert.False(t, hs.IsServing(ServiceName))
	assert.True(t, hs.IsServing(""))

	hs.SetServingStatus(ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)
	assert.True(t, hs.IsServing(ServiceName))

	hs.Shutdown()
	assert.False(t, hs.IsServing(""))
	assert.False(t, hs.IsServing(ServiceName))

	// Updates after shutdown are ignored
	hs.SetServingStatus(ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)
	assert.False(t, hs.IsServing(ServiceName))
}

func TestHealthWatch(t *testing.T) {
	env := newTestEnv(t)
	c := env.connect(ClientConfig{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	watch, err := grpc_health_v1.NewHealthClient(c.conn).Watch(ctx, &grpc_health_v1.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)

	resp, err := watch.Recv()
	require.NoError(t, err)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, resp.GetStatus())

	env.server.Health().SetServingStatus(ServiceName, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	resp, err = watch.Recv()
	require.NoError(t, err)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING, resp.GetStatus())
}
