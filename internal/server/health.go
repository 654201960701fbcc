package server

import (
	"context"
	"errors"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service name reported for the scheduler.
const ServiceName = "beaver.Scheduler"

// Idler is satisfied by the coordinator.
type Idler interface {
	WaitIdle(ctx context.Context) error
}

// Health serves the standard gRPC health protocol. Both the overall ("")
// and ServiceName statuses start NOT_SERVING and flip to SERVING once the
// coordinator finishes bootstrapping.
type Health struct {
	grpc   *grpc.Server
	health *health.Server
}

// NewHealth creates the gRPC server with the health service registered.
func NewHealth() *Health {
	h := &Health{grpc: grpc.NewServer(), health: health.NewServer()}
	healthpb.RegisterHealthServer(h.grpc, h.health)
	h.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// Serve accepts connections on lis until Stop is called. A Stop that wins
// the race against Serve is not an error.
func (h *Health) Serve(lis net.Listener) error {
	if err := h.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Track marks the service SERVING once idle reports ready. It blocks until
// then or until ctx is done.
func (h *Health) Track(ctx context.Context, idle Idler) error {
	if err := idle.WaitIdle(ctx); err != nil {
		return err
	}
	h.set(healthpb.HealthCheckResponse_SERVING)
	return nil
}

// Stop marks the service as shutting down and stops the server.
func (h *Health) Stop() {
	h.health.Shutdown()
	h.grpc.GracefulStop()
}

func (h *Health) set(status healthpb.HealthCheckResponse_ServingStatus) {
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(ServiceName, status)
}
