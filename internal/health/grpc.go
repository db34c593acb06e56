package health

import (
	"context"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"msd/internal/core"
)

// DefaultSyncInterval is how often instance statuses are pushed to the gRPC health service
const DefaultSyncInterval = 5 * time.Second

// GRPCServer serves the standard gRPC health protocol. Each instance is a
// service named after the instance; the empty service name reports the
// process itself.
type GRPCServer struct {
	server   *grpc.Server
	health   *grpchealth.Server
	source   StatusSource
	interval time.Duration
	logger   *slog.Logger
}

// NewGRPCServer creates a gRPC health server
func NewGRPCServer(source StatusSource, interval time.Duration, logger *slog.Logger) *GRPCServer {
	if interval <= 0 {
		interval = DefaultSyncInterval
	}
	s := &GRPCServer{
		server:   grpc.NewServer(),
		health:   grpchealth.NewServer(),
		source:   source,
		interval: interval,
		logger:   logger.With("component", "grpc-health"),
	}
	healthpb.RegisterHealthServer(s.server, s.health)
	s.Sync()
	return s
}

// Sync copies the current instance statuses into the health service
func (s *GRPCServer) Sync() {
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	for _, st := range s.source.Statuses() {
		s.health.SetServingStatus(st.Name, servingStatus(st))
	}
}

func servingStatus(st core.InstanceStatus) healthpb.HealthCheckResponse_ServingStatus {
	if st.State == core.InstanceDegraded || st.PublishedAt == nil {
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	return healthpb.HealthCheckResponse_SERVING
}

// Serve accepts connections on lis until Stop is called. Statuses are
// synced until ctx is cancelled.
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sync()
			}
		}
	}()

	s.logger.Info("Starting gRPC health server", "address", lis.Addr().String())
	return s.server.Serve(lis)
}

// Stop marks every service NOT_SERVING and stops the server gracefully
func (s *GRPCServer) Stop() {
	s.health.Shutdown()
	s.server.GracefulStop()
}
