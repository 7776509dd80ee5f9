package httpapi

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"ledgerlink.org/internal/obs"
)

// GRPCServer exposes the standard gRPC health service, driven by the same
// readiness probe as /readyz.
type GRPCServer struct {
	health    *health.Server
	readiness readinessChecker
	version   string
}

func NewGRPCServer(r readinessChecker, version string) *GRPCServer {
	if r == nil {
		r = ReadyProbe{}
	}
	return &GRPCServer{health: health.NewServer(), readiness: r, version: version}
}

// Register attaches the health service to s.
func (s *GRPCServer) Register(srv *grpc.Server) {
	healthpb.RegisterHealthServer(srv, s.health)
}

// Refresh runs the readiness probe once and publishes the result for the
// overall service and for serviceName.
func (s *GRPCServer) Refresh(ctx context.Context) error {
	status := healthpb.HealthCheckResponse_SERVING
	err := s.readiness.Check(ctx)
	if err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
		obs.Logger().WithError(err).WithField("version", s.version).Warn("grpc health: not ready")
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(serviceName, status)
	return err
}

// Watch refreshes until ctx ends, then marks the service as shutting down.
func (s *GRPCServer) Watch(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		pctx, cancel := context.WithTimeout(ctx, every)
		_ = s.Refresh(pctx)
		cancel()
		select {
		case <-ctx.Done():
			s.health.Shutdown()
			return
		case <-t.C:
		}
	}
}
