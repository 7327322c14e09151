package health

import (
	"context"
	"fmt"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the service reported through grpc.health.v1 alongside the
// empty overall service.
const ServiceName = "deep-research"

// GRPCServer exposes readiness over the standard gRPC health protocol.
type GRPCServer struct {
	server *grpc.Server
	health *grpchealth.Server
	logger *zap.Logger
}

// NewGRPCServer starts NOT_SERVING; call Sync or wire it to
// Manager.OnChange to follow readiness.
func NewGRPCServer(logger *zap.Logger) *GRPCServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	hs := grpchealth.NewServer()
	hs.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(ServiceName, grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	srv := grpc.NewServer()
	grpc_health_v1.RegisterHealthServer(srv, hs)
	reflection.Register(srv)
	return &GRPCServer{server: srv, health: hs, logger: logger}
}

// Sync maps an overall health value onto the serving status.
func (g *GRPCServer) Sync(overall OverallHealth) {
	status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if overall.Ready {
		status = grpc_health_v1.HealthCheckResponse_SERVING
	}
	g.health.SetServingStatus("", status)
	g.health.SetServingStatus(ServiceName, status)
}

// Serve blocks on lis until ctx is done, then stops gracefully.
func (g *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("gRPC health service listening", zap.String("address", lis.Addr().String()))
		errCh <- g.server.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		g.health.Shutdown()
		g.server.GracefulStop()
		<-errCh
		return nil
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("grpc health server: %w", err)
		}
		return nil
	}
}
