package grpc

import (
	"context"
	"fmt"
	"net"

	"go.uber.org/zap"
	grpclib "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/sunshow/workgear/conductor/internal/engine"
)

// ListenAndServe serves the Conductor and health services on port until ctx
// is cancelled, then stops gracefully.
func ListenAndServe(ctx context.Context, port string, e *engine.Engine, logger *zap.SugaredLogger) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%s", port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	server := grpclib.NewServer()

	// Register health check
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	NewServer(e, logger).Register(server)

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("Conductor gRPC server listening on :%s", port)
		errCh <- server.Serve(lis)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}
	logger.Info("Shutting down gRPC server...")
	healthServer.Shutdown()
	server.GracefulStop()
	logger.Info("Server stopped")
	return nil
}
