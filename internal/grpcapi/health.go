// Package grpcapi serves the standard grpc.health.v1 service for
// orchestrator probes.
package grpcapi

import (
	"context"
	"fmt"
	"net"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health-checked service name.
const ServiceName = "accessbridge"

type HealthServer struct {
	addr   string
	grpc   *grpc.Server
	health *health.Server
	logger zerolog.Logger
}

func NewHealthServer(addr string, logger zerolog.Logger) *HealthServer {
	hs := health.NewServer()
	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, hs)

	return &HealthServer{
		addr:   addr,
		grpc:   gs,
		health: hs,
		logger: logger.With().Str("component", "grpc_health").Logger(),
	}
}

// Serve listens on the configured address until ctx is cancelled.
func (s *HealthServer) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener reports SERVING while it runs and NOT_SERVING once ctx is
// cancelled, then stops gracefully.
func (s *HealthServer) ServeListener(ctx context.Context, ln net.Listener) error {
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	errCh := make(chan error, 1)
	go func() { errCh <- s.grpc.Serve(ln) }()
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("grpc health server listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.health.Shutdown()
	s.grpc.GracefulStop()
	return ctx.Err()
}

func (s *HealthServer) String() string { return "grpc-health" }
