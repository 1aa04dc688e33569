// Package grpc exposes a trimmed admin/control-plane surface: a standard
// grpc.Server carrying the gRPC health-checking protocol plus reflection,
// its serving status driven by the fetcher's circuit-breaker state and
// the pool's capacity alerts. This gateway has no per-tenant auth, so
// the interceptor chain a richer control plane would carry is dropped
// (see DESIGN.md), leaving the health/reflection surface as the concrete
// exercise of google.golang.org/grpc.
package grpc

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/aoxiansheng/streamgw/internal/fetcher"
	"github.com/aoxiansheng/streamgw/internal/pool"
)

// StatsSource is the subset of the gateway's subsystems the admin plane
// polls to derive serving status.
type StatsSource interface {
	GetStats() fetcher.Stats
}

// Server is the gRPC admin/control-plane surface.
type Server struct {
	server   *grpc.Server
	health   *health.Server
	pool     *pool.Manager
	fetcher  StatsSource
	logger   *zap.Logger
	port     int

	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer constructs the admin gRPC server.
func NewServer(port int, pm *pool.Manager, fm StatsSource, logger *zap.Logger) *Server {
	healthSrv := health.NewServer()
	grpcSrv := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, healthSrv)
	reflection.Register(grpcSrv)

	return &Server{
		server:  grpcSrv,
		health:  healthSrv,
		pool:    pm,
		fetcher: fm,
		logger:  logger,
		port:    port,
	}
}

// Start listens and serves, and begins the background health-status
// updater. Blocks until the listener errors or Stop is called.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", ":"+strconv.Itoa(s.port))
	if err != nil {
		return errors.Wrap(err, "grpc: failed to listen")
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	go s.healthLoop()

	s.logger.Info("grpc: admin server listening", zap.Int("port", s.port))
	return s.server.Serve(lis)
}

// healthLoop reflects the fetcher's circuit-breaker state and the pool's
// capacity alerts into the standard gRPC health-checking status.
func (s *Server) healthLoop() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			status := healthpb.HealthCheckResponse_SERVING
			if s.fetcher.GetStats().CircuitOpen {
				status = healthpb.HealthCheckResponse_NOT_SERVING
			}
			for _, alert := range s.pool.Alerts() {
				if alert.Critical {
					status = healthpb.HealthCheckResponse_NOT_SERVING
				}
			}
			s.health.SetServingStatus("", status)
		}
	}
}

// Stop gracefully stops the gRPC server.
func (s *Server) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.server.GracefulStop()
}
