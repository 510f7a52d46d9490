// Package grpcserver exposes runtime liveness over the standard gRPC health
// protocol, for orchestrators that probe gRPC rather than HTTP.
package grpcserver

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"option_trader/internal/core"
)

// ServiceName is the per-service health entry mirroring the overall status.
const ServiceName = "option_trader.runtime"

const defaultSweepInterval = 5 * time.Second

// Server bridges the health monitor into grpc_health_v1. A sweep flips the
// serving status whenever the aggregated health changes.
type Server struct {
	port     int
	interval time.Duration
	logger   core.ILogger
	hm       core.IHealthMonitor

	grpcServer *grpc.Server
	health     *grpchealth.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewServer(port int, hm core.IHealthMonitor, logger core.ILogger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		port:     port,
		interval: defaultSweepInterval,
		logger:   logger.WithField("component", "grpc_health_server"),
		hm:       hm,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start listens on the configured port and serves in the background.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("grpc health listen on %d failed: %w", s.port, err)
	}
	s.Serve(lis)
	return nil
}

// Serve installs the health service on lis and begins the status sweep.
// It does not block.
func (s *Server) Serve(lis net.Listener) {
	s.grpcServer = grpc.NewServer()
	s.health = grpchealth.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.setServing(s.hm == nil || s.hm.IsHealthy())

	s.wg.Add(1)
	go s.sweepLoop()

	go func() {
		s.logger.Info("gRPC health server serving", "addr", lis.Addr().String())
		if err := s.grpcServer.Serve(lis); err != nil && err != grpc.ErrServerStopped {
			s.logger.Error("gRPC health server failed", "error", err)
		}
	}()
}

// Stop drains in-flight RPCs, forcing the close when ctx expires first.
func (s *Server) Stop(ctx context.Context) error {
	s.cancel()
	s.wg.Wait()
	if s.grpcServer == nil {
		return nil
	}

	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.grpcServer.Stop()
		return ctx.Err()
	}
}

func (s *Server) sweepLoop() {
	defer s.wg.Done()
	if s.hm == nil {
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.setServing(s.hm.IsHealthy())
		}
	}
}

func (s *Server) setServing(serving bool) {
	status := healthpb.HealthCheckResponse_SERVING
	if !serving {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}
