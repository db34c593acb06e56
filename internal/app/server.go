package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"msd/internal/config"
	"msd/internal/health"
	"msd/internal/supervisor"
	"msd/internal/telemetry"
)

// Server represents the discovery service
type Server struct {
	config      *config.Config
	supervisor  *supervisor.Supervisor
	httpServer  *http.Server
	grpcServer  *health.GRPCServer
	grpcAddr    string
	telemetry   *telemetry.Telemetry
	definitions *telemetry.DefinitionMetrics
	closers     []io.Closer
	logger      *slog.Logger

	httpAddr net.Addr
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewServer creates a new discovery server
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	return NewBuilder(cfg, logger).Build()
}

// Start binds the listeners, starts one poller per instance and serves
// the query surface in the background. It returns once everything runs;
// call Stop to shut down.
func (s *Server) Start(ctx context.Context) error {
	httpLis, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("HTTP server: %w", err)
	}

	var grpcLis net.Listener
	if s.grpcServer != nil {
		grpcLis, err = net.Listen("tcp", s.grpcAddr)
		if err != nil {
			httpLis.Close()
			return fmt.Errorf("gRPC health server: %w", err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.httpAddr = httpLis.Addr()

	s.supervisor.Start(runCtx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("Starting HTTP server", "address", httpLis.Addr().String())
		if err := s.httpServer.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server failed", "error", err)
		}
	}()

	if grpcLis != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.grpcServer.Serve(runCtx, grpcLis); err != nil {
				s.logger.Error("gRPC health server failed", "error", err)
			}
		}()
	}

	s.logger.Info("Discovery service started", "instances", len(s.config.Discovery.Instances))
	return nil
}

// Addr returns the address the query surface listens on, nil before Start
func (s *Server) Addr() net.Addr {
	return s.httpAddr
}

// Supervisor returns the poller supervisor
func (s *Server) Supervisor() *supervisor.Supervisor {
	return s.supervisor
}

// Stop shuts down the listeners, waits for every poller to finish its
// current cycle and releases registry clients, the mirror and telemetry.
func (s *Server) Stop(ctx context.Context) error {
	var errs []error

	if s.httpAddr != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stopping HTTP server: %w", err))
		}
	}
	if s.grpcServer != nil {
		s.grpcServer.Stop()
	}

	if err := s.supervisor.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stopping pollers: %w", err))
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing: %w", err))
		}
	}
	if s.definitions != nil {
		if err := s.definitions.Unregister(); err != nil {
			errs = append(errs, fmt.Errorf("unregistering definition metrics: %w", err))
		}
	}
	if err := s.telemetry.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutting down telemetry: %w", err))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	s.logger.Info("Discovery service stopped")
	return nil
}
