// Package server hosts the relay's network front: the websocket endpoint on
// HTTP plus a gRPC health service for orchestration probes.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

const shutdownTimeout = 10 * time.Second

// Options configures the network front.
type Options struct {
	// Addr is the HTTP listen address serving the websocket endpoint.
	Addr string
	// GRPCAddr is the health service listen address, empty to disable it.
	GRPCAddr string
	// Gateway handles websocket upgrades on /relay.
	Gateway http.Handler
	Logger  *log.Logger
}

// Server owns the relay's listeners.
type Server struct {
	httpServer *http.Server
	httpLis    net.Listener
	grpcServer *grpc.Server
	grpcLis    net.Listener
	health     *health.Server
	logger     *log.Logger
}

// New binds the listeners and prepares the servers without serving yet.
func New(opts Options) (*Server, error) {
	if opts.Gateway == nil {
		return nil, errors.New("server: gateway handler is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	httpLis, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", opts.Addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/relay", opts.Gateway)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &Server{
		httpServer: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		httpLis: httpLis,
		logger:  logger,
	}

	if opts.GRPCAddr != "" {
		grpcLis, err := net.Listen("tcp", opts.GRPCAddr)
		if err != nil {
			httpLis.Close()
			return nil, fmt.Errorf("listen on %s: %w", opts.GRPCAddr, err)
		}
		grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
		healthServer := health.NewServer()
		grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
		srv.grpcServer = grpcServer
		srv.grpcLis = grpcLis
		srv.health = healthServer
	}

	return srv, nil
}

// Addr reports the bound HTTP address.
func (s *Server) Addr() string { return s.httpLis.Addr().String() }

// GRPCAddr reports the bound health service address, empty when disabled.
func (s *Server) GRPCAddr() string {
	if s.grpcLis == nil {
		return ""
	}
	return s.grpcLis.Addr().String()
}

// Serve runs the listeners until ctx ends, then drains connections.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 2)

	go func() {
		s.logger.Printf("relay listening at %s", s.httpLis.Addr())
		if err := s.httpServer.Serve(s.httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("serve http: %w", err)
			return
		}
		errCh <- nil
	}()

	if s.grpcServer != nil {
		s.health.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
		go func() {
			s.logger.Printf("health service listening at %s", s.grpcLis.Addr())
			if err := s.grpcServer.Serve(s.grpcLis); err != nil {
				errCh <- fmt.Errorf("serve grpc: %w", err)
				return
			}
			errCh <- nil
		}()
	}

	select {
	case <-ctx.Done():
		return s.shutdown()
	case err := <-errCh:
		if err != nil {
			s.shutdown()
			return err
		}
		return s.shutdown()
	}
}

func (s *Server) shutdown() error {
	if s.health != nil {
		s.health.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := s.httpServer.Shutdown(shutdownCtx)
	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}
	return err
}
