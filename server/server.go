package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/soheilhy/cmux"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the gRPC health service name reported alongside ""
const ServiceName = "tailstream"

// Config holds configuration for the listener
type Config struct {
	Address string
	Port    int
}

// Server multiplexes the HTTP API, pprof, metrics and gRPC health on one port
type Server struct {
	config Config

	listener net.Listener
	mux      cmux.CMux
	grpc     *grpc.Server
	http     *http.Server
	health   *health.Server

	routes         []route
	metricsHandler http.Handler

	mu       sync.Mutex
	started  bool
	stopping atomic.Bool
	wg       sync.WaitGroup
}

type route struct {
	pattern string
	handler http.Handler
}

// New creates a server; nothing listens until Start
func New(config Config) *Server {
	return &Server{config: config, health: health.NewServer()}
}

// Handle registers an HTTP handler. Must be called before Start.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.routes = append(s.routes, route{pattern: pattern, handler: handler})
}

// SetMetricsHandler sets the Prometheus metrics HTTP handler
func (s *Server) SetMetricsHandler(handler http.Handler) {
	s.metricsHandler = handler
}

// Start listens and serves HTTP and gRPC on the configured port
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("server already started")
	}

	addr := fmt.Sprintf("%s:%d", s.config.Address, s.config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	s.grpc = grpc.NewServer(
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    60 * time.Second,
			Timeout: 10 * time.Second,
		}),
	)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	reflection.Register(s.grpc)

	httpMux := http.NewServeMux()
	httpMux.HandleFunc("/debug/pprof/", pprof.Index)
	httpMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	httpMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	httpMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	httpMux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	httpMux.HandleFunc("/healthz", s.handleHealthz)

	if s.metricsHandler != nil {
		httpMux.Handle("/metrics", s.metricsHandler)
		log.Info().Msg("Metrics endpoint enabled at /metrics")
	}
	for _, rt := range s.routes {
		httpMux.Handle(rt.pattern, rt.handler)
	}

	s.http = &http.Server{
		Handler:           httpMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mux = cmux.New(listener)
	httpListener := s.mux.Match(cmux.HTTP1Fast())
	grpcListener := s.mux.Match(cmux.Any())

	log.Info().
		Str("address", listener.Addr().String()).
		Msg("Multiplexing HTTP and gRPC on same port")

	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		if err := s.http.Serve(httpListener); err != nil && !s.isClosed(err) {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()
	go func() {
		defer s.wg.Done()
		if err := s.grpc.Serve(grpcListener); err != nil && !s.isClosed(err) {
			log.Error().Err(err).Msg("gRPC server failed")
		}
	}()
	go func() {
		defer s.wg.Done()
		if err := s.mux.Serve(); err != nil && !s.isClosed(err) {
			log.Error().Err(err).Msg("cmux failed")
		}
	}()

	s.SetServing(true)
	s.started = true
	return nil
}

// Addr returns the bound address, nil before Start
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// SetServing flips the health status reported over gRPC and /healthz
func (s *Server) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp, err := s.health.Check(r.Context(), &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil || resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		http.Error(w, "not serving", http.StatusServiceUnavailable)
		return
	}
	w.Write([]byte("ok"))
}

// Stop drains HTTP requests and gRPC calls until ctx ends, then closes the
// listener
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	s.started = false
	s.stopping.Store(true)

	log.Info().Msg("Stopping server")
	s.health.Shutdown()

	if err := s.http.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("HTTP server shutdown incomplete")
	}

	stopped := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		s.grpc.Stop()
		<-stopped
	}

	s.listener.Close()
	s.wg.Wait()
	log.Info().Msg("Server stopped")
}

func (s *Server) isClosed(err error) bool {
	return s.stopping.Load() ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, http.ErrServerClosed) ||
		errors.Is(err, grpc.ErrServerStopped)
}
