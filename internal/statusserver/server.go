// Package statusserver publishes the running session over gRPC health
// checks and Prometheus metrics over HTTP.
package statusserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/autoscope/internal/logging"
	"github.com/signalsfoundry/autoscope/internal/observability"
	"github.com/signalsfoundry/autoscope/model"
)

// ServiceName is the health service name that tracks the session.
const ServiceName = "autoscope.Session"

// Server serves health and metrics for one process.
type Server struct {
	grpc      *grpc.Server
	health    *health.Server
	collector *observability.Collector
	log       logging.Logger

	mu      sync.Mutex
	phase   model.Phase
	outcome error
	metrics *http.Server
}

// New builds a server. collector may be nil, which disables /metrics and
// RPC counting.
func New(collector *observability.Collector, log logging.Logger) *Server {
	if log == nil {
		log = logging.Noop()
	}
	s := &Server{
		health:    health.NewServer(),
		collector: collector,
		log:       log,
		phase:     model.PhaseInit,
	}
	s.grpc = grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			s.loggingUnaryServerInterceptor(),
			collector.UnaryServerInterceptor(),
		),
	)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.setServing(model.PhaseInit)
	return s
}

// ServingStatus is the health status reported while the session is in p.
func ServingStatus(p model.Phase) healthpb.HealthCheckResponse_ServingStatus {
	switch p {
	case model.PhaseWaitObservability, model.PhaseAcquisition, model.PhaseScience:
		return healthpb.HealthCheckResponse_SERVING
	default:
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
}

// SetPhase updates the health status. It is the session's OnPhase hook.
func (s *Server) SetPhase(p model.Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
	s.setServing(p)
}

// Phase returns the last published phase.
func (s *Server) Phase() model.Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Finish records the session result.
func (s *Server) Finish(err error) {
	st := status.Convert(ToStatusError(err))
	s.mu.Lock()
	s.outcome = st.Err()
	s.mu.Unlock()
	s.log.Info(context.Background(), "session outcome",
		logging.String("code", st.Code().String()),
		logging.String("message", st.Message()),
	)
}

// Outcome is the gRPC status of the finished session, nil on success.
func (s *Server) Outcome() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome
}

func (s *Server) setServing(p model.Phase) {
	st := ServingStatus(p)
	s.health.SetServingStatus(ServiceName, st)
	s.health.SetServingStatus("", st)
}

// Serve accepts health RPCs on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	s.log.Info(context.Background(), "serving session status", logging.String("addr", lis.Addr().String()))
	err := s.grpc.Serve(lis)
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

// ServeMetrics exposes /metrics on addr in the background.
func (s *Server) ServeMetrics(addr string) {
	if s.collector == nil || addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.collector.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.mu.Lock()
	s.metrics = srv
	s.mu.Unlock()

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()
	s.log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
}

// Stop marks every service as not serving and shuts both servers down.
func (s *Server) Stop(ctx context.Context) {
	s.health.Shutdown()
	stopped := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		s.grpc.Stop()
	}

	s.mu.Lock()
	srv := s.metrics
	s.mu.Unlock()
	if srv != nil {
		_ = srv.Shutdown(ctx)
	}
}

// loggingUnaryServerInterceptor attaches the method to the request logger.
func (s *Server) loggingUnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		resp, err := handler(ctx, req)
		s.log.Debug(ctx, "status rpc",
			logging.String("method", info.FullMethod),
			logging.String("code", status.Code(err).String()),
			logging.String("phase", s.Phase().String()),
		)
		return resp, err
	}
}
