package rpc

import (
	"context"
	"net"
	"time"

	"github.com/go-logr/logr"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/bpfman/bpfman-core/internal/bootstrap"
	"github.com/bpfman/bpfman-core/internal/orchestrator"
)

// Server is the C8 RPC Frontend: a grpc.Server bound to exactly one
// Orchestrator, plus the standard gRPC health service so a service
// manager or load balancer can probe readiness without a bpfman-aware
// client.
type Server struct {
	grpc    *grpc.Server
	health  *health.Server
	idle    *bootstrap.InactivityTimer
	timeout time.Duration
	log     logr.Logger
}

// NewServer builds the frontend over o. idleTimeout of 0 disables the
// inactivity shutdown spec.md §4.9 describes; shutdown is invoked from
// a background goroutine, never from inside a request handler.
func NewServer(o *orchestrator.Orchestrator, idleTimeout time.Duration, log logr.Logger) *Server {
	s := &Server{timeout: idleTimeout, log: log}

	opts := []grpc.ServerOption{
		grpc.ForceServerCodec(jsonCodec{}),
		grpc.ChainUnaryInterceptor(s.kickInterceptor, s.logInterceptor),
	}
	s.grpc = grpc.NewServer(opts...)

	desc := serviceDesc()
	s.grpc.RegisterService(&desc, &handler{o: o})

	s.health = health.NewServer()
	s.health.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s.grpc, s.health)

	s.idle = bootstrap.NewInactivityTimer(idleTimeout, func() {
		log.Info("inactivity timeout reached, shutting down")
		s.GracefulStop()
	})
	return s
}

// Serve blocks accepting connections on lis until GracefulStop or Stop.
func (s *Server) Serve(lis net.Listener) error {
	s.log.Info("rpc frontend serving", "address", lis.Addr().String())
	return s.grpc.Serve(lis)
}

// GracefulStop stops accepting new connections and waits for in-flight
// RPCs to finish, per spec.md §4.7's clean-shutdown requirement.
func (s *Server) GracefulStop() {
	s.idle.Stop()
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

// kickInterceptor postpones the inactivity timer on every inbound RPC,
// regardless of which method it is or whether it succeeds.
func (s *Server) kickInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	s.idle.Kick(s.timeout)
	return handler(ctx, req)
}

// logInterceptor logs every RPC's method name and outcome at V(1), the
// same verbosity level the rest of the daemon uses for per-request
// tracing.
func (s *Server) logInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	resp, err := handler(ctx, req)
	if err != nil {
		s.log.V(1).Info("rpc failed", "method", info.FullMethod, "error", err.Error())
	} else {
		s.log.V(1).Info("rpc completed", "method", info.FullMethod)
	}
	return resp, err
}
