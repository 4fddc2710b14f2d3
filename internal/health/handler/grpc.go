package handler

import (
	"context"

	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"iot-dataflow/internal/health"
)

// ServiceName is the gRPC health service name answered besides the empty (server-wide) name.
const ServiceName = "iot-dataflow"

// Checker produces a health report. *health.Checker implements it.
type Checker interface {
	Check(ctx context.Context) health.Report
}

// Server implements grpc.health.v1.Health for readiness and liveness probes.
type Server struct {
	healthpb.UnimplementedHealthServer
	checker Checker
}

// NewServer returns a Health gRPC server. A nil checker always reports SERVING.
func NewServer(checker Checker) *Server {
	return &Server{checker: checker}
}

// Check returns SERVING when every dependency is reachable and NOT_SERVING otherwise.
// Dependency failures are reported in the status, never as a gRPC error.
func (s *Server) Check(ctx context.Context, req *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	if svc := req.GetService(); svc != "" && svc != ServiceName {
		return nil, status.Errorf(codes.NotFound, "unknown service %q", svc)
	}
	if s.checker == nil {
		return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_SERVING}, nil
	}
	if !s.checker.Check(ctx).Healthy() {
		return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_NOT_SERVING}, nil
	}
	return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_SERVING}, nil
}
