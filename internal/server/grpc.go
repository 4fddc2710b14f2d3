package server

import (
	"log/slog"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	healthhandler "iot-dataflow/internal/health/handler"
	"iot-dataflow/internal/server/interceptors"
)

// HealthCheckMethod is logged at debug level only.
const HealthCheckMethod = "/grpc.health.v1.Health/Check"

// Deps holds optional service dependencies for gRPC handlers.
type Deps struct {
	// Health backs grpc.health.v1.Health. If nil, Check always reports SERVING.
	Health healthhandler.Checker
}

// NewGRPCServer returns a gRPC server with OpenTelemetry stats and request logging.
func NewGRPCServer(log *slog.Logger, opts ...grpc.ServerOption) *grpc.Server {
	base := []grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(interceptors.LoggingUnary(log, map[string]bool{HealthCheckMethod: true})),
	}
	return grpc.NewServer(append(base, opts...)...)
}

// RegisterServices registers the gRPC services with the given server.
//
//   - grpc.health.v1.Health → internal/health/handler
func RegisterServices(s grpc.ServiceRegistrar, deps Deps) {
	healthpb.RegisterHealthServer(s, healthhandler.NewServer(deps.Health))
}
