package httpapi

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"gatekeep.org/internal/obs"
)

const serviceName = "gatekeep.v1.Auth"

type readinessChecker interface {
	Check(ctx context.Context) error
}

// GRPCServer implements grpc.health.v1.Health on top of the readiness probe.
// The empty service name and serviceName are both known.
type GRPCServer struct {
	healthpb.UnimplementedHealthServer

	readiness readinessChecker
	version   string
	log       logrus.FieldLogger
}

// NewGRPCServer creates the health service wrapper.
func NewGRPCServer(r readinessChecker, version string, logger logrus.FieldLogger) *GRPCServer {
	if logger == nil {
		logger = obs.Logger()
	}
	return &GRPCServer{
		readiness: r,
		version:   version,
		log:       logger.WithField("component", "grpc"),
	}
}

// Register builds a grpc.Server with access logging and the health service attached.
func (s *GRPCServer) Register(opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ChainUnaryInterceptor(s.logUnary))
	srv := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(srv, s)
	return srv
}

// Check evaluates readiness. A failing dependency reports NOT_SERVING.
func (s *GRPCServer) Check(ctx context.Context, req *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	if svc := req.GetService(); svc != "" && svc != serviceName {
		return nil, status.Errorf(codes.NotFound, "unknown service %q", svc)
	}
	if s.readiness != nil {
		if err := s.readiness.Check(ctx); err != nil {
			obs.SetReady(false)
			s.log.WithError(err).Warn("health check failed")
			return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_NOT_SERVING}, nil
		}
	}
	obs.SetReady(true)
	return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_SERVING}, nil
}

func (s *GRPCServer) logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	entry := s.log.WithFields(logrus.Fields{
		"method":      info.FullMethod,
		"code":        status.Code(err).String(),
		"duration_ms": float64(time.Since(start).Microseconds()) / 1000,
		"version":     s.version,
	})
	if err != nil {
		entry.Warn("grpc request")
	} else {
		entry.Debug("grpc request")
	}
	return resp, err
}
