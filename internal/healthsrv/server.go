// Package healthsrv exposes the standard gRPC health service backed by the
// ledger's halt flag, so orchestrators stop routing traffic to a halted
// ledger.
package healthsrv

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// ServiceName is the service name callers may ask about besides "".
const ServiceName = "ledger"

// HaltChecker reports whether the ledger is halted.
type HaltChecker interface {
	Halted() (bool, string)
}

type Server struct {
	grpc_health_v1.UnimplementedHealthServer
	ledger       HaltChecker
	pollInterval time.Duration
}

func New(l HaltChecker) *Server {
	return &Server{ledger: l, pollInterval: time.Second}
}

func Register(server grpc.ServiceRegistrar, svc *Server) {
	grpc_health_v1.RegisterHealthServer(server, svc)
}

func (s *Server) current() grpc_health_v1.HealthCheckResponse_ServingStatus {
	if halted, _ := s.ledger.Halted(); halted {
		return grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	return grpc_health_v1.HealthCheckResponse_SERVING
}

func known(service string) bool {
	return service == "" || service == ServiceName
}

func (s *Server) Check(_ context.Context, req *grpc_health_v1.HealthCheckRequest) (*grpc_health_v1.HealthCheckResponse, error) {
	if !known(req.GetService()) {
		return nil, status.Errorf(codes.NotFound, "unknown service %q", req.GetService())
	}
	return &grpc_health_v1.HealthCheckResponse{Status: s.current()}, nil
}

// Watch sends the current status, then a new message whenever it changes.
func (s *Server) Watch(req *grpc_health_v1.HealthCheckRequest, stream grpc_health_v1.Health_WatchServer) error {
	if !known(req.GetService()) {
		return stream.Send(&grpc_health_v1.HealthCheckResponse{Status: grpc_health_v1.HealthCheckResponse_SERVICE_UNKNOWN})
	}
	last := s.current()
	if err := stream.Send(&grpc_health_v1.HealthCheckResponse{Status: last}); err != nil {
		return err
	}
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stream.Context().Done():
			return status.FromContextError(stream.Context().Err()).Err()
		case <-ticker.C:
			if st := s.current(); st != last {
				last = st
				if err := stream.Send(&grpc_health_v1.HealthCheckResponse{Status: st}); err != nil {
					return err
				}
			}
		}
	}
}
