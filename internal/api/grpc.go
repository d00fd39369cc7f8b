package api

import (
	"os"
	"path/filepath"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the health-check service name reported alongside the
// overall ("") status.
const ServiceName = "quantcache.Cache"

func newGRPCServer() (*grpc.Server, *health.Server) {
	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	reflection.Register(srv)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return srv, hs
}

// updateHealth marks the server SERVING when the data directory accepts
// writes.
func (s *Server) updateHealth() {
	status := healthpb.HealthCheckResponse_SERVING
	if err := probeWritable(s.opts.DataDir); err != nil {
		s.log.Warn("data directory not writable", "dir", s.opts.DataDir, "error", err)
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

func probeWritable(dir string) error {
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	return os.Remove(filepath.Clean(name))
}
