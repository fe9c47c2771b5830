package grpc

import (
	"context"
	"log/slog"
	"net"
	"sort"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// Probe vérifie une dépendance (Redis, Postgres, Neo4j...).
type Probe func(ctx context.Context) error

// Server publie la santé du service via grpc.health.v1.
// Le statut global ("") est SERVING seulement si toutes les sondes passent ;
// chaque sonde a aussi son propre service "timeline.<nom>".
type Server struct {
	port     string
	server   *grpc.Server
	health   *health.Server
	probes   map[string]Probe
	interval time.Duration
}

func NewServer(port string, probes map[string]Probe, interval time.Duration) *Server {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	grpcServer := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
	)

	// Health Check & Reflection
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)

	return &Server{
		port:     port,
		server:   grpcServer,
		health:   healthServer,
		probes:   probes,
		interval: interval,
	}
}

// Start bloque jusqu'à Stop.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", ":"+s.port)
	if err != nil {
		return err
	}
	return s.Serve(lis)
}

func (s *Server) Serve(lis net.Listener) error {
	slog.Info("📡 Timeline gRPC health listening", "addr", lis.Addr().String())
	return s.server.Serve(lis)
}

// Watch lance les sondes immédiatement puis à chaque intervalle, jusqu'à l'annulation de ctx.
func (s *Server) Watch(ctx context.Context) {
	s.Check(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Check(ctx)
		}
	}
}

// Check exécute chaque sonde une fois et met à jour les statuts.
func (s *Server) Check(ctx context.Context) bool {
	names := make([]string, 0, len(s.probes))
	for name := range s.probes {
		names = append(names, name)
	}
	sort.Strings(names)

	healthy := true
	for _, name := range names {
		probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := s.probes[name](probeCtx)
		cancel()

		status := grpc_health_v1.HealthCheckResponse_SERVING
		if err != nil {
			healthy = false
			status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
			slog.Warn("health probe failed", "probe", name, "error", err)
		}
		s.health.SetServingStatus("timeline."+name, status)
	}

	overall := grpc_health_v1.HealthCheckResponse_SERVING
	if !healthy {
		overall = grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", overall)
	return healthy
}

func (s *Server) Stop() {
	s.health.Shutdown()
	s.server.GracefulStop()
}
