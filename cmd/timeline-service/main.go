package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jupiterclapton/cenackle/services/timeline-service/config"
	"github.com/jupiterclapton/cenackle/services/timeline-service/internal/adapters/primary/events"
	grpc_adapter "github.com/jupiterclapton/cenackle/services/timeline-service/internal/adapters/primary/grpc"
	http_adapter "github.com/jupiterclapton/cenackle/services/timeline-service/internal/adapters/primary/http"
	"github.com/jupiterclapton/cenackle/services/timeline-service/internal/telemetry"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:           "timeline-service",
	Short:         "Home, list, mentions and direct feed cache",
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		telemetry.InitLogger(os.Stderr, cfg.Env)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(feedsCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, the event consumer and the regeneration workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

func serve(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	slog.Info("🚀 Starting Timeline Service", "env", cfg.Env, "queue", cfg.JobQueue)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. Télémétrie (Tracing)
	tp, err := telemetry.InitTracer(ctx, cfg.ServiceName, cfg.Env, cfg.OtelEndpoint)
	if err != nil {
		slog.Error("Failed to init tracer", "error", err)
	} else {
		defer func() { _ = tp.Shutdown(context.Background()) }()
	}

	// 2. Infrastructure + Core
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	// 3. Consumer NATS (Driving Adapter - Async)
	nc, err := a.natsConn()
	if err != nil {
		return err
	}
	handler := events.NewEventHandler(a.feeds, cfg.FanOutTimeout)
	if _, err := handler.Subscribe(nc); err != nil {
		return err
	}
	slog.Info("👂 Listening for events (NATS)")

	// 4. Serveurs
	httpServer := http_adapter.NewServer(http_adapter.Options{
		Port:        cfg.HTTPPort,
		CORSOrigins: cfg.CORSOrigins,
	}, a.feeds, slog.Default())
	grpcServer := grpc_adapter.NewServer(cfg.GRPCPort, a.probes(), 0)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(httpServer.Start)
	g.Go(grpcServer.Start)
	g.Go(func() error {
		grpcServer.Watch(gctx)
		return nil
	})
	if a.js != nil {
		g.Go(func() error {
			return a.js.Consume(gctx, cfg.RegenerationWorker, a.feeds.RunRegeneration)
		})
	}

	// Graceful Shutdown
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("🛑 Shutting down server...")
		shutdownCtx, cancel := shutdownContext()
		defer cancel()
		grpcServer.Stop()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("👋 Server exited")
	return nil
}
