package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"

	"github.com/jupiterclapton/cenackle/services/timeline-service/config"
	grpc_adapter "github.com/jupiterclapton/cenackle/services/timeline-service/internal/adapters/primary/grpc"
	"github.com/jupiterclapton/cenackle/services/timeline-service/internal/adapters/secondary/eventbroker"
	"github.com/jupiterclapton/cenackle/services/timeline-service/internal/adapters/secondary/queue"
	"github.com/jupiterclapton/cenackle/services/timeline-service/internal/adapters/secondary/repository"
	"github.com/jupiterclapton/cenackle/services/timeline-service/internal/adapters/secondary/repository/migrations"
	"github.com/jupiterclapton/cenackle/services/timeline-service/internal/core/ports"
	"github.com/jupiterclapton/cenackle/services/timeline-service/internal/core/services"
)

// app regroupe l'infrastructure partagée par toutes les commandes.
type app struct {
	cfg   *config.Config
	rdb   *redis.Client
	pool  *pgxpool.Pool
	neo   neo4j.DriverWithContext
	nc    *nats.Conn
	local *queue.Local
	js    *queue.JetStream
	feeds *services.FeedManager

	closers []func()
}

// newApp ouvre les connexions. L'appelant doit defer a.Close().
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}
	ready := false
	defer func() {
		if !ready {
			a.Close()
		}
	}()

	// 1. Redis (feeds, verrous, pub/sub)
	a.rdb = redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	a.closers = append(a.closers, func() { _ = a.rdb.Close() })
	if err := redisotel.InstrumentTracing(a.rdb); err != nil {
		return nil, fmt.Errorf("redis instrumentation: %w", err)
	}
	if err := a.rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("unable to connect to Redis: %w", err)
	}
	slog.Info("✅ Connected to Redis")

	// 2. Postgres (statuts, comptes, listes, filtres)
	pgCfg, err := pgxpool.ParseConfig(cfg.DBUrl)
	if err != nil {
		return nil, fmt.Errorf("parse db url: %w", err)
	}
	pgCfg.ConnConfig.Tracer = otelpgx.NewTracer()
	a.pool, err = pgxpool.NewWithConfig(ctx, pgCfg)
	if err != nil {
		return nil, fmt.Errorf("unable to create pg pool: %w", err)
	}
	a.closers = append(a.closers, a.pool.Close)
	if err := a.pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to connect to Postgres: %w", err)
	}
	slog.Info("✅ Connected to Postgres")

	if cfg.AutoMigrate {
		if err := migrations.Up(a.pool); err != nil {
			return nil, fmt.Errorf("migrations: %w", err)
		}
		slog.Info("✅ Migrations applied")
	}

	// 3. Neo4j (graphe social)
	a.neo, err = neo4j.NewDriverWithContext(cfg.Neo4jURI, neo4j.BasicAuth(cfg.Neo4jUser, cfg.Neo4jPassword, ""))
	if err != nil {
		return nil, fmt.Errorf("neo4j driver: %w", err)
	}
	a.closers = append(a.closers, func() { _ = a.neo.Close(context.Background()) })
	if err := a.neo.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("unable to connect to Neo4j: %w", err)
	}
	graph := repository.NewNeo4jGraph(a.neo)
	if err := graph.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("neo4j schema: %w", err)
	}
	slog.Info("✅ Connected to Neo4j")

	// 4. File de jobs de régénération
	var jobs ports.JobQueue
	switch cfg.JobQueue {
	case "nats":
		a.nc, err = nats.Connect(cfg.NatsUrl)
		if err != nil {
			return nil, fmt.Errorf("unable to connect to NATS: %w", err)
		}
		a.closers = append(a.closers, a.nc.Close)
		a.js, err = queue.NewJetStream(ctx, a.nc, cfg.RegenerationTTL)
		if err != nil {
			return nil, err
		}
		jobs = a.js
		slog.Info("✅ Connected to NATS JetStream")
	default:
		a.local = queue.NewLocal(cfg.RegenerationWorker, cfg.RegenerationTTL)
		a.closers = append(a.closers, a.local.Stop)
		jobs = a.local
	}

	// 5. Core
	pg := repository.NewPostgresRepo(a.pool)
	opts := services.DefaultOptions()
	opts.MaxItems = int64(cfg.FeedMaxLength)
	opts.ReblogFalloff = int64(cfg.ReblogFalloff)
	opts.RegenerationTTL = cfg.RegenerationTTL
	opts.BatchSize = cfg.FanOutBatchSize
	opts.Concurrency = cfg.FanOutConcurrency

	a.feeds, err = services.NewFeedManager(services.Deps{
		Store:    repository.NewRedisTimelineStore(a.rdb),
		Statuses: pg,
		Accounts: pg,
		Lists:    pg,
		Filters:  pg,
		Graph:    graph,
		Notifier: eventbroker.NewRedisNotifier(a.rdb),
		Queue:    jobs,
		Locker:   repository.NewRedisLocker(a.rdb),
	}, opts)
	if err != nil {
		return nil, err
	}
	if a.local != nil {
		a.local.Handle(a.feeds.RunRegeneration)
	}
	ready = true
	return a, nil
}

// natsConn retourne la connexion NATS, en l'ouvrant si la file est locale.
func (a *app) natsConn() (*nats.Conn, error) {
	if a.nc != nil {
		return a.nc, nil
	}
	nc, err := nats.Connect(a.cfg.NatsUrl)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to NATS: %w", err)
	}
	a.nc = nc
	a.closers = append(a.closers, nc.Close)
	slog.Info("✅ Connected to NATS")
	return nc, nil
}

func (a *app) probes() map[string]grpc_adapter.Probe {
	return map[string]grpc_adapter.Probe{
		"redis":    func(ctx context.Context) error { return a.rdb.Ping(ctx).Err() },
		"postgres": func(ctx context.Context) error { return a.pool.Ping(ctx) },
		"neo4j":    func(ctx context.Context) error { return a.neo.VerifyConnectivity(ctx) },
		"nats": func(context.Context) error {
			if a.nc == nil || !a.nc.IsConnected() {
				return errors.New("nats disconnected")
			}
			return nil
		},
	}
}

// Close ferme dans l'ordre inverse d'ouverture.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func shutdownContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}
