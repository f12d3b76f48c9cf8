package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"portalsync/internal/config"
	"portalsync/internal/credentials"
	"portalsync/internal/db"
	"portalsync/internal/domain"
	"portalsync/internal/engine"
	"portalsync/internal/events"
	"portalsync/internal/jobcache"
	"portalsync/internal/metricsync"
	"portalsync/internal/migrate"
	"portalsync/internal/portal"
	"portalsync/internal/portal/scout"
	"portalsync/internal/queue"
	"portalsync/internal/server"
	"portalsync/internal/worker"
)

const jobCacheSize = 512

// services is the object graph shared by serve and the one-shot commands.
type services struct {
	Config  *config.Config
	Runtime config.Runtime
	Logger  *zap.Logger
	Engine  engine.Engine
	Creds   *credentials.Store
	Flow    credentials.Flow
	Metrics *metricsync.Synchronizer
	Jobs    *jobcache.Cache
	Queue   queue.Queue
	Redis   *redis.Client
}

func (s *services) Close() {
	if s.Redis != nil {
		_ = s.Redis.Close()
	}
}

func buildServices(ctx context.Context, conn *sql.DB, cfg *config.Config, rt config.Runtime, logger *zap.Logger) (*services, error) {
	registry := portal.NewRegistry()
	providers := credentials.Providers{}
	requirements := map[string]map[string]domain.Requirement{}
	ids := make([]string, 0, len(cfg.Portals))
	for id := range cfg.Portals {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		p := cfg.Portals[id]
		a := scout.New(id, p.BaseURL, &http.Client{Timeout: cfg.Orchestrator.CallTimeout})
		a.ListingTTL = p.ListingTTL
		registry.Register(a)
		providers[id] = p.OAuth()
		if len(p.Requirements) > 0 {
			requirements[id] = p.Requirements
		}
	}

	s := &services{Config: cfg, Runtime: rt, Logger: logger}
	creds := &credentials.Store{
		Refresher:      credentials.OAuth2Refresher{Providers: providers},
		Skew:           cfg.Credentials.Skew,
		RefreshTimeout: cfg.Credentials.RefreshTimeout,
		Logger:         logger.Named("credentials"),
	}

	var sinks events.Fanout
	switch {
	case rt.RedisURL != "":
		opts, err := redis.ParseURL(rt.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("redis.ParseURL: %w", err)
		}
		s.Redis = redis.NewClient(opts)
		if err := s.Redis.Ping(ctx).Err(); err != nil {
			s.Close()
			return nil, fmt.Errorf("redis ping failed: %w", err)
		}
		sinks = append(sinks, events.RedisSink{Client: s.Redis, Logger: logger})
	case cfg.Orchestrator.Queue == "redis":
		return nil, errors.New("orchestrator.queue is redis but PSYNC_REDIS_URL is not set")
	}
	if cfg.Orchestrator.Queue == "redis" {
		s.Queue = queue.NewRedis(s.Redis)
	} else {
		s.Queue = queue.NewMemory()
	}

	e := engine.New(conn, cfg.Orchestrator, registry, creds)
	e.Logger = logger.Named("engine")
	e.Requirements = requirements
	e.Queue = s.Queue
	creds.Repo = e.Repo

	cache := jobcache.New(e.Repo, jobCacheSize, cfg.Orchestrator.JobCacheTTL)
	e.Sink = append(events.Fanout{cache}, sinks...)

	s.Engine = e
	s.Creds = creds
	s.Jobs = cache
	s.Flow = credentials.Flow{Repo: e.Repo, Store: creds, Providers: providers, StateTTL: cfg.Credentials.StateTTL}
	s.Metrics = &metricsync.Synchronizer{
		Repo:        e.Repo,
		Portals:     registry,
		Creds:       creds,
		Schedule:    cfg.Metrics.Schedule,
		Concurrency: cfg.Metrics.Concurrency,
		CallTimeout: cfg.Orchestrator.CallTimeout,
		Logger:      logger.Named("metrics"),
	}
	return s, nil
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, the workers and the schedulers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			rt, err := config.LoadRuntime()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				rt.Addr = addr
			}
			if cmd.Flags().Changed("base-path") {
				rt.BasePath = basePath
			}
			if rt.JWTSecret == "" {
				return fmt.Errorf("PSYNC_JWT_SECRET is required for bearer auth")
			}
			logger, err := newLogger(rt.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync()

			conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(cmd.Context(), conn); err != nil {
				return err
			}
			s, err := buildServices(cmd.Context(), conn, cfg, rt, logger)
			if err != nil {
				return err
			}
			defer s.Close()
			return serve(cmd.Context(), s)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address (overrides PSYNC_ADDR)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path (overrides PSYNC_BASE_PATH)")
	return cmd
}

func serve(ctx context.Context, s *services) error {
	handler, err := server.New(server.Config{
		Engine:   s.Engine,
		Creds:    s.Creds,
		Flow:     s.Flow,
		Metrics:  s.Metrics,
		Jobs:     s.Jobs,
		BasePath: s.Runtime.BasePath,
		Auth: server.AuthConfig{
			JWTSecret:         s.Runtime.JWTSecret,
			AllowTenantHeader: s.Runtime.AllowTenantHeader,
			Logger:            s.Logger.Named("auth"),
		},
		Logger: s.Logger.Named("http"),
	})
	if err != nil {
		return err
	}
	srv := &http.Server{Addr: s.Runtime.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	g, ctx := errgroup.WithContext(ctx)
	pool := &worker.Pool{
		Queue:     s.Queue,
		Processor: s.Engine,
		Workers:   s.Config.Orchestrator.Workers,
		Logger:    s.Logger.Named("worker"),
	}
	reconciler := &worker.Reconciler{
		Store:    s.Engine.Repo,
		Engine:   s.Engine,
		Queue:    s.Queue,
		Interval: s.Config.Orchestrator.ReconcileInterval,
		Logger:   s.Logger.Named("reconcile"),
	}
	hooks := server.NewWebhookDispatcher(s.Engine.Repo, s.Config.Webhooks, s.Logger.Named("webhooks"))

	if err := s.Metrics.Start(ctx); err != nil {
		return err
	}
	g.Go(func() error { return pool.Run(ctx) })
	g.Go(func() error { return reconciler.Run(ctx) })
	g.Go(func() error {
		hooks.Run(ctx)
		return nil
	})
	if s.Redis != nil {
		// transitions committed by other instances drop their tenant's cached lists here too
		sub := events.RedisSubscriber{Client: s.Redis, Sink: s.Jobs, Logger: s.Logger.Named("events")}
		g.Go(func() error { return sub.Run(ctx) })
	}
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		s.Logger.Info("serving portalsync API",
			zap.String("addr", s.Runtime.Addr),
			zap.String("base_path", s.Runtime.BasePath),
			zap.Strings("portals", s.Engine.Portals.IDs()),
			zap.String("queue", s.Config.Orchestrator.Queue))
		fmt.Printf("Serving portalsync API on %s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", s.Runtime.Addr, s.Runtime.BasePath)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	return g.Wait()
}
