// Package main is the entry point for the regionflagz server.
//
// The bootstrap sequence is:
//  1. Load configuration from environment variables.
//  2. Build the in-memory world, either from PostgreSQL (running migrations
//     and loading a snapshot) or from an optional seed file.
//  3. Register the configured region flags and start the tracking registry
//     on the tick loop.
//  4. Wire operator tokens, then the HTTP (:8080) and gRPC (:9090) servers,
//     plus the tailnet admin portal when ADMIN_HOSTNAME is set.
//  5. Run the tick loop, the region event follower and the servers until
//     SIGINT/SIGTERM, then shut everything down gracefully.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/matt-riley/regionflagz/internal/config"
	"github.com/matt-riley/regionflagz/internal/core"
	"github.com/matt-riley/regionflagz/internal/detector"
	"github.com/matt-riley/regionflagz/internal/logging"
	"github.com/matt-riley/regionflagz/internal/metrics"
	"github.com/matt-riley/regionflagz/internal/middleware"
	"github.com/matt-riley/regionflagz/internal/repository"
	"github.com/matt-riley/regionflagz/internal/server"
	"github.com/matt-riley/regionflagz/internal/service"
	"github.com/matt-riley/regionflagz/internal/tracing"
	"github.com/matt-riley/regionflagz/internal/world"
)

const (
	shutdownTimeout       = 10 * time.Second
	httpReadHeaderTimeout = 5 * time.Second
	httpReadTimeout       = 30 * time.Second
	httpIdleTimeout       = 2 * time.Minute

	// systemOperator is recorded on region events the server emits itself.
	systemOperator = "regionflagz"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.New(cfg.LogLevel)
	slog.SetDefault(log)

	shutdownTracer, err := tracing.Init(context.Background())
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("tracer shutdown error", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	w := world.New(world.WithLogger(logging.Component(log, "world")))
	loop := world.NewLoop(logging.Component(log, "loop"))

	var (
		store    server.Store
		follower *repository.Follower
		ready    = func(context.Context) error { return nil }
	)
	if cfg.DatabaseURL != "" {
		if cfg.WorldSeedFile != "" {
			log.Warn("WORLD_SEED_FILE is ignored when DATABASE_URL is set", "file", cfg.WorldSeedFile)
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pool.Close()
		if err := runMigrations(ctx, pool, logging.Component(log, "migrate")); err != nil {
			return err
		}
		metrics.RegisterPoolMetrics(m.Registry, pool)

		repo := repository.NewPostgresRepository(pool)
		lastEventID, err := loadPersistedWorld(ctx, repo, w, cfg.RegionFlags)
		if err != nil {
			return err
		}
		follower = repository.NewFollower(repo, w, loop, lastEventID,
			repository.WithFollowerLogger(logging.Component(log, "follower")),
			repository.WithResyncInterval(cfg.EventResyncInterval),
			repository.WithAppliedHook(m.RecordRegionEvent),
		)
		store = server.NewPersistentStore(repo, w)
		ready = repo.Ping
	} else {
		if cfg.WorldSeedFile != "" {
			if err := world.LoadSeedFile(w, cfg.WorldSeedFile); err != nil {
				return fmt.Errorf("load world seed: %w", err)
			}
		}
		store = server.NewWorldStore(w, loop)
	}

	registry, err := startRegistry(cfg, w, loop, log, m)
	if err != nil {
		return err
	}
	defer func() {
		if err := registry.Stop(); err != nil {
			log.Error("registry stop error", "error", err)
		}
	}()

	svc := server.NewBackend(registry, w, loop, store)

	var (
		validator middleware.TokenValidator
		authOpts  []middleware.AuthOption
	)
	if len(cfg.OperatorTokens) > 0 {
		hashes := make(map[string]string, len(cfg.OperatorTokens))
		for _, tok := range cfg.OperatorTokens {
			hashes[tok.ID] = tok.Hash
		}
		limiter := middleware.NewRateLimiter(ctx, cfg.AuthRateLimit)
		defer limiter.Stop()
		validator = middleware.NewOperatorTokens(hashes)
		authOpts = append(authOpts,
			middleware.WithOnAuthFailure(m.IncAuthFailures),
			middleware.WithRateLimiter(limiter),
		)
	} else {
		log.Warn("no OPERATOR_TOKENS configured, region and player mutations are disabled")
	}

	httpOpts := []server.HTTPOption{
		server.WithObserver(m),
		server.WithReadiness(ready),
		server.WithMetricsHandler(m.Handler()),
		server.WithHeartbeatInterval(cfg.StreamHeartbeatInterval),
		server.WithMaxBodyBytes(cfg.MaxJSONBodySize),
		server.WithHTTPLogger(logging.Component(log, "http")),
	}
	switch {
	case cfg.RequireReadAuth:
		// Every /v1 request is authenticated before it reaches the API.
		httpOpts = append(httpOpts, server.WithOperatorAuth(passThrough))
	case validator != nil:
		httpOpts = append(httpOpts, server.WithOperatorAuth(middleware.HTTPBearerAuthMiddleware(validator, authOpts...)))
	}
	apiHandler := server.NewHTTPHandler(svc, httpOpts...)
	var readValidator middleware.TokenValidator
	if cfg.RequireReadAuth {
		readValidator = validator
	}
	httpHandler := newHTTPHandler(apiHandler, readValidator, authOpts...)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           otelhttp.NewHandler(middleware.HTTPRequestLogging(log, m.ObserveHTTP)(httpHandler), "regionflagz-http"),
		ReadHeaderTimeout: httpReadHeaderTimeout,
		ReadTimeout:       httpReadTimeout,
		IdleTimeout:       httpIdleTimeout,
	}

	grpcServer := newGRPCServer(log, m, readValidator, authOpts)
	server.RegisterTrackerServiceServer(grpcServer, server.NewGRPCServer(svc,
		server.WithGRPCObserver(m),
		server.WithGRPCLogger(logging.Component(log, "grpc")),
	))
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(server.TrackerServiceName, healthpb.HealthCheckResponse_SERVING)

	portal, err := newAdminPortal(ctx, cfg, svc, registry, logging.Component(log, "admin"))
	if err != nil {
		return err
	}
	if portal != nil {
		defer portal.shutdown()
	}

	httpListener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen HTTP %s: %w", cfg.HTTPAddr, err)
	}
	defer httpListener.Close()

	grpcListener, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen gRPC %s: %w", cfg.GRPCAddr, err)
	}
	defer grpcListener.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return loop.Run(gctx, cfg.TickInterval)
	})
	if follower != nil {
		g.Go(func() error {
			if err := follower.Run(gctx); err != nil {
				return fmt.Errorf("region event follower: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		if err := httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve HTTP: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := grpcServer.Serve(grpcListener); err != nil {
			return fmt.Errorf("serve gRPC: %w", err)
		}
		return nil
	})
	if portal != nil {
		g.Go(portal.serve)
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("server shutting down")
		if portal != nil {
			portal.shutdown()
		}
		healthServer.Shutdown()
		return shutdown(httpServer, grpcServer)
	})

	log.Info("server started",
		"http_addr", cfg.HTTPAddr,
		"grpc_addr", cfg.GRPCAddr,
		"persistent", cfg.DatabaseURL != "",
		"flags", len(cfg.RegionFlags),
		"admin_portal", portal != nil,
	)

	return g.Wait()
}

// loadPersistedWorld declares the configured flags in the database, so region
// flag rows can reference them, and loads the persisted world into w. It
// returns the id of the newest event the snapshot includes.
func loadPersistedWorld(ctx context.Context, repo *repository.PostgresRepository, w *world.World, flags []config.FlagDecl) (int64, error) {
	for _, decl := range flags {
		nf := repository.NativeFlag{Name: decl.Name, Kind: decl.Type.String()}
		if _, _, err := repo.UpsertNativeFlag(ctx, systemOperator, nf); err != nil {
			return 0, fmt.Errorf("declare flag %s: %w", decl.Name, err)
		}
	}
	snap, err := repo.LoadSnapshot(ctx)
	if err != nil {
		return 0, fmt.Errorf("load world snapshot: %w", err)
	}
	if err := repository.ApplySnapshot(w, snap); err != nil {
		return 0, fmt.Errorf("apply world snapshot: %w", err)
	}
	slog.Info("world loaded from database",
		"regions", len(snap.Regions),
		"flags", len(snap.Flags),
		"last_event_id", snap.LastEventID,
	)
	return snap.LastEventID, nil
}

// serverOwner owns the flags declared through REGION_FLAGS.
type serverOwner struct {
	enabled atomic.Bool
}

func (o *serverOwner) Name() string  { return systemOperator }
func (o *serverOwner) Enabled() bool { return o.enabled.Load() }

func startRegistry(cfg config.Config, w *world.World, loop *world.Loop, log *slog.Logger, m *metrics.Metrics) (*service.Registry, error) {
	factoryOpts := []detector.FactoryOption{
		detector.WithLogger(logging.Component(log, "detector")),
		detector.WithFallbackHook(func(error) {
			m.IncDetectorFault(string(detector.StrategyInstrumented))
		}),
	}
	if cfg.DetectorStrategy == config.StrategySnapshot {
		factoryOpts = append(factoryOpts, detector.WithSnapshotOnly())
	}

	registry := service.New(w,
		service.WithLogger(logging.Component(log, "registry")),
		service.WithMetrics(m),
		service.WithDetectorFactory(detector.NewFactory(factoryOpts...)),
		service.WithLivenessInterval(cfg.LivenessSweepTicks),
		service.WithTracer(tracing.Tracer()),
	)

	owner := &serverOwner{}
	for _, decl := range cfg.RegionFlags {
		flag, err := core.NewFlag(decl.Name, decl.Type)
		if err != nil {
			return nil, fmt.Errorf("flag %s: %w", decl.Name, err)
		}
		if err := registry.RegisterFlag(owner, flag); err != nil {
			return nil, fmt.Errorf("register flag %s: %w", decl.Name, err)
		}
	}
	owner.enabled.Store(true)

	if err := registry.Start(loop); err != nil {
		return nil, fmt.Errorf("start registry: %w", err)
	}
	return registry, nil
}

func newGRPCServer(log *slog.Logger, m *metrics.Metrics, validator middleware.TokenValidator, authOpts []middleware.AuthOption) *grpc.Server {
	unary := []grpc.UnaryServerInterceptor{
		middleware.UnaryRequestLoggingInterceptor(log),
		m.UnaryServerInterceptor(),
	}
	stream := []grpc.StreamServerInterceptor{
		middleware.StreamRequestLoggingInterceptor(log),
		m.StreamServerInterceptor(),
	}
	if validator != nil {
		unary = append(unary, middleware.UnaryBearerAuthInterceptor(validator, authOpts...))
		stream = append(stream, middleware.StreamBearerAuthInterceptor(validator, authOpts...))
	}
	return grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(unary...),
		grpc.ChainStreamInterceptor(stream...),
	)
}

// newHTTPHandler exposes the API under /v1/ together with the health endpoints and
// /metrics. With a validator every /v1/ request needs an operator token.
func newHTTPHandler(apiHandler http.Handler, validator middleware.TokenValidator, opts ...middleware.AuthOption) http.Handler {
	v1 := apiHandler
	if validator != nil {
		v1 = middleware.HTTPBearerAuthMiddleware(validator, opts...)(apiHandler)
	}

	mux := http.NewServeMux()
	mux.Handle("/v1/", v1)
	mux.Handle("GET /healthz", apiHandler)
	mux.Handle("GET /readyz", apiHandler)
	mux.Handle("GET /metrics", apiHandler)

	return mux
}

func passThrough(next http.Handler) http.Handler { return next }

func shutdown(httpServer *http.Server, grpcServer *grpc.Server) error {
	httpShutdownCtx, cancelHTTP := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelHTTP()
	httpErr := httpServer.Shutdown(httpShutdownCtx)

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(shutdownTimeout):
		grpcServer.Stop()
	}

	if httpErr != nil && !errors.Is(httpErr, context.Canceled) {
		return fmt.Errorf("shutdown HTTP: %w", httpErr)
	}
	return nil
}
