// agentgate - real-time gateway between client sessions and an AI agent runtime
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/agentgate/internal/agent"
	"github.com/ashureev/agentgate/internal/api"
	"github.com/ashureev/agentgate/internal/config"
	"github.com/ashureev/agentgate/internal/dispatch"
	"github.com/ashureev/agentgate/internal/gateway"
	"github.com/ashureev/agentgate/internal/heartbeat"
	"github.com/ashureev/agentgate/internal/identity"
	"github.com/ashureev/agentgate/internal/metrics"
	"github.com/ashureev/agentgate/internal/middleware"
	"github.com/ashureev/agentgate/internal/presence"
	"github.com/ashureev/agentgate/internal/ratelimit"
	"github.com/ashureev/agentgate/internal/session"
	"github.com/ashureev/agentgate/internal/store"
	"github.com/ashureev/agentgate/internal/tools"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const (
	retentionInterval = time.Hour
	shutdownTimeout   = 10 * time.Second
	echoChunkDelay    = 40 * time.Millisecond
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped successfully")
}

//nolint:funlen // Startup wiring is intentionally sequential to keep dependency setup explicit.
func run(cfg *config.Config, logger *slog.Logger) error {
	slog.Info("Starting server", "port", cfg.Port, "default_tier", cfg.DefaultTier())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()
	if err := repo.Ping(ctx); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}
	slog.Info("Database connected", "path", cfg.DBPath)

	registry := session.NewRegistry(logger)

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promRegistry, registry.Len)

	limiter := ratelimit.New(ratelimit.PolicyFromLimits(cfg.Limits),
		ratelimit.WithLogger(logger),
		ratelimit.WithObserver(func(d ratelimit.Dimension) { m.Rejected(string(d)) }),
	)
	catalog := tools.NewCatalog(cfg.Limits)
	slog.Info("Tool catalog loaded", "tools", catalog.Names())

	var (
		bridge     agent.Bridge
		interactor tools.Interactor
	)
	if cfg.AgentRuntimeAddr != "" {
		grpcBridge, err := agent.NewGrpcBridge(agent.DefaultGrpcBridgeConfig(cfg.AgentRuntimeAddr), logger)
		if err != nil {
			return fmt.Errorf("connect agent runtime: %w", err)
		}
		defer grpcBridge.Close()
		bridge, interactor = grpcBridge, grpcBridge
	} else {
		slog.Warn("AGENT_RUNTIME_ADDR not set, using local echo runtime")
		echo := agent.NewEchoBridge(catalog, echoChunkDelay)
		bridge, interactor = echo, echo
	}

	var tracker presence.Tracker = presence.Noop{}
	if cfg.Presence.RedisAddr != "" {
		redisTracker, err := presence.NewRedis(ctx, presence.Config{
			Addr:      cfg.Presence.RedisAddr,
			KeyPrefix: cfg.Presence.KeyPrefix,
			TTL:       cfg.Presence.TTL,
		})
		if err != nil {
			return fmt.Errorf("connect presence store: %w", err)
		}
		defer func() {
			if closeErr := redisTracker.Close(); closeErr != nil {
				slog.Warn("Failed to close presence store", "error", closeErr)
			}
		}()
		tracker = redisTracker
		slog.Info("Presence mirror enabled", "addr", cfg.Presence.RedisAddr)
	}

	monitor := heartbeat.NewMonitor(cfg.Session.HeartbeatInterval, cfg.Session.HeartbeatTimeout, logger)
	monitor.OnTerminate = func(string) { m.HeartbeatTerminated() }

	dispatcher := dispatch.New(dispatch.Options{
		Limiter:        limiter,
		Bridge:         bridge,
		Interactor:     interactor,
		Catalog:        catalog,
		History:        repo,
		Metrics:        m,
		Logger:         logger,
		StallTimeout:   cfg.Session.TurnStallTimeout,
		HistoryTimeout: cfg.Session.HistoryWriteTimeout,
	})

	resolver := identity.NewResolver(identity.Options{
		Secret:         cfg.Auth.JWTSecret,
		AllowAnonymous: cfg.Auth.AllowAnonymous,
		DefaultTier:    cfg.DefaultTier(),
		Directory:      repo,
		Logger:         logger,
	})

	gw := gateway.New(gateway.Options{
		Auth:           resolver,
		Limiter:        limiter,
		Registry:       registry,
		Handler:        dispatcher,
		Catalog:        catalog,
		Heartbeat:      monitor,
		Presence:       tracker,
		LastSeen:       repo,
		Metrics:        m,
		Logger:         logger,
		AllowedOrigins: cfg.Origins(),
		QueueSize:      cfg.Session.OutboundQueueSize,
	})
	sideChannel := api.NewHandler(registry, limiter, catalog, repo, logger)

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.Origins()))

	gw.Routes(r)
	r.Group(func(r chi.Router) {
		r.Use(chiMiddleware.Logger)
		sideChannel.RegisterRoutes(r)
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))
	})

	// WebSocket connections are long lived, so there is no write timeout.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		monitor.Run(gctx)
		return nil
	})

	g.Go(func() error {
		limiter.Run(gctx, cfg.Session.RateLimitSweep)
		return nil
	})

	if cfg.LimitsFile != "" {
		g.Go(func() error {
			return config.WatchLimits(gctx, cfg.LimitsFile, cfg.DisabledTools(), logger, func(l config.Limits) {
				limiter.SetPolicy(ratelimit.PolicyFromLimits(l))
				catalog.Update(l)
			})
		})
	}

	if cfg.Session.HistoryRetention > 0 {
		store.StartRetentionWorker(gctx, repo, cfg.Session.HistoryRetention, retentionInterval)
	}

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Shutdown does not track hijacked WebSocket connections; close them explicitly.
		err := srv.Shutdown(shutdownCtx)
		registry.CloseAll("server shutting down")
		drained := make(chan struct{})
		go func() {
			dispatcher.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-shutdownCtx.Done():
			slog.Warn("Timed out waiting for in-flight turns")
		}
		if err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}
