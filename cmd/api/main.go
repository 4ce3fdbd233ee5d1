package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/davidmoltin/bizflow/internal/actions"
	"github.com/davidmoltin/bizflow/internal/api/rest"
	"github.com/davidmoltin/bizflow/internal/api/rest/handlers"
	"github.com/davidmoltin/bizflow/internal/api/rest/middleware"
	"github.com/davidmoltin/bizflow/internal/engine"
	"github.com/davidmoltin/bizflow/internal/monitor"
	"github.com/davidmoltin/bizflow/internal/repository/memory"
	"github.com/davidmoltin/bizflow/internal/repository/postgres"
	"github.com/davidmoltin/bizflow/internal/repository/redisstore"
	"github.com/davidmoltin/bizflow/internal/services"
	"github.com/davidmoltin/bizflow/internal/validators"
	"github.com/davidmoltin/bizflow/internal/websocket"
	"github.com/davidmoltin/bizflow/internal/workers"
	"github.com/davidmoltin/bizflow/pkg/config"
	"github.com/davidmoltin/bizflow/pkg/database"
	"github.com/davidmoltin/bizflow/pkg/logger"
	"github.com/davidmoltin/bizflow/pkg/metrics"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(cfg.Logger.Level, cfg.Logger.Format)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	log.Info("Starting bizflow API",
		logger.String("version", cfg.App.Version),
		logger.String("environment", cfg.App.Environment),
		logger.String("store", cfg.Database.Driver),
	)

	m := metrics.New(prometheus.DefaultRegisterer)
	checkers := &handlers.HealthCheckers{}

	// Storage
	var store engine.Store
	switch cfg.Database.Driver {
	case "postgres":
		db, err := database.NewPostgresDB(cfg, log, m)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		defer db.Close()

		if cfg.Database.AutoMigrate {
			if err := database.Migrate(db.DB, log); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}
		}
		store = postgres.NewStore(db)
		checkers.DB = db
	default:
		log.Warn("Using in-memory store, state is lost on restart")
		store = memory.NewStore()
	}

	// Shared state across instances
	var circuits engine.CircuitStore = engine.NewMemoryCircuitStore()
	monitorOpts := []monitor.Option{
		monitor.WithLogger(log),
		monitor.WithMetrics(m),
	}
	if cfg.Redis.Enabled {
		redisClient, err := database.NewRedisClient(cfg, log)
		if err != nil {
			return fmt.Errorf("failed to initialize redis: %w", err)
		}
		defer redisClient.Close()

		circuits = redisstore.NewCircuitStore(redisClient.Client)
		monitorOpts = append(monitorOpts,
			monitor.WithStatsCache(redisstore.NewStatsCache(redisClient.Client)),
			monitor.WithRedisFanout(redisClient.Client),
		)
		checkers.Redis = redisClient
	}

	// Action registry
	registry := engine.NewRegistry()
	if err := actions.RegisterBuiltins(registry, actions.Options{
		Logger:     log,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}); err != nil {
		return fmt.Errorf("failed to register actions: %w", err)
	}
	if err := engine.RegisterErrorHandlingActions(registry, circuits, m); err != nil {
		return fmt.Errorf("failed to register error handling actions: %w", err)
	}
	registry.Freeze()

	// Engine and monitor
	mon := monitor.New(store, monitor.Config{
		SubscriberBuffer: cfg.Monitor.SubscriberBuffer,
		StatsTTL:         cfg.Monitor.StatsCacheTTL,
	}, monitorOpts...)
	defer mon.Close()

	eng := engine.New(store, registry, engine.Config{
		MaxConcurrentExecutions: cfg.Engine.MaxConcurrentExecutions,
		ShortDelayThreshold:     cfg.Engine.ShortDelayThreshold,
	},
		engine.WithEventSink(mon),
		engine.WithMetrics(m),
		engine.WithLogger(log),
	)

	bgCtx, cancelBackground := context.WithCancel(context.Background())
	defer cancelBackground()

	go func() {
		if err := mon.Run(bgCtx); err != nil {
			log.Error("Event relay stopped", logger.Err(err))
		}
	}()

	// Background workers
	var delayResumer *workers.DelayResumerWorker
	var scheduler *workers.SchedulerWorker
	if cfg.Workers.Enabled {
		delayResumer = workers.NewDelayResumerWorker(store, eng, log, m,
			cfg.Workers.DelayResumerInterval,
			cfg.Workers.DelayResumerBatchSize,
			cfg.Workers.DelayResumerConcurrency,
		)
		delayResumer.Start(bgCtx)

		scheduler = workers.NewSchedulerWorker(store, eng, log, m, cfg.Workers.SchedulerRefreshInterval)
		scheduler.Start(bgCtx)
	}

	// HTTP
	validator := validators.NewWorkflowValidator(registry, eng.Expressions())
	workflowService := services.NewWorkflowService(store, validator, log)
	h := handlers.NewHandlers(log, cfg.App.Version, workflowService, eng, store, mon, checkers)

	rateLimiter := middleware.NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst, log)
	go rateLimiter.Cleanup(bgCtx, time.Minute, 10*time.Minute)

	router := rest.NewRouter(log, h, m, rest.RouterOptions{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RateLimiter:    rateLimiter,
		Stream:         websocket.NewHandler(mon, store, log, cfg.Server.AllowedOrigins),
	})
	router.SetupRoutes()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info("API server listening", logger.String("address", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- err
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		log.Info("Shutdown signal received", logger.String("signal", sig.String()))
	}

	// Stop producing new work before draining
	if scheduler != nil {
		scheduler.Stop()
	}
	if delayResumer != nil {
		delayResumer.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		server.Close()
		log.Error("Graceful HTTP shutdown failed", logger.Err(err))
	}

	if err := eng.Shutdown(ctx); err != nil {
		log.Warn("Executions still running at shutdown", logger.Int("running", eng.Running()), logger.Err(err))
	}

	log.Info("Server stopped gracefully")
	return nil
}
