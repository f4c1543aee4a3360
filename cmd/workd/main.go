// Package main is the entry point for workd, the daemon that owns the
// SQLite store, the worker pool, the reaper, and the Unix-socket API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"work/internal/api"
	"work/internal/config"
	"work/internal/eventbus"
	"work/internal/logger"
	"work/internal/observability"
	"work/internal/providerconfig"
	"work/internal/store/sqlite"
	"work/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "path to provider registry TOML (default: <dir>/config/providers.toml)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := cfg.EnsureDirs(); err != nil {
		log.Fatalf("failed to create data directories: %v", err)
	}

	level := slog.LevelInfo
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		log.Fatalf("invalid log level %q: %v", cfg.LogLevel, err)
	}
	baseLogger := logger.New(level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.OTLPEndpoint != "" {
		shutdownTracer, err := observability.InitTracing(ctx, "workd", cfg.OTLPEndpoint)
		if err != nil {
			log.Fatalf("failed to init tracing: %v", err)
		}
		defer func() {
			if err := shutdownTracer(context.Background()); err != nil {
				baseLogger.Warn("tracer shutdown failed", "error", err)
			}
		}()
	}

	store, err := sqlite.Open(ctx, sqlite.Config{
		Path:   cfg.DatabasePath(),
		Logger: baseLogger,
	})
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()

	providersPath := *configPath
	if providersPath == "" {
		providersPath = cfg.ProvidersPath()
	}
	registry, taskCommands, err := providerconfig.Load(providersPath)
	if err != nil {
		log.Fatalf("failed to load provider registry: %v", err)
	}

	bus := eventbus.New()

	handlers := &worker.Handlers{
		Projects:     store,
		Environments: store,
		Tasks:        store,
		Mutator:      store,
		Queue:        store,
		Providers:    registry,
		Bus:          bus,
		TaskCommands: taskCommands,
		LogDir:       cfg.LogDir(),
	}

	pool := worker.New(store, handlers.Map(), worker.Config{
		Concurrency:    cfg.WorkerConcurrency,
		PollInterval:   cfg.WorkerPollInterval,
		MaxPollBackoff: 10 * time.Second,
		Lease:          cfg.JobLease,
		MaxAttempts:    cfg.JobMaxAttempts,
		Owner:          fmt.Sprintf("workd-%d", os.Getpid()),
		Logger:         baseLogger,
	})
	go pool.Run(ctx)

	reaper := worker.NewReaper(store, baseLogger, cfg.ReaperSchedule).WithTaskRecovery(store, store, bus)
	if err := reaper.Start(ctx); err != nil {
		log.Fatalf("failed to start reaper: %v", err)
	}

	apiHandlers := api.NewHandlers(store, store, store, store, bus, cfg.LogDir())
	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimitPerSecond), cfg.RateLimitBurst)
	server := api.New(cfg.SocketPath(), apiHandlers, limiter, baseLogger)

	serverErr := make(chan error, 1)
	go func() {
		baseLogger.Info("api listening", "socket", cfg.SocketPath())
		if err := server.Run(ctx); err != nil {
			serverErr <- err
		}
	}()

	if cfg.MetricsAddr != "" {
		metricsHandler, shutdownMetrics, err := observability.InitMetrics()
		if err != nil {
			log.Fatalf("failed to init metrics: %v", err)
		}
		defer func() {
			if err := shutdownMetrics(context.Background()); err != nil {
				baseLogger.Warn("metrics shutdown failed", "error", err)
			}
		}()

		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metricsHandler)
			baseLogger.Info("metrics listening", "addr", cfg.MetricsAddr)
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				baseLogger.Warn("metrics server error", "error", err)
			}
		}()
	}

	if err := os.WriteFile(cfg.PidfilePath(), []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644); err != nil {
		baseLogger.Warn("failed to write pidfile", "error", err)
	}
	defer os.Remove(cfg.PidfilePath())

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		baseLogger.Error("api server failed", "error", err)
	case <-quit:
		baseLogger.Info("shutting down")
	}

	cancel()
	<-pool.Done()
}
