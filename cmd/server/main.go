// SHSH Forge - practice problem generation server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/ashureev/shsh-forge/internal/api"
	"github.com/ashureev/shsh-forge/internal/config"
	"github.com/ashureev/shsh-forge/internal/forge"
	"github.com/ashureev/shsh-forge/internal/gateway"
	"github.com/ashureev/shsh-forge/internal/middleware"
	"github.com/ashureev/shsh-forge/internal/negotiation"
	"github.com/ashureev/shsh-forge/internal/persist"
	"github.com/ashureev/shsh-forge/internal/pipeline"
	"github.com/ashureev/shsh-forge/internal/progress"
	"github.com/ashureev/shsh-forge/internal/sandbox"
	"github.com/ashureev/shsh-forge/internal/store"
	"github.com/ashureev/shsh-forge/internal/transcript"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	pol, err := config.LoadPolicy(cfg.PolicyPath)
	if err != nil {
		slog.Error("Failed to load generation policy", "error", err, "path", cfg.PolicyPath)
		os.Exit(1)
	}
	pol.SandboxTimeout = cfg.Sandbox.Timeout

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "workers", pol.Workers)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.TraceStdout {
		shutdownTracer, err := initTracer()
		if err != nil {
			slog.Error("Failed to initialize tracer", "error", err)
			os.Exit(1)
		}
		defer shutdownTracer(context.Background())
	}

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(ctx); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	interrupted, err := repo.FailInterrupted(ctx, forge.ReasonInterrupted)
	if err != nil {
		slog.Error("Failed to recover interrupted generations", "error", err)
		os.Exit(1)
	}
	slog.Info("Interrupted generation cleanup complete", "threads_failed", interrupted)

	providerCfg := cfg.Provider
	if cfg.ProviderPath != "" {
		if fileCfg, err := config.LoadProviderFile(cfg.ProviderPath); err == nil {
			providerCfg = fileCfg
		} else {
			slog.Warn("Provider file not loaded, using environment", "path", cfg.ProviderPath, "error", err)
		}
	}
	gw, err := gateway.New(providerCfg, logger)
	if err != nil {
		slog.Error("Failed to initialize completion gateway", "error", err)
		os.Exit(1)
	}
	if cfg.ProviderPath != "" {
		if err := config.WatchProviderFile(ctx, cfg.ProviderPath, gw.Reconfigure); err != nil {
			slog.Warn("Provider file watcher disabled", "error", err)
		}
	}

	executor, err := sandbox.NewDockerExecutor(sandbox.DockerConfig{
		Image:   cfg.Sandbox.Image,
		Runtime: cfg.Sandbox.Runtime,
		Timeout: cfg.Sandbox.Timeout,
	})
	if err != nil {
		slog.Error("Failed to initialize sandbox executor", "error", err)
		os.Exit(1)
	}
	executor.StartReaper(ctx, cfg.Sandbox.ReapMaxAge)

	bus := progress.NewBus(progress.Config{
		BufferSize:        cfg.Progress.BufferSize,
		HeartbeatInterval: cfg.Progress.HeartbeatInterval,
		Retention:         cfg.Progress.Retention,
	})
	bus.Start(ctx)

	transcripts, err := transcript.New(transcript.Config{
		Enabled:   cfg.Transcript.Enabled,
		Dir:       cfg.Transcript.Dir,
		QueueSize: cfg.Transcript.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize transcript logger", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := transcripts.Close(); err != nil {
			slog.Warn("failed to close transcript logger", "error", err)
		}
	}()

	runner := pipeline.NewRunner(pipeline.Deps{
		Completer: gw,
		Executor:  executor,
		Progress:  bus,
		Persister: persist.New(repo),
		Policy:    pol,
		Logger:    logger,
	})

	// Runs only end early on shutdown; request cancellation does not reach them.
	runCtx, cancelRuns := context.WithCancel(context.Background())
	defer cancelRuns()

	svc := forge.New(forge.Options{
		Repo:        repo,
		Negotiator:  negotiation.New(gw, pol, logger),
		Generator:   runner,
		Progress:    bus,
		Executor:    executor,
		Transcript:  transcripts,
		Policy:      pol,
		Logger:      logger,
		BaseContext: runCtx,
	})

	handler := api.NewHandler(api.Options{
		Service:        svc,
		Provider:       gw,
		Health:         repo,
		AllowedOrigins: cfg.AllowedOrigins(),
		SSERetryDelay:  cfg.Progress.SSERetryDelay,
		ChatRateLimit:  cfg.ChatRateLimit,
		ChatRateBurst:  cfg.ChatRateBurst,
	})

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins()))

	handler.RegisterRoutes(r)

	// SSE connections require long timeouts (no WriteTimeout).
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	if cfg.GRPCHealthAddr != "" {
		grpcSrv, err := api.StartGRPCHealth(ctx, cfg.GRPCHealthAddr, repo)
		if err != nil {
			slog.Error("Failed to start gRPC health server", "error", err)
			os.Exit(1)
		}
		defer grpcSrv.GracefulStop()
	}

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	// In-flight runs are aborted; their threads are marked FAILED and nothing
	// is persisted for them.
	cancelRuns()
	svc.Wait()

	slog.Info("Server stopped successfully")
}
