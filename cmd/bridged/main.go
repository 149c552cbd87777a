package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/tmavro/enginebridge/internal/config"
	"github.com/tmavro/enginebridge/internal/engine"
	"github.com/tmavro/enginebridge/internal/engine/httpengine"
	"github.com/tmavro/enginebridge/internal/handle"
	"github.com/tmavro/enginebridge/internal/http/rest"
	"github.com/tmavro/enginebridge/internal/logctx"
	"github.com/tmavro/enginebridge/internal/scheduler"
	"github.com/tmavro/enginebridge/internal/storage/sqlite"
	"github.com/tmavro/enginebridge/internal/task"
	"github.com/tmavro/enginebridge/internal/telemetry"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	handler := logctx.NewTraceHandler(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	logger := slog.New(handler)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("engine bridge starting...", "log_level", cfg.LogLevel)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		ServiceName: cfg.Telemetry.ServiceName,
	})
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}

	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	repo := sqlite.NewInstrumentedTaskRepository(database, tel)

	// =========================================================================
	// Start Engine
	registry := handle.NewRegistry()
	sink := engine.NewLogSink(logger, tel)
	eng := engine.NewInstrumentedEngine(httpengine.New(registry, sink), tel)

	// =========================================================================
	// Start Scheduler
	factory := task.NewFactory()
	factory.Register(scheduler.TransferTaskType, func(input task.Input, deps task.Deps) task.Task {
		return task.NewTransfer(input, deps)
	})

	deps := task.Deps{
		Engine:   eng,
		Registry: registry,
		Progress: sink,
		Promoter: task.LogPromoter{},
	}

	sched := scheduler.NewScheduler(repo, factory, deps, tel, cfg.PollingInterval, cfg.MaxParallel)
	sched.Run(ctx)

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, repo, tel, cfg)

	go func() {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	logger.Info("waiting for transfers...",
		"db_path", cfg.DBPath,
		"polling_interval", cfg.PollingInterval.String(),
		"max_parallel", cfg.MaxParallel,
	)

	// =========================================================================
	// Wait for shutdown
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return nil
	}
}

// setupServer prepares the handlers and middleware for the http rest server.
func setupServer(ctx context.Context, repo *sqlite.InstrumentedTaskRepository, tel *telemetry.Telemetry, cfg *config.Config) *http.Server {
	tHandler := rest.NewTransfersHandler(cfg.API.Username, cfg.API.Password, repo)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Handle("/metrics", tel.Handler())
	r.Mount("/", tHandler.Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      otelhttp.NewHandler(r, "bridged"),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
