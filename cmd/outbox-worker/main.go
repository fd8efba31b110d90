package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/eventflow/api/controllers"
	"github.com/angelmondragon/eventflow/api/routes"
	"github.com/angelmondragon/eventflow/internal/app"
	"github.com/angelmondragon/eventflow/internal/cron"
	"github.com/angelmondragon/eventflow/pkg/config"
	"github.com/angelmondragon/eventflow/pkg/logger"
	"github.com/angelmondragon/eventflow/pkg/telemetry"
)

const shutdownTimeout = 10 * time.Second

func main() {
	logg := logger.New(logger.Options{ServiceName: "outbox-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "outbox-worker"

	logg = logger.New(logger.Options{
		ServiceName: "outbox-worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		Format:      cfg.App.LogFormat,
		WarnStack:   cfg.App.LogWarnStack,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
	})

	shutdownTracing, err := telemetry.Init(ctx, cfg.Telemetry, logg)
	if err != nil {
		logg.Error(ctx, "failed to init tracing", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logg.Error(context.Background(), "error flushing traces", err)
		}
	}()

	a, err := app.New(ctx, cfg, logg, app.Options{Registerer: prometheus.DefaultRegisterer})
	if err != nil {
		logg.Error(ctx, "failed to assemble outbox worker", err)
		os.Exit(1)
	}
	defer func() {
		if err := a.Close(); err != nil {
			logg.Error(context.Background(), "error closing clients", err)
		}
	}()

	deps := map[string]func(context.Context) error{"database": a.DB.Ping}
	if a.Redis != nil {
		deps["redis"] = a.Redis.Ping
	}
	if a.PubSub != nil {
		deps["pubsub"] = a.PubSub.Ping
	}
	ready := make(map[string]controllers.PingFunc, len(deps))
	for name, fn := range deps {
		ready[name] = fn
	}

	backlog, err := cron.NewBacklogJob(logg, a.Store, a.Metrics)
	if err != nil {
		logg.Error(ctx, "failed to create backlog reporter", err)
		os.Exit(1)
	}

	service, err := NewService(ServiceParams{
		Logger:       logg,
		Drainer:      a.Drainer,
		BatchSize:    cfg.Outbox.BatchSize,
		PollInterval: time.Duration(cfg.Outbox.PollIntervalMS) * time.Millisecond,
		Dependencies: deps,
		Reporter:     backlog,
	})
	if err != nil {
		logg.Error(ctx, "failed to create outbox worker", err)
		os.Exit(1)
	}

	server := &http.Server{
		Addr: cfg.Metrics.Addr,
		Handler: routes.NewRouter(routes.Params{
			Config:   cfg,
			Logger:   logg,
			Ready:    ready,
			Bridge:   a.Bridge,
			Store:    a.Store,
			Attempts: a.Attempts,
			Replayer: a.Replayer,
			Engine:   a.Engine,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logg.Info(logg.WithField(ctx, "addr", server.Addr), "ops server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.Error(ctx, "ops server stopped unexpectedly", err)
			stop()
		}
	}()

	logg.Info(ctx, "starting outbox worker")
	runErr := service.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logg.Error(ctx, "error shutting down ops server", err)
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logg.Error(ctx, "outbox worker stopped unexpectedly", runErr)
		os.Exit(1)
	}

	logg.Info(ctx, "outbox worker shutting down gracefully")
}
