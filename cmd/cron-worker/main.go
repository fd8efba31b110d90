package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/eventflow/internal/app"
	"github.com/angelmondragon/eventflow/internal/cron"
	"github.com/angelmondragon/eventflow/pkg/config"
	"github.com/angelmondragon/eventflow/pkg/logger"
	"github.com/angelmondragon/eventflow/pkg/metrics"
)

const lockNameFormat = "cron-worker:%s"

func main() {
	once := flag.Bool("once", false, "run a single cycle and exit")
	flag.Parse()

	logg := logger.New(logger.Options{ServiceName: "cron-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "cron-worker"

	logg = logger.New(logger.Options{
		ServiceName: "cron-worker",
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

	a, err := app.New(ctx, cfg, logg, app.Options{Archive: true, Registerer: prometheus.DefaultRegisterer})
	if err != nil {
		logg.Error(ctx, "failed to bootstrap cron worker", err)
		os.Exit(1)
	}
	defer func() {
		if err := a.Close(); err != nil {
			logg.Error(context.Background(), "error closing clients", err)
		}
	}()

	var lock cron.Lock = cron.NewLocalLock()
	if a.Redis != nil {
		lock, err = cron.NewRedisLock(a.Redis, lockName(cfg.App.Env), 0)
		if err != nil {
			logg.Error(ctx, "failed to create cron lock", err)
			os.Exit(1)
		}
	} else {
		logg.Warn(ctx, "redis not configured; cron lock is process-local")
	}

	retentionParams := cron.OutboxRetentionJobParams{
		Logger:    logg,
		Store:     a.Store,
		Retention: cfg.Retention.Days,
		Batch:     cfg.Retention.Batch,
	}
	if a.BigQuery != nil {
		retentionParams.Archiver = a.BigQuery
	}
	retention, err := cron.NewOutboxRetentionJob(retentionParams)
	if err != nil {
		logg.Error(ctx, "failed to create retention job", err)
		os.Exit(1)
	}

	backlog, err := cron.NewBacklogJob(logg, a.Store, a.Metrics)
	if err != nil {
		logg.Error(ctx, "failed to create backlog job", err)
		os.Exit(1)
	}

	registry, err := cron.NewRegistry(retention, backlog)
	if err != nil {
		logg.Error(ctx, "failed to register cron jobs", err)
		os.Exit(1)
	}

	service, err := cron.NewService(cron.ServiceParams{
		Logger:     logg,
		Registry:   registry,
		Lock:       lock,
		Metrics:    metrics.NewCronJobMetrics(prometheus.DefaultRegisterer),
		Interval:   cfg.Retention.Interval,
		JobTimeout: cfg.Retention.JobTimeout,
	})
	if err != nil {
		logg.Error(ctx, "failed to create cron service", err)
		os.Exit(1)
	}

	if *once {
		if err := service.RunOnce(ctx); err != nil {
			logg.Error(ctx, "cron cycle failed", err)
			os.Exit(1)
		}
		return
	}

	logg.Info(ctx, "starting cron worker")

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "cron worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "cron worker shutting down gracefully")
}

func lockName(env string) string {
	if env == "" {
		env = "local"
	}
	return fmt.Sprintf(lockNameFormat, env)
}
