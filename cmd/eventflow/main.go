package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/joho/godotenv"

	"github.com/angelmondragon/eventflow/internal/app"
	"github.com/angelmondragon/eventflow/pkg/config"
	"github.com/angelmondragon/eventflow/pkg/logger"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "eventflow", Output: os.Stderr})

	if err := godotenv.Load(); err != nil {
		logg.Debug(context.Background(), ".env file not found, relying on environment")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	open := func(ctx context.Context) (*app.App, error) {
		cfg, err := config.Load()
		if err != nil {
			return nil, err
		}
		cfg.Service.Kind = "cli"
		logg = logger.New(logger.Options{
			ServiceName: "eventflow",
			Level:       logger.ParseLevel(cfg.App.LogLevel),
			Format:      cfg.App.LogFormat,
			WarnStack:   cfg.App.LogWarnStack,
			Output:      os.Stderr,
		})
		return app.New(ctx, cfg, logg, app.Options{})
	}

	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr, open)
	stop()
	os.Exit(code)
}
