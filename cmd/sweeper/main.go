package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"avatar-agent/handler"
	"avatar-agent/internal/app"
	"avatar-agent/internal/config"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load(os.Getenv("AVATAR_CONFIG_FILE"))
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	log := app.NewLogger(cfg.LogLevel)
	slog.SetDefault(log)

	a, err := app.Bootstrap(ctx, cfg, log)
	if err != nil {
		log.Error("failed to build services", "err", err)
		os.Exit(1)
	}

	s, err := handler.NewScheduled(a.Sessions, a.Reporter, log.With("component", "scheduler"))
	if err != nil {
		log.Error("failed to create scheduled handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(s.Handle)
}
