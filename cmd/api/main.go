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

	// ---- Configuration (read only here) ----
	cfg, err := config.Load(os.Getenv("AVATAR_CONFIG_FILE"))
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	log := app.NewLogger(cfg.LogLevel)
	slog.SetDefault(log)

	// ---- Services ----
	a, err := app.Bootstrap(ctx, cfg, log)
	if err != nil {
		log.Error("failed to build services", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	h, err := handler.NewHandler(handler.Deps{
		Conversations: a.Conversations,
		Sessions:      a.Sessions,
		Knowledge:     a.Knowledge,
		Catalog:       a.Catalog,
		Interactions:  a.Recorder,
		Dashboards:    a.Reporter,
	}, log.With("component", "handler"))
	if err != nil {
		log.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}
