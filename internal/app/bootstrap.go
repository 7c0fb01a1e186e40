package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"avatar-agent/internal/config"
	"avatar-agent/internal/integrations/openai"
	"avatar-agent/internal/integrations/paramstore"
	"avatar-agent/internal/repository"
	"avatar-agent/internal/repository/memstore"
)

// NewLogger returns the JSON logger every entry point uses.
func NewLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// Bootstrap builds the storage backend and integrations named by cfg and
// assembles the services over them.
func Bootstrap(ctx context.Context, cfg *config.Config, log *slog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	var (
		store Store
		ints  Integrations
	)
	needAWS := cfg.Backend == config.BackendDynamoDB || cfg.GeneratorEnabled()
	if needAWS {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load AWS config: %w", err)
		}
		if cfg.Backend == config.BackendDynamoDB {
			client, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.StateTable)
			if err != nil {
				return nil, err
			}
			store = client
		}
		if cfg.GeneratorEnabled() {
			params, err := paramstore.New(awsssm.NewFromConfig(awsCfg), paramstore.WithCacheTTL(cfg.ParamCacheTTL))
			if err != nil {
				return nil, err
			}
			opts := []openai.Option{}
			if cfg.OpenAIBaseURL != "" {
				opts = append(opts, openai.WithBaseURL(cfg.OpenAIBaseURL))
			}
			llm, err := openai.NewClient(params, cfg.ParamPrefix, opts...)
			if err != nil {
				return nil, err
			}
			ints = Integrations{Generator: llm, Moderator: llm}
		}
	}
	if store == nil {
		store = memstore.New()
	}

	a, err := New(store, cfg, ints, log)
	if err != nil {
		return nil, err
	}
	if cfg.KnowledgeSeedFile != "" {
		n, err := a.SeedKnowledgeFile(ctx, cfg.KnowledgeSeedFile)
		if err != nil {
			return nil, err
		}
		log.Info("knowledge seeded", "items", n, "file", cfg.KnowledgeSeedFile)
	}
	log.Info("services ready",
		"backend", cfg.Backend,
		"generator", ints.Generator != nil,
		"moderator", ints.Moderator != nil,
	)
	return a, nil
}
