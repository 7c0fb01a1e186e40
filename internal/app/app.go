// Package app assembles the avatar services over one storage backend.
package app

import (
	"errors"
	"log/slog"

	"avatar-agent/internal/analytics"
	"avatar-agent/internal/config"
	"avatar-agent/internal/conversation"
	"avatar-agent/internal/knowledge"
	"avatar-agent/internal/session"
)

// Store is everything the services persist. Both the DynamoDB client and
// the in-memory store satisfy it.
type Store interface {
	session.Repository
	session.CounterStore
	knowledge.Repository
	conversation.TurnStore
	analytics.MetricStore
}

// Integrations are the optional external collaborators.
type Integrations struct {
	Generator conversation.Generator
	Moderator session.Moderator
}

type App struct {
	Knowledge     *knowledge.Store
	Catalog       *knowledge.CachedGateway
	Ranker        *knowledge.Ranker
	Sessions      *session.Manager
	Conversations *conversation.Processor
	Recorder      *analytics.Recorder
	Reporter      *analytics.Reporter
}

func New(store Store, cfg *config.Config, in Integrations, log *slog.Logger) (*App, error) {
	if store == nil {
		return nil, errors.New("app: store must not be nil")
	}
	if cfg == nil {
		return nil, errors.New("app: config must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}

	knowledgeStore, err := knowledge.NewStore(store, store, log.With("component", "knowledge"))
	if err != nil {
		return nil, err
	}
	catalog := knowledge.NewCachedGateway(knowledgeStore, cfg.KnowledgeCacheSize, cfg.KnowledgeCacheTTL)
	knowledgeStore.OnChange(catalog.Invalidate)

	ranker, err := knowledge.NewRanker(catalog, knowledgeStore, log.With("component", "ranker"))
	if err != nil {
		return nil, err
	}

	recorder, err := analytics.NewRecorder(store, log.With("component", "analytics"))
	if err != nil {
		return nil, err
	}
	reporter, err := analytics.NewReporter(store, cfg.DashboardTopN)
	if err != nil {
		return nil, err
	}

	sessions, err := session.NewManager(store, store, session.Config{
		IdleTimeout: cfg.IdleTimeout,
		Moderator:   in.Moderator,
		Events:      recorder,
		Logger:      log.With("component", "session"),
	})
	if err != nil {
		return nil, err
	}

	conversations, err := conversation.NewProcessor(sessions, ranker, store, conversation.Config{
		Generator:       in.Generator,
		GenerateTimeout: cfg.GenerateTimeout,
		MaxMessageLen:   cfg.MaxMessageLength,
		Logger:          log.With("component", "conversation"),
	})
	if err != nil {
		return nil, err
	}

	return &App{
		Knowledge:     knowledgeStore,
		Catalog:       catalog,
		Ranker:        ranker,
		Sessions:      sessions,
		Conversations: conversations,
		Recorder:      recorder,
		Reporter:      reporter,
	}, nil
}
