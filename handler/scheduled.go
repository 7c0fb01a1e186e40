package handler

import (
	"context"
	"errors"
	"log/slog"

	"github.com/aws/aws-lambda-go/events"
)

type Sweeper interface {
	SweepIdle(ctx context.Context) (int, error)
}

// Scheduled runs on an EventBridge schedule: it times out idle sessions and
// logs a dashboard summary.
type Scheduled struct {
	sweeper    Sweeper
	dashboards Dashboards
	log        *slog.Logger
}

func NewScheduled(sweeper Sweeper, dashboards Dashboards, log *slog.Logger) (*Scheduled, error) {
	if sweeper == nil {
		return nil, errors.New("handler: sweeper must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scheduled{sweeper: sweeper, dashboards: dashboards, log: log}, nil
}

func (s *Scheduled) Handle(ctx context.Context, ev events.CloudWatchEvent) error {
	log := s.log.With("event_id", ev.ID, "detail_type", ev.DetailType)

	swept, err := s.sweeper.SweepIdle(ctx)
	if err != nil {
		log.Error("idle sweep failed", "swept", swept, "err", err)
		return err
	}
	log.Info("idle sweep complete", "swept", swept)

	if s.dashboards == nil {
		return nil
	}
	d, err := s.dashboards.Dashboard(ctx)
	if err != nil {
		// A report failure must not retry the committed sweep.
		log.Warn("dashboard report failed", "err", err)
		return nil
	}
	log.Info("dashboard report",
		"objects", len(d.Objects),
		"zones", len(d.Zones),
		"themes", len(d.Themes),
		"users", len(d.Users),
		"active_today", d.Trend.ActiveToday,
		"growth_factor", d.Trend.GrowthFactor,
		"insights", d.Insights,
	)
	return nil
}
