package analytics

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"avatar-agent/internal/domain"
)

// Counter and member-set names on metric documents.
const (
	counterEvents       = "events"
	counterViews        = "views"
	counterComments     = "comments"
	counterReactions    = "reactions"
	counterShares       = "shares"
	counterPhotos       = "photos"
	counterSessions     = "sessions"
	counterInteractions = "interactions"
	counterDuration     = "durationSeconds"

	setVisitors = "visitors"

	dayPrefix    = "day:"
	activePrefix = "active:"
	dayLayout    = "2006-01-02"

	// activeRetention keeps a day's active users long enough for the
	// seven-day trend.
	activeRetention = 8 * 24 * time.Hour
)

type MetricStore interface {
	IncrementMetric(ctx context.Context, key domain.MetricKey, deltas domain.Deltas) error
	// AddMetricMember adds member to set once and bumps the set's counter on
	// the metric document when the member is new.
	AddMetricMember(ctx context.Context, key domain.MetricKey, set, member string, expireAt time.Time) (bool, error)
	ListMetricMembers(ctx context.Context, key domain.MetricKey, set string) ([]string, error)
	ListMetrics(ctx context.Context, kind domain.MetricKind) ([]domain.MetricSnapshot, error)
}

// Recorder folds interaction events into per-target counters. Every write is
// an atomic add, so concurrent recorders never lose counts. Distinct-user
// sets are written before counters; they are idempotent, so a retried event
// never counts a user twice.
type Recorder struct {
	store MetricStore
	log   *slog.Logger
	now   func() time.Time
}

func NewRecorder(store MetricStore, log *slog.Logger) (*Recorder, error) {
	if store == nil {
		return nil, errors.New("analytics: metric store must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{store: store, log: log, now: time.Now}, nil
}

func (r *Recorder) Record(ctx context.Context, ev domain.InteractionEvent) error {
	ev, err := r.normalize(ev)
	if err != nil {
		return err
	}
	day := ev.OccurredAt.UTC().Format(dayLayout)

	var uniques, writes []func() error
	inc := func(kind domain.MetricKind, target string, deltas domain.Deltas) {
		writes = append(writes, func() error {
			return r.store.IncrementMetric(ctx, domain.MetricKey{Kind: kind, TargetID: target}, deltas)
		})
	}
	member := func(kind domain.MetricKind, target, set, member string, expireAt time.Time) {
		uniques = append(uniques, func() error {
			_, err := r.store.AddMetricMember(ctx, domain.MetricKey{Kind: kind, TargetID: target}, set, member, expireAt)
			return err
		})
	}

	switch ev.Kind {
	case domain.EventObjectView:
		views := ev.Views
		if views == 0 {
			views = 1
		}
		inc(domain.MetricObject, ev.TargetID, withoutZeros(domain.Deltas{
			counterEvents:    1,
			counterViews:     float64(views),
			counterComments:  float64(ev.Comments),
			counterReactions: float64(ev.Reactions),
			counterShares:    float64(ev.Shares),
			counterDuration:  ev.DurationSeconds,
		}))
	case domain.EventZoneVisit:
		inc(domain.MetricZone, ev.TargetID, withoutZeros(domain.Deltas{
			counterSessions: 1,
			counterDuration: ev.DurationSeconds,
			dayPrefix + day: 1,
		}))
		if ev.UserID != "" {
			member(domain.MetricZone, ev.TargetID, setVisitors, ev.UserID, time.Time{})
		}
	case domain.EventThemeInteraction:
		inc(domain.MetricTheme, ev.TargetID, withoutZeros(domain.Deltas{
			counterInteractions: 1,
			counterComments:     float64(ev.Comments),
			counterReactions:    float64(ev.Reactions),
			counterShares:       float64(ev.Shares),
			counterPhotos:       float64(ev.Photos),
			counterDuration:     ev.DurationSeconds,
		}))
	case domain.EventUserActivity:
		inc(domain.MetricUser, ev.TargetID, withoutZeros(domain.Deltas{
			counterSessions: 1,
			counterDuration: ev.DurationSeconds,
		}))
	}

	if ev.UserID != "" {
		if ev.Kind != domain.EventUserActivity {
			inc(domain.MetricUser, ev.UserID, withoutZeros(domain.Deltas{
				counterInteractions: 1,
				counterComments:     float64(ev.Comments),
				counterReactions:    float64(ev.Reactions),
				counterShares:       float64(ev.Shares),
				counterPhotos:       float64(ev.Photos),
			}))
		}
		dayStart := ev.OccurredAt.UTC().Truncate(24 * time.Hour)
		member(domain.MetricPlatform, domain.PlatformTarget, activePrefix+day, ev.UserID, dayStart.Add(activeRetention))
	}
	inc(domain.MetricPlatform, domain.PlatformTarget, domain.Deltas{counterEvents: 1})

	for _, write := range append(uniques, writes...) {
		if err := write(); err != nil {
			return domain.NewError(domain.ErrorPersistence, "metric_write", err)
		}
	}
	r.log.Debug("interaction recorded", "kind", ev.Kind, "target_id", ev.TargetID)
	return nil
}

func (r *Recorder) normalize(ev domain.InteractionEvent) (domain.InteractionEvent, error) {
	if !ev.Kind.Valid() {
		return ev, domain.NewError(domain.ErrorValidation, "invalid_event_kind", nil)
	}
	ev.TargetID = strings.TrimSpace(ev.TargetID)
	ev.UserID = strings.TrimSpace(ev.UserID)
	if ev.Kind == domain.EventUserActivity && ev.TargetID == "" {
		ev.TargetID = ev.UserID
	}
	if ev.TargetID == "" {
		return ev, domain.NewError(domain.ErrorValidation, "missing_target_id", nil)
	}
	if ev.Views < 0 || ev.Comments < 0 || ev.Reactions < 0 || ev.Shares < 0 || ev.Photos < 0 || ev.DurationSeconds < 0 {
		return ev, domain.NewError(domain.ErrorValidation, "negative_count", nil)
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = r.now()
	}
	return ev, nil
}

func withoutZeros(d domain.Deltas) domain.Deltas {
	for k, v := range d {
		if v == 0 {
			delete(d, k)
		}
	}
	return d
}
