package analytics

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"avatar-agent/internal/domain"
	"avatar-agent/internal/repository/memstore"
)

var testNow = time.Date(2024, 5, 8, 15, 0, 0, 0, time.UTC)

func newRecorder(t *testing.T, store MetricStore) *Recorder {
	t.Helper()
	r, err := NewRecorder(store, nil)
	require.NoError(t, err)
	r.now = func() time.Time { return testNow }
	return r
}

func newReporter(t *testing.T, store MetricStore) *Reporter {
	t.Helper()
	r, err := NewReporter(store, 0)
	require.NoError(t, err)
	r.now = func() time.Time { return testNow }
	return r
}

func TestRecorder_RejectsInvalidEvents(t *testing.T) {
	r := newRecorder(t, memstore.New())
	ctx := context.Background()

	for name, ev := range map[string]domain.InteractionEvent{
		"unknown kind":   {Kind: "CLICK", TargetID: "x"},
		"missing target": {Kind: domain.EventObjectView},
		"negative count": {Kind: domain.EventObjectView, TargetID: "x", Comments: -1},
		"negative time":  {Kind: domain.EventZoneVisit, TargetID: "x", DurationSeconds: -5},
	} {
		t.Run(name, func(t *testing.T) {
			require.True(t, domain.HasCode(r.Record(ctx, ev), domain.ErrorValidation))
		})
	}
}

func TestRecorder_ObjectViews(t *testing.T) {
	mem := memstore.New()
	r := newRecorder(t, mem)
	ctx := context.Background()

	require.NoError(t, r.Record(ctx, domain.InteractionEvent{Kind: domain.EventObjectView, TargetID: "quipu", UserID: "u1", DurationSeconds: 30}))
	require.NoError(t, r.Record(ctx, domain.InteractionEvent{Kind: domain.EventObjectView, TargetID: "quipu", UserID: "u2", Views: 3, Comments: 2, Shares: 1, DurationSeconds: 10}))

	m, err := mem.GetMetric(ctx, domain.MetricKey{Kind: domain.MetricObject, TargetID: "quipu"})
	require.NoError(t, err)
	stats := objectStats(m)
	require.Equal(t, ObjectStats{Views: 4, Comments: 2, Shares: 1, AvgExplorationSeconds: 20}, stats)

	u2, err := mem.GetMetric(ctx, domain.MetricKey{Kind: domain.MetricUser, TargetID: "u2"})
	require.NoError(t, err)
	require.Equal(t, 1.0, u2.Counter(counterInteractions))
	require.Equal(t, 2.0, u2.Counter(counterComments))
}

func TestRecorder_ConcurrentZoneVisits(t *testing.T) {
	mem := memstore.New()
	r := newRecorder(t, mem)
	ctx := context.Background()

	const visits = 40
	errs := make(chan error, visits)
	var wg sync.WaitGroup
	for i := 0; i < visits; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user := "u1"
			if i%2 == 1 {
				user = "u2"
			}
			errs <- r.Record(ctx, domain.InteractionEvent{Kind: domain.EventZoneVisit, TargetID: "plaza", UserID: user, DurationSeconds: 120})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	m, err := mem.GetMetric(ctx, domain.MetricKey{Kind: domain.MetricZone, TargetID: "plaza"})
	require.NoError(t, err)
	stats := zoneStats(m, testNow)
	require.Equal(t, float64(visits), stats.TotalSessions)
	require.Equal(t, 2.0, stats.UniqueVisitors)
	require.InDelta(t, 2.0, stats.AvgSessionMinutes, 1e-9)
	require.Equal(t, float64(visits), stats.DailySessions)
	require.Equal(t, float64(visits), stats.WeeklySessions)
}

type failingMetrics struct {
	MetricStore
}

func (failingMetrics) IncrementMetric(context.Context, domain.MetricKey, domain.Deltas) error {
	return errors.New("throttled")
}

func TestRecorder_PersistenceFailure(t *testing.T) {
	r := newRecorder(t, failingMetrics{MetricStore: memstore.New()})

	err := r.Record(context.Background(), domain.InteractionEvent{Kind: domain.EventThemeInteraction, TargetID: "andina"})
	require.True(t, domain.HasCode(err, domain.ErrorPersistence))
}

// flakyMetrics fails the next n counter increments.
type flakyMetrics struct {
	*memstore.Store
	mu sync.Mutex
	n  int
}

func (f *flakyMetrics) IncrementMetric(ctx context.Context, key domain.MetricKey, deltas domain.Deltas) error {
	f.mu.Lock()
	fail := f.n > 0
	if fail {
		f.n--
	}
	f.mu.Unlock()
	if fail {
		return errors.New("throttled")
	}
	return f.Store.IncrementMetric(ctx, key, deltas)
}

func TestRecorder_RetriedEventCountsUsersOnce(t *testing.T) {
	mem := memstore.New()
	r := newRecorder(t, &flakyMetrics{Store: mem, n: 1})
	ctx := context.Background()
	ev := domain.InteractionEvent{Kind: domain.EventZoneVisit, TargetID: "plaza", UserID: "u1", DurationSeconds: 60}

	require.True(t, domain.HasCode(r.Record(ctx, ev), domain.ErrorPersistence))
	require.NoError(t, r.Record(ctx, ev))

	m, err := mem.GetMetric(ctx, domain.MetricKey{Kind: domain.MetricZone, TargetID: "plaza"})
	require.NoError(t, err)
	require.Equal(t, 1.0, zoneStats(m, testNow).UniqueVisitors)

	active, err := mem.ListMetricMembers(ctx, domain.MetricKey{Kind: domain.MetricPlatform, TargetID: domain.PlatformTarget}, activePrefix+"2024-05-08")
	require.NoError(t, err)
	require.Equal(t, []string{"u1"}, active)
}

func TestReporter_Dashboard(t *testing.T) {
	mem := memstore.New()
	r := newRecorder(t, mem)
	ctx := context.Background()
	day := 24 * time.Hour

	events := []domain.InteractionEvent{
		{Kind: domain.EventObjectView, TargetID: "quipu", UserID: "u1", Views: 10, Comments: 2, Reactions: 3, Shares: 1, DurationSeconds: 20},
		{Kind: domain.EventObjectView, TargetID: "ceramica", UserID: "u2", DurationSeconds: 45},
		{Kind: domain.EventZoneVisit, TargetID: "plaza", UserID: "u1", DurationSeconds: 600},
		{Kind: domain.EventZoneVisit, TargetID: "plaza", UserID: "u2", DurationSeconds: 300, OccurredAt: testNow.Add(-3 * day)},
		{Kind: domain.EventZoneVisit, TargetID: "museo", UserID: "u3", DurationSeconds: 60, OccurredAt: testNow.Add(-10 * day)},
		{Kind: domain.EventThemeInteraction, TargetID: "andina", UserID: "u1", Photos: 2, DurationSeconds: 120},
		{Kind: domain.EventUserActivity, UserID: "u1", DurationSeconds: 1200},
	}
	for _, ev := range events {
		require.NoError(t, r.Record(ctx, ev))
	}

	d, err := newReporter(t, mem).Dashboard(ctx)
	require.NoError(t, err)
	require.Equal(t, testNow, d.GeneratedAt)

	require.Len(t, d.Objects, 2)
	require.Equal(t, "quipu", d.Objects[0].ObjectID)
	require.InDelta(t, 29.0, d.Objects[0].Score, 1e-9)
	require.Equal(t, "ceramica", d.Objects[1].ObjectID)

	require.Equal(t, []string{"plaza", "museo"}, []string{d.Zones[0].ZoneID, d.Zones[1].ZoneID})
	plaza := d.Zones[0].Stats
	require.Equal(t, ZoneStats{TotalSessions: 2, UniqueVisitors: 2, AvgSessionMinutes: 7.5, DailySessions: 1, WeeklySessions: 2}, plaza)
	require.Zero(t, d.Zones[1].Stats.WeeklySessions)

	require.Len(t, d.Themes, 1)
	require.InDelta(t, 1+2*3.0+2*0.2, d.Themes[0].Score, 1e-9)

	require.Equal(t, "u1", d.Users[0].UserID)
	u1 := d.Users[0].Stats
	require.Equal(t, 1.0, u1.Sessions)
	require.Equal(t, 20.0, u1.ExplorationMinutes)
	require.Equal(t, 3.0, u1.Interactions)
	require.Equal(t, LevelMedium, d.Users[0].Level)
	require.Equal(t, 3, d.Levels[LevelVeryLow]+d.Levels[LevelLow]+d.Levels[LevelMedium]+d.Levels[LevelHigh]+d.Levels[LevelVeryHigh])

	require.Equal(t, 2.0, d.Trend.ActiveToday)
	require.Equal(t, 2.0, d.Trend.ActiveThisWeek)
	require.InDelta(t, 7.0, d.Trend.GrowthFactor, 1e-9)

	require.Contains(t, d.Insights, "zone museo: no sessions this week, promote it in guided tours")
	require.Contains(t, d.Insights, "object quipu: average exploration under 30s, add more interactive content")
}

func TestReporter_EmptyStore(t *testing.T) {
	d, err := newReporter(t, memstore.New()).Dashboard(context.Background())
	require.NoError(t, err)
	require.Empty(t, d.Objects)
	require.Empty(t, d.Zones)
	require.Zero(t, d.Trend.ProjectedNextWeek)
	require.Empty(t, d.Insights)
}

func TestReporter_TruncatesToTopN(t *testing.T) {
	mem := memstore.New()
	rec := newRecorder(t, mem)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, rec.Record(ctx, domain.InteractionEvent{Kind: domain.EventObjectView, TargetID: id}))
	}
	rep, err := NewReporter(mem, 2)
	require.NoError(t, err)

	d, err := rep.Dashboard(ctx)
	require.NoError(t, err)
	require.Len(t, d.Objects, 2)
	require.Equal(t, "a", d.Objects[0].ObjectID)
}
