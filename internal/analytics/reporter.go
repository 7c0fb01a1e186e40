package analytics

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"avatar-agent/internal/domain"
)

const (
	defaultTopN           = 10
	daysPerWeek           = 7
	lowExplorationSeconds = 30.0
)

type ObjectReport struct {
	ObjectID string      `json:"objectId"`
	Stats    ObjectStats `json:"stats"`
	Score    float64     `json:"engagementScore"`
}

type ZoneReport struct {
	ZoneID string    `json:"zoneId"`
	Stats  ZoneStats `json:"stats"`
	Score  float64   `json:"popularityScore"`
}

type ThemeReport struct {
	ThemeID string     `json:"themeId"`
	Stats   ThemeStats `json:"stats"`
	Score   float64    `json:"interactionScore"`
}

type UserReport struct {
	UserID string          `json:"userId"`
	Stats  UserStats       `json:"stats"`
	Score  float64         `json:"engagementScore"`
	Level  EngagementLevel `json:"engagementLevel"`
}

type Dashboard struct {
	GeneratedAt time.Time               `json:"generatedAt"`
	Objects     []ObjectReport          `json:"topObjects"`
	Zones       []ZoneReport            `json:"topZones"`
	Themes      []ThemeReport           `json:"topThemes"`
	Users       []UserReport            `json:"topUsers"`
	Levels      map[EngagementLevel]int `json:"engagementLevels"`
	Trend       Trend                   `json:"trend"`
	Insights    []string                `json:"insights"`
}

// Reporter reads metric snapshots and ranks them. It never writes.
type Reporter struct {
	store MetricStore
	topN  int
	now   func() time.Time
}

func NewReporter(store MetricStore, topN int) (*Reporter, error) {
	if store == nil {
		return nil, errors.New("analytics: metric store must not be nil")
	}
	if topN <= 0 {
		topN = defaultTopN
	}
	return &Reporter{store: store, topN: topN, now: time.Now}, nil
}

// Dashboard ranks objects, zones, themes and users by score and attaches the
// activity trend and the insights derived from them.
func (r *Reporter) Dashboard(ctx context.Context) (Dashboard, error) {
	now := r.now().UTC()
	d := Dashboard{GeneratedAt: now, Levels: map[EngagementLevel]int{}}

	objects, err := r.list(ctx, domain.MetricObject)
	if err != nil {
		return Dashboard{}, err
	}
	for _, m := range objects {
		stats := objectStats(m)
		d.Objects = append(d.Objects, ObjectReport{ObjectID: m.TargetID, Stats: stats, Score: EngagementScore(stats)})
	}

	zones, err := r.list(ctx, domain.MetricZone)
	if err != nil {
		return Dashboard{}, err
	}
	for _, m := range zones {
		stats := zoneStats(m, now)
		d.Zones = append(d.Zones, ZoneReport{ZoneID: m.TargetID, Stats: stats, Score: PopularityScore(stats)})
	}

	themes, err := r.list(ctx, domain.MetricTheme)
	if err != nil {
		return Dashboard{}, err
	}
	for _, m := range themes {
		stats := themeStats(m)
		d.Themes = append(d.Themes, ThemeReport{ThemeID: m.TargetID, Stats: stats, Score: InteractionScore(stats)})
	}

	users, err := r.list(ctx, domain.MetricUser)
	if err != nil {
		return Dashboard{}, err
	}
	for _, m := range users {
		stats := userStats(m)
		score := UserEngagementScore(stats)
		level := LevelFor(score)
		d.Levels[level]++
		d.Users = append(d.Users, UserReport{UserID: m.TargetID, Stats: stats, Score: score, Level: level})
	}

	if d.Trend, err = r.platformTrend(ctx, now); err != nil {
		return Dashboard{}, err
	}

	sort.Slice(d.Objects, func(i, j int) bool {
		return byScore(d.Objects[i].Score, d.Objects[j].Score, d.Objects[i].ObjectID, d.Objects[j].ObjectID)
	})
	sort.Slice(d.Zones, func(i, j int) bool {
		return byScore(d.Zones[i].Score, d.Zones[j].Score, d.Zones[i].ZoneID, d.Zones[j].ZoneID)
	})
	sort.Slice(d.Themes, func(i, j int) bool {
		return byScore(d.Themes[i].Score, d.Themes[j].Score, d.Themes[i].ThemeID, d.Themes[j].ThemeID)
	})
	sort.Slice(d.Users, func(i, j int) bool {
		return byScore(d.Users[i].Score, d.Users[j].Score, d.Users[i].UserID, d.Users[j].UserID)
	})
	d.Insights = Insights(d.Objects, d.Zones, d.Themes, d.Levels, d.Trend)

	d.Objects = truncate(d.Objects, r.topN)
	d.Zones = truncate(d.Zones, r.topN)
	d.Themes = truncate(d.Themes, r.topN)
	d.Users = truncate(d.Users, r.topN)
	return d, nil
}

// Insights applies fixed threshold rules to the scored reports. The output is
// advisory text only.
func Insights(objects []ObjectReport, zones []ZoneReport, themes []ThemeReport, levels map[EngagementLevel]int, trend Trend) []string {
	var out []string
	for _, o := range objects {
		if o.Stats.Views > 0 && o.Stats.AvgExplorationSeconds < lowExplorationSeconds {
			out = append(out, fmt.Sprintf("object %s: average exploration under %.0fs, add more interactive content", o.ObjectID, lowExplorationSeconds))
		}
		if o.Stats.Views >= 10 && o.Stats.Comments == 0 {
			out = append(out, fmt.Sprintf("object %s: viewed %.0f times without comments, prompt visitors to comment", o.ObjectID, o.Stats.Views))
		}
	}
	for _, z := range zones {
		if z.Stats.WeeklySessions == 0 {
			out = append(out, fmt.Sprintf("zone %s: no sessions this week, promote it in guided tours", z.ZoneID))
		}
	}
	for _, t := range themes {
		if t.Stats.TotalInteractions >= 10 && t.Stats.Shares == 0 {
			out = append(out, fmt.Sprintf("theme %s: popular but never shared, add shareable content", t.ThemeID))
		}
	}
	users := 0
	for _, n := range levels {
		users += n
	}
	if users > 0 && levels[LevelVeryLow]*2 > users {
		out = append(out, "most users show very low engagement, consider a re-engagement campaign")
	}
	switch {
	case trend.ActiveThisWeek > 0 && trend.GrowthFactor < 1:
		out = append(out, fmt.Sprintf("activity is declining (growth factor %.2f)", trend.GrowthFactor))
	case trend.GrowthFactor > 1.2:
		out = append(out, fmt.Sprintf("activity is growing (growth factor %.2f), projected %.0f active users next week", trend.GrowthFactor, trend.ProjectedNextWeek))
	}
	return out
}

func (r *Reporter) list(ctx context.Context, kind domain.MetricKind) ([]domain.MetricSnapshot, error) {
	metrics, err := r.store.ListMetrics(ctx, kind)
	if err != nil {
		return nil, domain.NewError(domain.ErrorPersistence, "list_metrics", err)
	}
	return metrics, nil
}

func objectStats(m domain.MetricSnapshot) ObjectStats {
	return ObjectStats{
		Views:                 m.Counter(counterViews),
		Comments:              m.Counter(counterComments),
		Reactions:             m.Counter(counterReactions),
		Shares:                m.Counter(counterShares),
		AvgExplorationSeconds: safeDiv(m.Counter(counterDuration), m.Counter(counterEvents)),
	}
}

func zoneStats(m domain.MetricSnapshot, now time.Time) ZoneStats {
	sessions := m.Counter(counterSessions)
	var weekly float64
	for _, day := range lastDays(now, daysPerWeek) {
		weekly += m.Counter(dayPrefix + day)
	}
	return ZoneStats{
		TotalSessions:     sessions,
		UniqueVisitors:    m.Counter(setVisitors),
		AvgSessionMinutes: safeDiv(m.Counter(counterDuration), sessions) / 60,
		DailySessions:     m.Counter(dayPrefix + now.Format(dayLayout)),
		WeeklySessions:    weekly,
	}
}

func themeStats(m domain.MetricSnapshot) ThemeStats {
	interactions := m.Counter(counterInteractions)
	return ThemeStats{
		TotalInteractions:    interactions,
		Comments:             m.Counter(counterComments),
		Reactions:            m.Counter(counterReactions),
		Shares:               m.Counter(counterShares),
		Photos:               m.Counter(counterPhotos),
		AvgEngagementMinutes: safeDiv(m.Counter(counterDuration), interactions) / 60,
	}
}

func userStats(m domain.MetricSnapshot) UserStats {
	return UserStats{
		Sessions:           m.Counter(counterSessions),
		ExplorationMinutes: m.Counter(counterDuration) / 60,
		Interactions:       m.Counter(counterInteractions),
		Comments:           m.Counter(counterComments),
		Reactions:          m.Counter(counterReactions),
		Shares:             m.Counter(counterShares),
		Photos:             m.Counter(counterPhotos),
	}
}

// platformTrend counts distinct active users today and over the last seven
// days, then projects next week.
func (r *Reporter) platformTrend(ctx context.Context, now time.Time) (Trend, error) {
	key := domain.MetricKey{Kind: domain.MetricPlatform, TargetID: domain.PlatformTarget}
	var today float64
	week := map[string]struct{}{}
	for i, day := range lastDays(now, daysPerWeek) {
		users, err := r.store.ListMetricMembers(ctx, key, activePrefix+day)
		if err != nil {
			return Trend{}, domain.NewError(domain.ErrorPersistence, "active_users", err)
		}
		if i == 0 {
			today = float64(len(users))
		}
		for _, u := range users {
			week[u] = struct{}{}
		}
	}
	return ProjectTrend(today, float64(len(week))), nil
}

// lastDays returns n day keys ending with now's day.
func lastDays(now time.Time, n int) []string {
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, now.AddDate(0, 0, -i).Format(dayLayout))
	}
	return out
}

func byScore(a, b float64, idA, idB string) bool {
	if a != b {
		return a > b
	}
	return idA < idB
}

func truncate[T any](items []T, n int) []T {
	if len(items) > n {
		return items[:n]
	}
	return items
}
