package analytics

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEngagementScore_RegressionCase(t *testing.T) {
	score := EngagementScore(ObjectStats{Views: 10, Comments: 2, Reactions: 3, Shares: 1, AvgExplorationSeconds: 20})
	require.InDelta(t, 29.0, score, 1e-9)
}

func TestScores_ZeroInputsScoreZero(t *testing.T) {
	require.Zero(t, EngagementScore(ObjectStats{}))
	require.Zero(t, PopularityScore(ZoneStats{}))
	require.Zero(t, InteractionScore(ThemeStats{}))
	require.Zero(t, UserEngagementScore(UserStats{}))
	require.Equal(t, LevelVeryLow, LevelFor(0))
}

func TestPopularityScore(t *testing.T) {
	score := PopularityScore(ZoneStats{TotalSessions: 10, UniqueVisitors: 4, AvgSessionMinutes: 6, DailySessions: 2, WeeklySessions: 5})
	require.InDelta(t, 10*1.0+4*2.0+6*0.5+2*5.0+5*2.0, score, 1e-9)
}

func TestInteractionScore(t *testing.T) {
	score := InteractionScore(ThemeStats{TotalInteractions: 7, Comments: 1, Reactions: 2, Shares: 1, Photos: 3, AvgEngagementMinutes: 5})
	require.InDelta(t, 7*1.0+1*4.0+2*2.0+1*6.0+3*3.0+5*0.2, score, 1e-9)
}

func TestUserEngagementScoreAndLevel(t *testing.T) {
	stats := UserStats{Sessions: 3, ExplorationMinutes: 10, Interactions: 4, Comments: 1, Reactions: 2, Shares: 1, Photos: 1}
	score := UserEngagementScore(stats)
	require.InDelta(t, 3*2.0+10*0.5+4*1.0+1*3.0+2*2.0+1*5.0+1*3.0, score, 1e-9)
	require.Equal(t, LevelMedium, LevelFor(score))

	cases := []struct {
		score float64
		want  EngagementLevel
	}{
		{150, LevelVeryHigh},
		{100, LevelVeryHigh},
		{99.9, LevelHigh},
		{50, LevelHigh},
		{20, LevelMedium},
		{19.99, LevelLow},
		{5, LevelLow},
		{4.9, LevelVeryLow},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, LevelFor(tc.score), "score %v", tc.score)
	}
}

func TestProjectTrend(t *testing.T) {
	trend := ProjectTrend(4, 14)
	require.InDelta(t, 2.0, trend.GrowthFactor, 1e-9)
	require.InDelta(t, 28.0, trend.ProjectedNextWeek, 1e-9)

	trend = ProjectTrend(1, 14)
	require.InDelta(t, 0.5, trend.GrowthFactor, 1e-9)
	require.InDelta(t, 7.0, trend.ProjectedNextWeek, 1e-9)

	trend = ProjectTrend(3, 0)
	require.Zero(t, trend.GrowthFactor)
	require.Zero(t, trend.ProjectedNextWeek)

	trend = ProjectTrend(0, 7)
	require.Zero(t, trend.GrowthFactor)
	require.Zero(t, trend.ProjectedNextWeek)
}

func TestScores_Deterministic(t *testing.T) {
	stats := ObjectStats{Views: 13, Comments: 7, Reactions: 5, Shares: 2, AvgExplorationSeconds: 41.5}
	first := EngagementScore(stats)
	for i := 0; i < 100; i++ {
		require.Equal(t, first, EngagementScore(stats))
	}
}

func TestInsights(t *testing.T) {
	objects := []ObjectReport{
		{ObjectID: "quipu", Stats: ObjectStats{Views: 12, AvgExplorationSeconds: 10}},
		{ObjectID: "ceramica", Stats: ObjectStats{Views: 3, Comments: 1, AvgExplorationSeconds: 90}},
	}
	zones := []ZoneReport{{ZoneID: "plaza", Stats: ZoneStats{TotalSessions: 4}}}
	themes := []ThemeReport{{ThemeID: "andina", Stats: ThemeStats{TotalInteractions: 10}}}
	levels := map[EngagementLevel]int{LevelVeryLow: 3, LevelHigh: 1}

	got := Insights(objects, zones, themes, levels, ProjectTrend(1, 14))
	require.Equal(t, []string{
		"object quipu: average exploration under 30s, add more interactive content",
		"object quipu: viewed 12 times without comments, prompt visitors to comment",
		"zone plaza: no sessions this week, promote it in guided tours",
		"theme andina: popular but never shared, add shareable content",
		"most users show very low engagement, consider a re-engagement campaign",
		"activity is declining (growth factor 0.50)",
	}, got)

	require.Empty(t, Insights(nil, nil, nil, nil, Trend{}))
}
