// Package analytics turns accumulated interaction counters into weighted
// scores, engagement levels, trend projections and advisory insights.
package analytics

import "math"

// Object engagement weights.
const (
	objectViewWeight        = 1.0
	objectCommentWeight     = 3.0
	objectReactionWeight    = 2.0
	objectShareWeight       = 5.0
	objectExplorationWeight = 0.1
)

// Zone popularity weights.
const (
	zoneSessionWeight       = 1.0
	zoneVisitorWeight       = 2.0
	zoneMinutesWeight       = 0.5
	zoneDailySessionWeight  = 5.0
	zoneWeeklySessionWeight = 2.0
)

// Theme interaction weights.
const (
	themeInteractionWeight = 1.0
	themeCommentWeight     = 4.0
	themeReactionWeight    = 2.0
	themeShareWeight       = 6.0
	themePhotoWeight       = 3.0
	themeMinutesWeight     = 0.2
)

// User engagement weights.
const (
	userSessionWeight     = 2.0
	userMinutesWeight     = 0.5
	userInteractionWeight = 1.0
	userCommentWeight     = 3.0
	userReactionWeight    = 2.0
	userShareWeight       = 5.0
	userPhotoWeight       = 3.0
)

type ObjectStats struct {
	Views                 float64 `json:"views"`
	Comments              float64 `json:"comments"`
	Reactions             float64 `json:"reactions"`
	Shares                float64 `json:"shares"`
	AvgExplorationSeconds float64 `json:"avgExplorationSeconds"`
}

// EngagementScore weighs an object's views, comments, reactions, shares and
// average exploration time.
func EngagementScore(s ObjectStats) float64 {
	return s.Views*objectViewWeight +
		s.Comments*objectCommentWeight +
		s.Reactions*objectReactionWeight +
		s.Shares*objectShareWeight +
		s.AvgExplorationSeconds*objectExplorationWeight
}

type ZoneStats struct {
	TotalSessions     float64 `json:"totalSessions"`
	UniqueVisitors    float64 `json:"uniqueVisitors"`
	AvgSessionMinutes float64 `json:"avgSessionMinutes"`
	DailySessions     float64 `json:"dailySessions"`
	WeeklySessions    float64 `json:"weeklySessions"`
}

func PopularityScore(s ZoneStats) float64 {
	return s.TotalSessions*zoneSessionWeight +
		s.UniqueVisitors*zoneVisitorWeight +
		s.AvgSessionMinutes*zoneMinutesWeight +
		s.DailySessions*zoneDailySessionWeight +
		s.WeeklySessions*zoneWeeklySessionWeight
}

type ThemeStats struct {
	TotalInteractions    float64 `json:"totalInteractions"`
	Comments             float64 `json:"comments"`
	Reactions            float64 `json:"reactions"`
	Shares               float64 `json:"shares"`
	Photos               float64 `json:"photos"`
	AvgEngagementMinutes float64 `json:"avgEngagementMinutes"`
}

func InteractionScore(s ThemeStats) float64 {
	return s.TotalInteractions*themeInteractionWeight +
		s.Comments*themeCommentWeight +
		s.Reactions*themeReactionWeight +
		s.Shares*themeShareWeight +
		s.Photos*themePhotoWeight +
		s.AvgEngagementMinutes*themeMinutesWeight
}

type UserStats struct {
	Sessions           float64 `json:"sessions"`
	ExplorationMinutes float64 `json:"explorationMinutes"`
	Interactions       float64 `json:"interactions"`
	Comments           float64 `json:"comments"`
	Reactions          float64 `json:"reactions"`
	Shares             float64 `json:"shares"`
	Photos             float64 `json:"photos"`
}

func UserEngagementScore(s UserStats) float64 {
	return s.Sessions*userSessionWeight +
		s.ExplorationMinutes*userMinutesWeight +
		s.Interactions*userInteractionWeight +
		s.Comments*userCommentWeight +
		s.Reactions*userReactionWeight +
		s.Shares*userShareWeight +
		s.Photos*userPhotoWeight
}

type EngagementLevel string

const (
	LevelVeryHigh EngagementLevel = "Very High"
	LevelHigh     EngagementLevel = "High"
	LevelMedium   EngagementLevel = "Medium"
	LevelLow      EngagementLevel = "Low"
	LevelVeryLow  EngagementLevel = "Very Low"
)

// LevelFor buckets a user engagement score.
func LevelFor(score float64) EngagementLevel {
	switch {
	case score >= 100:
		return LevelVeryHigh
	case score >= 50:
		return LevelHigh
	case score >= 20:
		return LevelMedium
	case score >= 5:
		return LevelLow
	default:
		return LevelVeryLow
	}
}

type Trend struct {
	ActiveToday       float64 `json:"activeToday"`
	ActiveThisWeek    float64 `json:"activeThisWeek"`
	GrowthFactor      float64 `json:"growthFactor"`
	ProjectedNextWeek float64 `json:"projectedNextWeek"`
}

// ProjectTrend compares today's activity with the weekly daily average and
// extrapolates next week linearly. A week without activity projects zero.
func ProjectTrend(activeToday, activeThisWeek float64) Trend {
	t := Trend{ActiveToday: activeToday, ActiveThisWeek: activeThisWeek}
	if activeThisWeek <= 0 || activeToday < 0 {
		return t
	}
	t.GrowthFactor = activeToday / (activeThisWeek / 7)
	t.ProjectedNextWeek = math.Max(0, activeThisWeek*t.GrowthFactor)
	return t
}

// safeDiv returns 0 instead of dividing by zero.
func safeDiv(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return num / den
}
