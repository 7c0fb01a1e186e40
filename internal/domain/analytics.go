package domain

import "time"

type EventKind string

const (
	EventObjectView       EventKind = "OBJECT_VIEW"
	EventZoneVisit        EventKind = "ZONE_VISIT"
	EventThemeInteraction EventKind = "THEME_INTERACTION"
	EventUserActivity     EventKind = "USER_ACTIVITY"
)

func (k EventKind) Valid() bool {
	switch k {
	case EventObjectView, EventZoneVisit, EventThemeInteraction, EventUserActivity:
		return true
	}
	return false
}

// InteractionEvent is an immutable, append-only analytics input.
type InteractionEvent struct {
	Kind     EventKind
	TargetID string
	UserID   string

	Views           int64
	Comments        int64
	Reactions       int64
	Shares          int64
	Photos          int64
	DurationSeconds float64

	OccurredAt time.Time
}

// MetricKind groups accumulated counters by what they describe.
type MetricKind string

const (
	MetricObject   MetricKind = "OBJECT"
	MetricZone     MetricKind = "ZONE"
	MetricTheme    MetricKind = "THEME"
	MetricUser     MetricKind = "USER"
	MetricPlatform MetricKind = "PLATFORM"
)

// PlatformTarget is the single target id used for platform-wide activity.
const PlatformTarget = "all"

// MetricKey addresses one accumulated metric document.
type MetricKey struct {
	Kind     MetricKind
	TargetID string
}

// MetricSnapshot is a point-in-time read of a metric document. Missing
// counters read as zero.
type MetricSnapshot struct {
	Kind     MetricKind
	TargetID string
	Counters map[string]float64
}

func (m MetricSnapshot) Counter(name string) float64 {
	return m.Counters[name]
}
