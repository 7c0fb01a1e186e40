package domain

import "time"

// CounterKind names the document family a counter lives on.
type CounterKind string

const (
	CounterSession   CounterKind = "SESSION"
	CounterKnowledge CounterKind = "KNOWLEDGE"
	CounterAvatar    CounterKind = "AVATAR"
)

// CounterKey addresses one counter-carrying document.
type CounterKey struct {
	Kind CounterKind
	ID   string
}

// Counter field names shared by every store implementation.
const (
	FieldTotalMessages       = "totalMessages"
	FieldUserQuestions       = "userQuestions"
	FieldAvatarResponses     = "avatarResponses"
	FieldStoriesTold         = "storiesTold"
	FieldRecommendationsMade = "recommendationsMade"

	FieldTimesAccessed = "timesAccessed"
	FieldShareCount    = "shareCount"
	FieldRatingSum     = "ratingSum"
	FieldTotalRatings  = "totalRatings"

	FieldAvatarRatingSum   = "ratingSum"
	FieldAvatarRatingCount = "ratingCount"

	FieldLastActivityTime = "lastActivityTime"
	FieldLastAccessed     = "lastAccessed"

	FieldLastCountedOrder = "lastCountedOrder"
)

// Deltas is a set of field increments applied atomically to one document.
type Deltas map[string]float64

// AvatarStats is the aggregate rating of an avatar across sessions.
type AvatarStats struct {
	AvatarID    string
	RatingSum   float64
	RatingCount int64
}

func (a AvatarStats) AverageRating() float64 {
	return RunningMean(a.RatingSum, a.RatingCount)
}

// CounterUpdate is one atomic increment against a counter document.
type CounterUpdate struct {
	Key    CounterKey
	Deltas Deltas
	// Touch sets timestamp attributes in the same write.
	Touch map[string]time.Time
	// MustExist rejects the write when the document is absent instead of
	// creating it.
	MustExist bool
	// StatusIn, when set, requires the document's status attribute to hold
	// one of the values.
	StatusIn []string
	// Advance, when set, raises a monotonic marker in the same write. The
	// write is rejected when the stored marker is already at or above the
	// new value.
	Advance *Marker
}

// Marker is a monotonic integer attribute on a counter document.
type Marker struct {
	Field string
	Value int64
}
