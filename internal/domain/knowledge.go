package domain

import "time"

// MaxSearchKeywords bounds the keywords of one knowledge search. Longer
// queries keep their first MaxSearchKeywords distinct tokens.
const MaxSearchKeywords = 25

type VerificationStatus string

const (
	VerificationVerified    VerificationStatus = "VERIFIED"
	VerificationPending     VerificationStatus = "PENDING"
	VerificationRejected    VerificationStatus = "REJECTED"
	VerificationNeedsReview VerificationStatus = "NEEDS_REVIEW"
	VerificationDraft       VerificationStatus = "DRAFT"
)

// KnowledgeStatus is the publication lifecycle of a knowledge item. Only
// ACTIVE items are eligible for retrieval.
type KnowledgeStatus string

const (
	KnowledgeDraft    KnowledgeStatus = "DRAFT"
	KnowledgeActive   KnowledgeStatus = "ACTIVE"
	KnowledgeArchived KnowledgeStatus = "ARCHIVED"
)

const DefaultRelevanceScore = 1.0

// KnowledgeItem is a unit of groundable cultural content owned by an avatar.
type KnowledgeItem struct {
	KnowledgeID string
	AvatarID    string

	Category        string
	CulturalRegion  string
	RelatedCultures []string
	DifficultyLevel string
	TargetAudience  string

	Keywords      []string
	RelatedTopics []string
	Title         string
	Summary       string
	Description   string
	Content       string

	VerificationStatus VerificationStatus
	Status             KnowledgeStatus
	RelevanceScore     float64

	// Usage counters. These are only ever changed through atomic increments.
	TimesAccessed int64
	LastAccessed  *time.Time
	RatingSum     float64
	TotalRatings  int64
	ShareCount    int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// AverageRating is the running mean of all ratings received.
func (k KnowledgeItem) AverageRating() float64 {
	return RunningMean(k.RatingSum, k.TotalRatings)
}

// HasKeyword reports whether any of the given lower-cased keywords is tagged on k.
func (k KnowledgeItem) HasKeyword(keywords []string) bool {
	for _, kw := range k.Keywords {
		for _, q := range keywords {
			if kw == q {
				return true
			}
		}
	}
	return false
}

// MatchesCulture reports whether the item belongs to the given cultural context.
func (k KnowledgeItem) MatchesCulture(culture string) bool {
	if k.CulturalRegion == culture {
		return true
	}
	for _, c := range k.RelatedCultures {
		if c == culture {
			return true
		}
	}
	return false
}

// RunningMean returns sum/count, or 0 when nothing has been counted.
// Every rating aggregate in the system uses this formula.
func RunningMean(sum float64, count int64) float64 {
	if count <= 0 {
		return 0
	}
	return sum / float64(count)
}
