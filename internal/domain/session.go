package domain

import (
	"fmt"
	"time"
)

// SessionStatus is the lifecycle state of an avatar session.
type SessionStatus string

const (
	SessionActive      SessionStatus = "ACTIVE"
	SessionCompleted   SessionStatus = "COMPLETED"
	SessionInterrupted SessionStatus = "INTERRUPTED"
	SessionError       SessionStatus = "ERROR"
	SessionPaused      SessionStatus = "PAUSED"
	SessionTimeout     SessionStatus = "TIMEOUT"
)

// Terminal reports whether no further transitions are allowed from s.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionCompleted, SessionInterrupted, SessionError, SessionTimeout:
		return true
	case SessionActive, SessionPaused:
		return false
	}
	return false
}

// Open reports whether turns may still be recorded against the session.
func (s SessionStatus) Open() bool {
	return s == SessionActive || s == SessionPaused
}

func (s SessionStatus) Valid() bool {
	switch s {
	case SessionActive, SessionCompleted, SessionInterrupted, SessionError, SessionPaused, SessionTimeout:
		return true
	}
	return false
}

type SessionType string

const (
	SessionTypeTour             SessionType = "tour"
	SessionTypeQA               SessionType = "qa"
	SessionTypeStorytelling     SessionType = "storytelling"
	SessionTypeExploration      SessionType = "exploration"
	SessionTypeLearningModule   SessionType = "learning_module"
	SessionTypeFreeConversation SessionType = "free_conversation"
	SessionTypeGuidedExperience SessionType = "guided_experience"
	SessionTypeQuiz             SessionType = "quiz"
)

func (t SessionType) Valid() bool {
	switch t {
	case SessionTypeTour, SessionTypeQA, SessionTypeStorytelling, SessionTypeExploration,
		SessionTypeLearningModule, SessionTypeFreeConversation, SessionTypeGuidedExperience, SessionTypeQuiz:
		return true
	}
	return false
}

// SessionRating is the bucket derived from a satisfaction score.
type SessionRating string

const (
	RatingNone      SessionRating = ""
	RatingExcellent SessionRating = "EXCELLENT"
	RatingGood      SessionRating = "GOOD"
	RatingAverage   SessionRating = "AVERAGE"
	RatingPoor      SessionRating = "POOR"
)

// RatingFor buckets a satisfaction score in [1,5].
func RatingFor(score float64) SessionRating {
	switch {
	case score >= 4.5:
		return RatingExcellent
	case score >= 3.5:
		return RatingGood
	case score >= 2.5:
		return RatingAverage
	default:
		return RatingPoor
	}
}

// End reasons. TimeoutReason is reserved for the idle sweep.
const (
	ReasonUserRequest      = "USER_REQUEST"
	ReasonEnd              = "END"
	ReasonCompleted        = "COMPLETED"
	ReasonInterrupted      = "INTERRUPTED"
	ReasonClientDisconnect = "CLIENT_DISCONNECT"
	ReasonNavigation       = "NAVIGATION"
	ReasonError            = "ERROR"
	ReasonSystemError      = "SYSTEM_ERROR"
	ReasonTimeout          = "TIMEOUT"
)

// StatusForEndReason maps an end reason to its terminal status.
func StatusForEndReason(reason string) (SessionStatus, error) {
	switch reason {
	case "", ReasonUserRequest, ReasonEnd, ReasonCompleted:
		return SessionCompleted, nil
	case ReasonInterrupted, ReasonClientDisconnect, ReasonNavigation:
		return SessionInterrupted, nil
	case ReasonError, ReasonSystemError:
		return SessionError, nil
	}
	return "", fmt.Errorf("unknown end reason %q", reason)
}

// SessionContext carries the optional context supplied when a session starts.
type SessionContext struct {
	SessionType   SessionType
	CampusZone    string
	CulturalTheme string
	DeviceType    string
}

// AvatarSession is one user's bounded engagement with one avatar.
type AvatarSession struct {
	SessionID string
	AvatarID  string
	UserID    string

	StartTime        time.Time
	EndTime          *time.Time
	DurationSeconds  *int64
	LastActivityTime time.Time

	SessionType   SessionType
	CampusZone    string
	CulturalTheme string
	DeviceType    string

	TotalMessages       int64
	UserQuestions       int64
	AvatarResponses     int64
	StoriesTold         int64
	RecommendationsMade int64
	// LastCountedOrder is the messageOrder of the newest avatar-side turn
	// whose exchange has been added to the counters.
	LastCountedOrder int

	UserSatisfactionScore *float64
	SessionRating         SessionRating
	UserFeedback          string
	SessionCompleted      bool

	SessionStatus SessionStatus
	EndReason     string
}

// SessionPatch lists the fields a state transition writes. Nil fields are
// left untouched.
type SessionPatch struct {
	Status                *SessionStatus
	EndTime               *time.Time
	DurationSeconds       *int64
	SessionCompleted      *bool
	EndReason             *string
	UserSatisfactionScore *float64
	SessionRating         *SessionRating
	UserFeedback          *string
	LastActivityTime      *time.Time
}

// Apply copies the non-nil patch fields onto s.
func (p SessionPatch) Apply(s *AvatarSession) {
	if p.Status != nil {
		s.SessionStatus = *p.Status
	}
	if p.EndTime != nil {
		t := *p.EndTime
		s.EndTime = &t
	}
	if p.DurationSeconds != nil {
		d := *p.DurationSeconds
		s.DurationSeconds = &d
	}
	if p.SessionCompleted != nil {
		s.SessionCompleted = *p.SessionCompleted
	}
	if p.EndReason != nil {
		s.EndReason = *p.EndReason
	}
	if p.UserSatisfactionScore != nil {
		v := *p.UserSatisfactionScore
		s.UserSatisfactionScore = &v
	}
	if p.SessionRating != nil {
		s.SessionRating = *p.SessionRating
	}
	if p.UserFeedback != nil {
		s.UserFeedback = *p.UserFeedback
	}
	if p.LastActivityTime != nil {
		s.LastActivityTime = *p.LastActivityTime
	}
}
