package handler

import (
	"time"

	"avatar-agent/internal/domain"
)

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

type sessionContextRequest struct {
	SessionType   string `json:"sessionType"`
	CampusZone    string `json:"campusZone"`
	CulturalTheme string `json:"culturalTheme"`
	DeviceType    string `json:"deviceType"`
}

func (r sessionContextRequest) toDomain() domain.SessionContext {
	return domain.SessionContext{
		SessionType:   domain.SessionType(r.SessionType),
		CampusZone:    r.CampusZone,
		CulturalTheme: r.CulturalTheme,
		DeviceType:    r.DeviceType,
	}
}

type startSessionRequest struct {
	AvatarID string                `json:"avatarId"`
	UserID   string                `json:"userId"`
	Context  sessionContextRequest `json:"context"`
}

type converseRequest struct {
	SessionID string                `json:"sessionId"`
	AvatarID  string                `json:"avatarId"`
	UserID    string                `json:"userId"`
	Context   sessionContextRequest `json:"context"`
	Message   string                `json:"message"`
}

type turnRequest struct {
	Message string `json:"message"`
}

type endSessionRequest struct {
	Reason string `json:"reason"`
}

type rateSessionRequest struct {
	Score    float64 `json:"score"`
	Feedback string  `json:"feedback"`
}

type rateKnowledgeRequest struct {
	Rating float64 `json:"rating"`
}

type createKnowledgeRequest struct {
	AvatarID        string   `json:"avatarId"`
	Category        string   `json:"category"`
	CulturalRegion  string   `json:"culturalRegion"`
	RelatedCultures []string `json:"relatedCultures"`
	DifficultyLevel string   `json:"difficultyLevel"`
	TargetAudience  string   `json:"targetAudience"`
	Keywords        []string `json:"keywords"`
	RelatedTopics   []string `json:"relatedTopics"`
	Title           string   `json:"title"`
	Summary         string   `json:"summary"`
	Description     string   `json:"description"`
	Content         string   `json:"content"`
	RelevanceScore  float64  `json:"relevanceScore"`
}

type interactionRequest struct {
	Kind            string     `json:"kind"`
	TargetID        string     `json:"targetId"`
	UserID          string     `json:"userId"`
	Views           int64      `json:"views"`
	Comments        int64      `json:"comments"`
	Reactions       int64      `json:"reactions"`
	Shares          int64      `json:"shares"`
	Photos          int64      `json:"photos"`
	DurationSeconds float64    `json:"durationSeconds"`
	OccurredAt      *time.Time `json:"occurredAt"`
}

func (r interactionRequest) toDomain() domain.InteractionEvent {
	ev := domain.InteractionEvent{
		Kind:            domain.EventKind(r.Kind),
		TargetID:        r.TargetID,
		UserID:          r.UserID,
		Views:           r.Views,
		Comments:        r.Comments,
		Reactions:       r.Reactions,
		Shares:          r.Shares,
		Photos:          r.Photos,
		DurationSeconds: r.DurationSeconds,
	}
	if r.OccurredAt != nil {
		ev.OccurredAt = *r.OccurredAt
	}
	return ev
}

type sessionView struct {
	SessionID           string     `json:"sessionId"`
	AvatarID            string     `json:"avatarId"`
	UserID              string     `json:"userId"`
	Status              string     `json:"sessionStatus"`
	SessionType         string     `json:"sessionType"`
	CampusZone          string     `json:"campusZone,omitempty"`
	CulturalTheme       string     `json:"culturalTheme,omitempty"`
	DeviceType          string     `json:"deviceType,omitempty"`
	StartTime           time.Time  `json:"startTime"`
	EndTime             *time.Time `json:"endTime,omitempty"`
	DurationSeconds     *int64     `json:"durationSeconds,omitempty"`
	LastActivityTime    time.Time  `json:"lastActivityTime"`
	TotalMessages       int64      `json:"totalMessages"`
	UserQuestions       int64      `json:"userQuestions"`
	AvatarResponses     int64      `json:"avatarResponses"`
	StoriesTold         int64      `json:"storiesTold"`
	RecommendationsMade int64      `json:"recommendationsMade"`
	SatisfactionScore   *float64   `json:"userSatisfactionScore,omitempty"`
	SessionRating       string     `json:"sessionRating,omitempty"`
	UserFeedback        string     `json:"userFeedback,omitempty"`
	SessionCompleted    bool       `json:"sessionCompleted"`
	EndReason           string     `json:"endReason,omitempty"`
}

func newSessionView(s domain.AvatarSession) sessionView {
	return sessionView{
		SessionID:           s.SessionID,
		AvatarID:            s.AvatarID,
		UserID:              s.UserID,
		Status:              string(s.SessionStatus),
		SessionType:         string(s.SessionType),
		CampusZone:          s.CampusZone,
		CulturalTheme:       s.CulturalTheme,
		DeviceType:          s.DeviceType,
		StartTime:           s.StartTime,
		EndTime:             s.EndTime,
		DurationSeconds:     s.DurationSeconds,
		LastActivityTime:    s.LastActivityTime,
		TotalMessages:       s.TotalMessages,
		UserQuestions:       s.UserQuestions,
		AvatarResponses:     s.AvatarResponses,
		StoriesTold:         s.StoriesTold,
		RecommendationsMade: s.RecommendationsMade,
		SatisfactionScore:   s.UserSatisfactionScore,
		SessionRating:       string(s.SessionRating),
		UserFeedback:        s.UserFeedback,
		SessionCompleted:    s.SessionCompleted,
		EndReason:           s.EndReason,
	}
}

type turnView struct {
	TurnID        string    `json:"turnId"`
	SessionID     string    `json:"sessionId"`
	MessageType   string    `json:"messageType"`
	MessageOrder  int       `json:"messageOrder"`
	Content       string    `json:"content"`
	Timestamp     time.Time `json:"timestamp"`
	ResponseType  string    `json:"responseType,omitempty"`
	CulturalTopic string    `json:"culturalTopic,omitempty"`
	KnowledgeIDs  []string  `json:"knowledgeIds,omitempty"`
}

func newTurnView(t domain.ConversationTurn) turnView {
	return turnView{
		TurnID:        t.TurnID,
		SessionID:     t.SessionID,
		MessageType:   string(t.MessageType),
		MessageOrder:  t.MessageOrder,
		Content:       t.Content,
		Timestamp:     t.Timestamp,
		ResponseType:  string(t.ResponseType),
		CulturalTopic: t.CulturalTopic,
		KnowledgeIDs:  t.KnowledgeIDs,
	}
}

type converseResponse struct {
	Session sessionView `json:"session"`
	Reply   turnView    `json:"reply"`
}

type historyResponse struct {
	Turns []turnView `json:"turns"`
}

type knowledgeView struct {
	KnowledgeID        string     `json:"knowledgeId"`
	AvatarID           string     `json:"avatarId"`
	Category           string     `json:"category"`
	CulturalRegion     string     `json:"culturalRegion,omitempty"`
	RelatedCultures    []string   `json:"relatedCultures,omitempty"`
	Keywords           []string   `json:"keywords,omitempty"`
	RelatedTopics      []string   `json:"relatedTopics,omitempty"`
	Title              string     `json:"title"`
	Summary            string     `json:"summary,omitempty"`
	Description        string     `json:"description,omitempty"`
	Content            string     `json:"content"`
	VerificationStatus string     `json:"verificationStatus"`
	Status             string     `json:"status"`
	RelevanceScore     float64    `json:"relevanceScore"`
	TimesAccessed      int64      `json:"timesAccessed"`
	LastAccessed       *time.Time `json:"lastAccessed,omitempty"`
	AverageRating      float64    `json:"averageRating"`
	TotalRatings       int64      `json:"totalRatings"`
	ShareCount         int64      `json:"shareCount"`
}

func newKnowledgeView(k domain.KnowledgeItem) knowledgeView {
	return knowledgeView{
		KnowledgeID:        k.KnowledgeID,
		AvatarID:           k.AvatarID,
		Category:           k.Category,
		CulturalRegion:     k.CulturalRegion,
		RelatedCultures:    k.RelatedCultures,
		Keywords:           k.Keywords,
		RelatedTopics:      k.RelatedTopics,
		Title:              k.Title,
		Summary:            k.Summary,
		Description:        k.Description,
		Content:            k.Content,
		VerificationStatus: string(k.VerificationStatus),
		Status:             string(k.Status),
		RelevanceScore:     k.RelevanceScore,
		TimesAccessed:      k.TimesAccessed,
		LastAccessed:       k.LastAccessed,
		AverageRating:      k.AverageRating(),
		TotalRatings:       k.TotalRatings,
		ShareCount:         k.ShareCount,
	}
}

type knowledgeListResponse struct {
	Items []knowledgeView `json:"items"`
}

type avatarRatingResponse struct {
	AvatarID      string  `json:"avatarId"`
	AverageRating float64 `json:"averageRating"`
	RatingCount   int64   `json:"ratingCount"`
}
