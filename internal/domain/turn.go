package domain

import "time"

type MessageType string

const (
	MessageUser      MessageType = "USER_MESSAGE"
	MessageAvatar    MessageType = "AVATAR_RESPONSE"
	MessageSystem    MessageType = "SYSTEM_MESSAGE"
	MessageAutomated MessageType = "AUTOMATED_RESPONSE"
	MessageFallback  MessageType = "FALLBACK_RESPONSE"
)

// FromAvatar reports whether the message was produced on the avatar side.
func (t MessageType) FromAvatar() bool {
	switch t {
	case MessageAvatar, MessageAutomated, MessageFallback:
		return true
	case MessageUser, MessageSystem:
		return false
	}
	return false
}

type ResponseType string

const (
	ResponseInformative    ResponseType = "INFORMATIVE"
	ResponseStorytelling   ResponseType = "STORYTELLING"
	ResponseQuestion       ResponseType = "QUESTION"
	ResponseRecommendation ResponseType = "RECOMMENDATION"
	ResponseGreeting       ResponseType = "GREETING"
	ResponseFarewell       ResponseType = "FAREWELL"
	ResponseClarification  ResponseType = "CLARIFICATION"
	ResponseEducational    ResponseType = "EDUCATIONAL"
)

// ConversationTurn is a single message within a session.
type ConversationTurn struct {
	TurnID    string
	SessionID string
	AvatarID  string
	UserID    string

	MessageType  MessageType
	MessageOrder int
	Content      string
	Timestamp    time.Time

	// Set only on avatar-side turns.
	ResponseType  ResponseType
	CulturalTopic string
	KnowledgeIDs  []string
}
