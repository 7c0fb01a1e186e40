package conversation

import (
	"fmt"
	"strings"

	"avatar-agent/internal/domain"
)

var (
	storytellingTriggers   = []string{"historia", "cuento", "leyenda"}
	recommendationTriggers = []string{"recomienda", "sugiere"}
	informativeTriggers    = []string{
		"qué", "cómo", "cuándo", "dónde", "quién", "cuál", "por qué",
		"what", "how", "when", "where", "why", "who",
	}
	educationalTriggers = []string{"enseña", "aprend"}
)

const (
	noKnowledgeReply = "Lo siento, no tengo información sobre eso en este momento. ¿Te gustaría que te cuente sobre otro aspecto cultural?"
	followUpFormat   = "¿Te gustaría saber más sobre %s?"
)

// Intent is the reply type derived from a user message.
type Intent struct {
	Type domain.ResponseType
	// Question marks messages that count toward the session's userQuestions.
	Question bool
}

// ClassifyIntent applies the trigger lists in fixed priority order:
// storytelling, recommendation, informative, educational, then the
// INFORMATIVE default.
func ClassifyIntent(text string) Intent {
	lower := strings.ToLower(text)
	asked := strings.ContainsAny(text, "?¿")
	wh := containsAny(lower, informativeTriggers)

	switch {
	case containsAny(lower, storytellingTriggers):
		return Intent{Type: domain.ResponseStorytelling, Question: asked || wh}
	case containsAny(lower, recommendationTriggers):
		return Intent{Type: domain.ResponseRecommendation, Question: true}
	case wh:
		return Intent{Type: domain.ResponseInformative, Question: true}
	case containsAny(lower, educationalTriggers):
		return Intent{Type: domain.ResponseEducational, Question: asked}
	}
	return Intent{Type: domain.ResponseInformative, Question: asked}
}

func containsAny(s string, triggers []string) bool {
	for _, t := range triggers {
		if strings.Contains(s, t) {
			return true
		}
	}
	return false
}

// reply is the grounded answer assembled from the ranked shortlist.
type reply struct {
	text         string
	topic        string
	knowledgeIDs []string
	snippets     []string
}

// composeReply builds the answer from the top ranked item: its summary, else
// its description, else title and content, plus one follow-up question when
// the item lists related topics.
func composeReply(ranked []domain.KnowledgeItem) reply {
	if len(ranked) == 0 {
		return reply{text: noKnowledgeReply}
	}
	top := ranked[0]

	text := strings.TrimSpace(top.Summary)
	if text == "" {
		text = strings.TrimSpace(top.Description)
	}
	if text == "" {
		text = strings.TrimSpace(top.Title + ". " + top.Content)
	}
	for _, topic := range top.RelatedTopics {
		if topic = strings.TrimSpace(topic); topic != "" {
			text += " " + fmt.Sprintf(followUpFormat, topic)
			break
		}
	}

	r := reply{text: text, topic: top.Category}
	for _, k := range ranked {
		r.knowledgeIDs = append(r.knowledgeIDs, k.KnowledgeID)
		r.snippets = append(r.snippets, snippet(k))
	}
	return r
}

func snippet(k domain.KnowledgeItem) string {
	body := k.Summary
	if body == "" {
		body = k.Content
	}
	return k.Title + ": " + body
}
