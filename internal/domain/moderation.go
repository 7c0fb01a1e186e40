package domain

// ModerationResult is the verdict of the content moderation classifier.
type ModerationResult struct {
	Flagged    bool
	Categories []string
}

func (m ModerationResult) IsSafe() bool {
	return !m.Flagged
}

// Reason returns the first flagged category, or "" for safe content.
func (m ModerationResult) Reason() string {
	if !m.Flagged {
		return ""
	}
	if len(m.Categories) == 0 {
		return "flagged"
	}
	return m.Categories[0]
}
