package filter

import (
	"strings"

	goaway "github.com/TwiN/go-away"
)

// Placeholder replaces chat messages that are empty or not text.
const Placeholder = "[invalid message]"

// Filter censors profanity in chat text before it is relayed.
type Filter struct {
	detector *goaway.ProfanityDetector
}

func New() *Filter {
	return &Filter{detector: goaway.NewProfanityDetector()}
}

// Clean trims and censors a chat message. Anything that is empty after
// trimming comes back as Placeholder instead of being relayed or rejected.
func (f *Filter) Clean(text string) string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Placeholder
	}
	return f.detector.Censor(trimmed)
}
