package registry

import (
	"strings"

	"github.com/nanoclaw/supervisor/internal/domain"
)

// Decision is the result of evaluating a registered chat's trigger policy
// against an inbound text message (4.C).
type Decision struct {
	Fire    bool
	Content string
}

// EvaluateTrigger decides whether content fires dispatch for workspace
// folder, and returns the content to enqueue (mention patterns are
// stripped from the message on a firing mention match). isMain bypasses
// registration and trigger mode entirely: the main workspace always fires.
func EvaluateTrigger(isMain bool, chat domain.RegisteredChat, assistantName, content string) Decision {
	if isMain {
		return Decision{Fire: true, Content: content}
	}

	switch chat.Mode {
	case domain.TriggerAlways:
		return Decision{Fire: true, Content: content}
	case domain.TriggerDisabled:
		return Decision{Fire: false}
	case domain.TriggerMention:
		pattern := chat.EffectiveMentionPattern(assistantName)
		if !containsFold(content, pattern) {
			return Decision{Fire: false}
		}
		return Decision{Fire: true, Content: stripFold(content, pattern)}
	default:
		return Decision{Fire: false}
	}
}

func containsFold(content, pattern string) bool {
	return strings.Contains(strings.ToLower(content), strings.ToLower(pattern))
}

// stripFold removes every case-insensitive occurrence of pattern from
// content, then rejoins the remaining words with single spaces: every run
// of whitespace, line breaks included, becomes one space, and leading and
// trailing whitespace is dropped.
func stripFold(content, pattern string) string {
	if pattern == "" {
		return content
	}
	lowerContent := strings.ToLower(content)
	lowerPattern := strings.ToLower(pattern)

	var out strings.Builder
	i := 0
	for {
		idx := strings.Index(lowerContent[i:], lowerPattern)
		if idx < 0 {
			out.WriteString(content[i:])
			break
		}
		out.WriteString(content[i : i+idx])
		i += idx + len(pattern)
	}
	return strings.Join(strings.Fields(out.String()), " ")
}
