package dispatch

import (
	"fmt"
	"strings"
	"time"

	"github.com/nanoclaw/supervisor/internal/domain"
)

// escapeXML replaces the four characters 4.I step 3 requires escaped. It
// deliberately does not escape single quotes: the spec names &, <, >, and "
// only.
func escapeXML(s string) string {
	r := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		`"`, "&quot;",
	)
	return r.Replace(s)
}

// buildMessagesPrompt renders the <messages> container 4.I step 3
// describes: one child <message> per entry, in the order given.
func buildMessagesPrompt(messages []domain.Message) string {
	var b strings.Builder
	b.WriteString("<messages>\n")
	for _, m := range messages {
		fmt.Fprintf(&b, "  <message sender=%q time=%q>%s</message>\n",
			escapeXML(m.SenderName),
			escapeXML(m.Timestamp.UTC().Format(time.RFC3339)),
			escapeXML(m.Content),
		)
	}
	b.WriteString("</messages>")
	return b.String()
}

// buildReactionPrompt renders the minimal <reaction> prompt for a
// reaction-triggered dispatch.
func buildReactionPrompt(reactor, emoji string, targetMessageID int64) string {
	return fmt.Sprintf("<reaction reactor=%q emoji=%q target_message_id=%q></reaction>",
		escapeXML(reactor), escapeXML(emoji), fmt.Sprintf("%d", targetMessageID))
}
