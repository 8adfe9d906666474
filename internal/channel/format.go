package channel

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"burrow/internal/store"
)

var xmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&apos;",
)

// EscapeXML escapes the five XML special characters.
func EscapeXML(s string) string {
	return xmlEscaper.Replace(s)
}

// FormatMessages renders messages as the XML-like block the agent receives
// as its prompt, one <message> element per line.
func FormatMessages(messages []*store.Message) string {
	if len(messages) == 0 {
		return ""
	}
	parts := make([]string, 0, len(messages))
	for _, msg := range messages {
		sender := msg.SenderName
		if sender == "" {
			sender = msg.Sender
		}
		parts = append(parts, fmt.Sprintf(
			`<message sender=%q timestamp=%q>%s</message>`,
			EscapeXML(sender),
			msg.Timestamp.UTC().Format(time.RFC3339),
			EscapeXML(msg.Content),
		))
	}
	return strings.Join(parts, "\n")
}

// SplitMessage breaks text into chunks of at most maxLen bytes, preferring to
// split at a line boundary when one falls in the second half of the window.
// Hard splits back up to a rune boundary so no chunk ends mid-sequence.
func SplitMessage(text string, maxLen int) []string {
	if maxLen <= 0 || len(text) <= maxLen {
		return []string{text}
	}
	var chunks []string
	for len(text) > maxLen {
		splitAt := strings.LastIndex(text[:maxLen], "\n")
		if splitAt == -1 || splitAt < maxLen/2 {
			splitAt = maxLen
			for splitAt > 0 && !utf8.RuneStart(text[splitAt]) {
				splitAt--
			}
			if splitAt == 0 {
				splitAt = maxLen
			}
		}
		chunks = append(chunks, text[:splitAt])
		text = strings.TrimLeft(text[splitAt:], "\n")
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}
