package core

import (
	"strings"

	"github.com/olympus-os/olympus/internal/store"
)

const (
	maxTitleRunes = 50
	defaultTitle  = "New Chat"
)

// GenerateTitle derives a conversation title from the first user message,
// clipped to 50 characters with a trailing "..." when clipped.
func GenerateTitle(messages []store.Message) string {
	for _, m := range messages {
		if m.Role != store.RoleUser {
			continue
		}
		text := strings.TrimSpace(m.Content)
		if text == "" {
			continue
		}
		runes := []rune(text)
		if len(runes) <= maxTitleRunes {
			return text
		}
		return string(runes[:maxTitleRunes]) + "..."
	}
	return defaultTitle
}
