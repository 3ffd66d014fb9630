package usecase

import (
	"strings"

	"chat-relay/internal/domain"
)

const defaultSystemPrompt = "You are a helpful assistant that only reply in short tweet-like responses, using lots of emojis."

// buildPromptMessages returns the system prompt followed by content as the only
// user turn. Earlier turns of the chat are not replayed.
func buildPromptMessages(systemPrompt, content string) []domain.ChatMessage {
	return []domain.ChatMessage{
		{Role: domain.RoleSystem, Content: strings.TrimSpace(systemPrompt)},
		{Role: domain.RoleUser, Content: content},
	}
}
