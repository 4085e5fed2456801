package responder

import (
	"github.com/samber/lo"

	"github.com/rezaa1/rtllia/pkg/session"
)

// DefaultSystemPrompt is used when the agent has no prompt of its own.
const DefaultSystemPrompt = "You are a helpful assistant. Respond concisely and accurately to the user's questions."

const (
	DefaultModel       = "gpt-4"
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 500
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// buildPrompt maps history to chat roles: user messages stay user, agent and
// system messages become assistant. The current content is appended when the
// history does not already end with it.
func buildPrompt(systemPrompt string, req session.ResponseRequest) []chatMessage {
	if systemPrompt == "" {
		systemPrompt = DefaultSystemPrompt
	}
	msgs := []chatMessage{{Role: "system", Content: systemPrompt}}
	msgs = append(msgs, lo.Map(req.History, func(m session.Message, _ int) chatMessage {
		role := "assistant"
		if m.SenderType == session.SenderUser {
			role = "user"
		}
		return chatMessage{Role: role, Content: m.Content}
	})...)

	n := len(req.History)
	if n == 0 || req.History[n-1].SenderType != session.SenderUser || req.History[n-1].Content != req.Content {
		msgs = append(msgs, chatMessage{Role: "user", Content: req.Content})
	}
	return msgs
}
