package responder

import (
	"context"
	"fmt"
	"strings"

	"github.com/rezaa1/rtllia/pkg/session"
)

// Simulated answers from a fixed keyword table. It is the development
// responder and needs no network access.
type Simulated struct {
	model        string
	systemPrompt string
	tokens       *TokenCounter
}

func NewSimulated(model, systemPrompt string, tokens *TokenCounter) *Simulated {
	if model == "" {
		model = DefaultModel
	}
	if tokens == nil {
		tokens = NewTokenCounter()
	}
	return &Simulated{model: model, systemPrompt: systemPrompt, tokens: tokens}
}

func (s *Simulated) Respond(ctx context.Context, req session.ResponseRequest) (session.Reply, error) {
	if err := ctx.Err(); err != nil {
		return session.Reply{}, err
	}
	prompt := buildPrompt(s.systemPrompt, req)
	content := SimulatedReply(prompt[len(prompt)-1].Content)

	total := s.tokens.Count(content)
	for _, m := range prompt {
		total += s.tokens.Count(m.Content)
	}
	return session.Reply{
		Message:  content,
		Metadata: map[string]any{"model": s.model, "tokens": total},
	}, nil
}

// SimulatedReply picks the canned reply for the latest user message.
func SimulatedReply(userMessage string) string {
	lower := strings.ToLower(userMessage)
	switch {
	case strings.TrimSpace(lower) == "":
		return "I'm here to help! What can I assist you with today?"
	case strings.Contains(lower, "hello") || strings.Contains(lower, "hi"):
		return "Hello! How can I assist you today?"
	case strings.Contains(lower, "help"):
		return "I'd be happy to help. Could you please provide more details about what you need assistance with?"
	case strings.Contains(lower, "thank"):
		return "You're welcome! Is there anything else I can help you with?"
	case strings.Contains(lower, "bye"):
		return "Goodbye! Feel free to reach out if you need anything else."
	case strings.Contains(lower, "voice"):
		return "Would you like to switch to a voice call? I can call you if you provide your phone number."
	default:
		return fmt.Sprintf("I understand you're asking about \"%s\". Let me help you with that. What specific information are you looking for?", userMessage)
	}
}
