package rag

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"

	"chat-rag/internal/models"
)

// Generator produces a reply for a chat transcript. llmservice.Client is the
// production implementation.
type Generator interface {
	Generate(ctx context.Context, messages []llms.MessageContent) (string, error)
}

// Contextualizer rewrites follow-up questions so they can be understood
// without the conversation that preceded them.
type Contextualizer struct {
	gen Generator
}

func NewContextualizer(gen Generator) *Contextualizer {
	return &Contextualizer{gen: gen}
}

// Rewrite returns a standalone form of question. Without history the question
// is returned as is and the model is not called.
func (c *Contextualizer) Rewrite(ctx context.Context, history []models.Turn, question string) (string, error) {
	if len(history) == 0 {
		return question, nil
	}

	messages := make([]llms.MessageContent, 0, len(history)+2)
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, models.ContextualizePrompt))
	messages = append(messages, historyMessages(history)...)
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, question))

	rewritten, err := c.gen.Generate(ctx, messages)
	if err != nil {
		return "", err
	}
	rewritten = strings.TrimSpace(rewritten)
	if rewritten == "" {
		return question, nil
	}
	log.Debug().Str("question", question).Str("standalone", rewritten).Msg("Contextualized question")
	return rewritten, nil
}

func historyMessages(history []models.Turn) []llms.MessageContent {
	out := make([]llms.MessageContent, 0, len(history))
	for _, t := range history {
		role := llms.ChatMessageTypeHuman
		if t.Role == models.RoleAssistant {
			role = llms.ChatMessageTypeAI
		}
		out = append(out, llms.TextParts(role, t.Content))
	}
	return out
}
