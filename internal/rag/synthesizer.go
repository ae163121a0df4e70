package rag

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"

	"chat-rag/internal/models"
)

// Synthesizer answers a question from retrieved chunks only.
type Synthesizer struct {
	gen      Generator
	minScore float32
}

func NewSynthesizer(gen Generator, minScore float32) *Synthesizer {
	return &Synthesizer{gen: gen, minScore: minScore}
}

// Answer stuffs the supporting chunks into the system prompt and asks the
// model. When no chunk reaches the minimum score the fallback answer is
// returned without calling the model.
func (s *Synthesizer) Answer(ctx context.Context, history []models.Turn, question string, chunks []models.ScoredChunk) (models.Answer, error) {
	supporting := make([]models.ScoredChunk, 0, len(chunks))
	for _, c := range chunks {
		if c.Score >= s.minScore && strings.TrimSpace(c.Content) != "" {
			supporting = append(supporting, c)
		}
	}
	if len(supporting) == 0 {
		log.Debug().Str("question", question).Int("retrieved", len(chunks)).Msg("No supporting chunks, returning fallback")
		return fallback(question), nil
	}

	messages := make([]llms.MessageContent, 0, len(history)+2)
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, buildContext(supporting)))
	messages = append(messages, historyMessages(history)...)
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, question))

	reply, err := s.gen.Generate(ctx, messages)
	if err != nil {
		return models.Answer{}, err
	}
	if reply == "" || strings.Contains(reply, models.FallbackAnswer) {
		return fallback(question), nil
	}

	return models.Answer{
		Question: question,
		Content:  reply,
		Sources:  uniqueSources(supporting),
		Grounded: true,
	}, nil
}

func buildContext(chunks []models.ScoredChunk) string {
	parts := make([]string, len(chunks))
	for i, c := range chunks {
		parts[i] = fmt.Sprintf("[%s]\n%s", c.Source, c.Content)
	}
	return fmt.Sprintf(models.AnswerPromptTemplate, strings.Join(parts, models.ContextSeparator))
}

func uniqueSources(chunks []models.ScoredChunk) []string {
	seen := make(map[string]bool, len(chunks))
	var out []string
	for _, c := range chunks {
		if !seen[c.Source] {
			seen[c.Source] = true
			out = append(out, c.Source)
		}
	}
	return out
}

func fallback(question string) models.Answer {
	return models.Answer{Question: question, Content: models.FallbackAnswer, Sources: []string{}}
}
