package llmservice

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"chat-rag/internal/config"
	"chat-rag/internal/models"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"golang.org/x/time/rate"
)

var thinkRe = regexp.MustCompile(models.ThinkTag)

// NewModel builds the langchaingo chat model for the configured provider.
func NewModel(ctx context.Context, llmConfig *config.LLMConfig) (llms.Model, error) {
	httpClient := &http.Client{Timeout: llmConfig.Timeout}
	switch llmConfig.Provider {
	case "openai":
		opts := []openai.Option{
			openai.WithToken(strings.TrimPrefix(llmConfig.Key, "Bearer ")),
			openai.WithModel(llmConfig.Model),
			openai.WithHTTPClient(httpClient),
		}
		if llmConfig.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(llmConfig.BaseURL))
		}
		return openai.New(opts...)
	case "ollama":
		return ollama.New(
			ollama.WithServerURL(llmConfig.BaseURL),
			ollama.WithModel(llmConfig.Model),
			ollama.WithHTTPClient(httpClient),
		)
	case "googleai":
		return googleai.New(ctx,
			googleai.WithAPIKey(llmConfig.Key),
			googleai.WithDefaultModel(llmConfig.Model),
		)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", llmConfig.Provider)
	}
}

// Client generates text with a bounded timeout and an optional rate limit.
type Client struct {
	model       llms.Model
	timeout     time.Duration
	limiter     *rate.Limiter
	temperature float64
}

func NewClient(model llms.Model, timeout time.Duration, ratePerSecond, temperature float64) *Client {
	return &Client{
		model:       model,
		timeout:     timeout,
		limiter:     NewLimiter(ratePerSecond),
		temperature: temperature,
	}
}

// NewLimiter returns a limiter allowing ratePerSecond calls, unlimited when <= 0.
func NewLimiter(ratePerSecond float64) *rate.Limiter {
	if ratePerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(ratePerSecond), max(1, int(ratePerSecond)))
}

// Generate sends messages to the model and returns the reply text with any
// reasoning blocks removed.
func (c *Client) Generate(ctx context.Context, messages []llms.MessageContent) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return "", ClassifyError("generate", err)
	}

	start := time.Now()
	res, err := c.model.GenerateContent(ctx, messages, llms.WithTemperature(c.temperature))
	if err != nil {
		return "", ClassifyError("generate", err)
	}
	if len(res.Choices) == 0 {
		return "", ClassifyError("generate", fmt.Errorf("model returned no choices"))
	}
	content := strings.TrimSpace(thinkRe.ReplaceAllString(res.Choices[0].Content, ""))
	log.Debug().Dur("took", time.Since(start)).Int("messages", len(messages)).Int("reply_len", len(content)).Msg("Generated content")
	return content, nil
}
