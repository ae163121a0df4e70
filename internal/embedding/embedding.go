package embedding

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"golang.org/x/time/rate"

	"chat-rag/internal/config"
	"chat-rag/internal/llmservice"
	"chat-rag/internal/models"
)

// NewEmbedder creates the provider-backed embedder described by LLMconfig,
// guarded by its timeout, rate limit and dimension.
func NewEmbedder(ctx context.Context, LLMconfig *config.LLMConfig) (*Guarded, error) {
	log.Debug().Interface("config", map[string]string{
		"provider":        LLMconfig.Provider,
		"base_url":        LLMconfig.BaseURL,
		"embedding_model": LLMconfig.Model,
	}).Msg("Loaded embedder config")

	var (
		client embeddings.EmbedderClient
		err    error
	)
	httpClient := &http.Client{Timeout: LLMconfig.Timeout}
	switch LLMconfig.Provider {
	case "openai":
		opts := []openai.Option{
			openai.WithToken(strings.TrimPrefix(LLMconfig.Key, "Bearer ")),
			openai.WithEmbeddingModel(LLMconfig.Model),
			openai.WithHTTPClient(httpClient),
		}
		if LLMconfig.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(LLMconfig.BaseURL))
		}
		client, err = openai.New(opts...)
	case "ollama":
		client, err = ollama.New(
			ollama.WithServerURL(LLMconfig.BaseURL),
			ollama.WithModel(LLMconfig.Model),
			ollama.WithHTTPClient(httpClient),
		)
	case "googleai":
		client, err = googleai.New(ctx,
			googleai.WithAPIKey(LLMconfig.Key),
			googleai.WithDefaultEmbeddingModel(LLMconfig.Model),
		)
	case "hash":
		return NewGuarded(NewHashEmbedder(LLMconfig.Dimension), LLMconfig.Dimension, 0, 0), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", LLMconfig.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedding client: %w", err)
	}

	embedder, err := embeddings.NewEmbedder(client)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}
	return NewGuarded(embedder, LLMconfig.Dimension, LLMconfig.Timeout, LLMconfig.RatePerSecond), nil
}

// Guarded wraps an embedder with a per-call timeout, a rate limit, a fixed
// output dimension and provider error classification.
type Guarded struct {
	inner     embeddings.Embedder
	dimension int
	timeout   time.Duration
	limiter   *rate.Limiter
}

var _ embeddings.Embedder = (*Guarded)(nil)

func NewGuarded(inner embeddings.Embedder, dimension int, timeout time.Duration, ratePerSecond float64) *Guarded {
	return &Guarded{
		inner:     inner,
		dimension: dimension,
		timeout:   timeout,
		limiter:   llmservice.NewLimiter(ratePerSecond),
	}
}

func (g *Guarded) Dimension() int { return g.dimension }

func (g *Guarded) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := g.callContext(ctx)
	defer cancel()
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, llmservice.ClassifyError("embed query", err)
	}

	vec, err := g.inner.EmbedQuery(ctx, text)
	if err != nil {
		return nil, llmservice.ClassifyError("embed query", err)
	}
	if err := g.checkDimension(vec); err != nil {
		return nil, err
	}
	return vec, nil
}

func (g *Guarded) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	ctx, cancel := g.callContext(ctx)
	defer cancel()
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, llmservice.ClassifyError("embed documents", err)
	}

	vecs, err := g.inner.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, llmservice.ClassifyError("embed documents", err)
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("embed documents: got %d vectors for %d texts", len(vecs), len(texts))
	}
	for _, v := range vecs {
		if err := g.checkDimension(v); err != nil {
			return nil, err
		}
	}
	return vecs, nil
}

func (g *Guarded) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.timeout > 0 {
		return context.WithTimeout(ctx, g.timeout)
	}
	return context.WithCancel(ctx)
}

func (g *Guarded) checkDimension(vec []float32) error {
	if g.dimension > 0 && len(vec) != g.dimension {
		return fmt.Errorf("%w: provider returned %d, configured %d", models.ErrEmbeddingDimensionMismatch, len(vec), g.dimension)
	}
	return nil
}
