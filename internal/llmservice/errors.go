package llmservice

import (
	"context"
	"errors"
	"net"
	"strings"

	"chat-rag/internal/models"
)

var (
	rateLimitMarkers = []string{"429", "rate limit", "ratelimit", "too many requests", "resource_exhausted", "quota"}
	transientMarkers = []string{
		"status code: 5", "500", "502", "503", "504", "unavailable", "overloaded",
		"connection refused", "connection reset", "eof", "timeout", "deadline",
	}
)

// ClassifyError wraps a provider failure as a *models.ProviderError whose kind
// tells callers whether retrying could help.
func ClassifyError(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *models.ProviderError
	if errors.As(err, &pe) {
		return err
	}
	if errors.Is(err, models.ErrEmbeddingDimensionMismatch) {
		return err
	}
	return &models.ProviderError{Op: op, Kind: classify(err), Err: err}
}

func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return models.ErrProviderTransient
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return models.ErrProviderTransient
	}

	msg := strings.ToLower(err.Error())
	for _, m := range rateLimitMarkers {
		if strings.Contains(msg, m) {
			return models.ErrProviderRateLimited
		}
	}
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return models.ErrProviderTransient
		}
	}
	return nil
}
