package models

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyCorpus                = errors.New("no text could be extracted from the documents")
	ErrIndexUnavailable           = errors.New("vector index unavailable")
	ErrEmbeddingDimensionMismatch = errors.New("embedding dimension mismatch")
	ErrProviderRateLimited        = errors.New("provider rate limited")
	ErrProviderTransient          = errors.New("provider transient failure")
	ErrNoIndex                    = errors.New("no documents have been indexed")
	ErrGenerationFailed           = errors.New("answer generation failed")

	ErrSourceNotFound    = errors.New("source not found")
	ErrUnsupportedFormat = errors.New("unsupported file format")
	ErrInvalidSourceName = errors.New("invalid source name")
	ErrEmptyQuestion     = errors.New("question is empty")
)

// ProviderError wraps a failed embedding or generation call. Kind is one of the
// provider sentinels above, or nil when the failure was not classified.
type ProviderError struct {
	Op   string
	Kind error
	Err  error
}

func (e *ProviderError) Error() string {
	if e.Kind != nil {
		return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() []error {
	if e.Kind != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Err}
}

// Retryable reports whether err is a rate limit or transient provider failure.
func Retryable(err error) bool {
	return errors.Is(err, ErrProviderRateLimited) || errors.Is(err, ErrProviderTransient)
}
