// Package vectorstore defines the vector index used for retrieval and the
// backend-independent re-ranking applied to search candidates.
package vectorstore

import (
	"context"
	"fmt"

	"chat-rag/internal/models"
)

// Index persists chunk vectors and answers similarity queries.
type Index interface {
	// Upsert inserts records, replacing any record with the same id.
	Upsert(ctx context.Context, records []models.Record) error
	// Delete removes records by id. Unknown ids are ignored.
	Delete(ctx context.Context, ids []string) error
	// DeleteSource removes every record of a source document.
	DeleteSource(ctx context.Context, source string) error
	// Replace removes every record of sources and upserts records as one
	// unit: on error the index is left as it was.
	Replace(ctx context.Context, sources []string, records []models.Record) error
	// Clear removes all records.
	Clear(ctx context.Context) error
	Search(ctx context.Context, query []float32, opts SearchOptions) ([]models.ScoredChunk, error)
	Count(ctx context.Context) (int, error)
	// Sources maps each indexed source to the content hash it was indexed with.
	Sources(ctx context.Context) (map[string]string, error)
	Dimension() int
	Close() error
}

type SearchOptions struct {
	K      int
	FetchK int
	Lambda float32
}

// Normalize fills defaults and enforces FetchK >= K.
func (o SearchOptions) Normalize() SearchOptions {
	if o.K <= 0 {
		o.K = 4
	}
	if o.FetchK < o.K {
		o.FetchK = o.K
	}
	if o.Lambda < 0 {
		o.Lambda = 0
	}
	if o.Lambda > 1 {
		o.Lambda = 1
	}
	return o
}

// CheckRecords validates record vectors against the index dimension before any write.
func CheckRecords(records []models.Record, dimension int) error {
	seen := make(map[string]struct{}, len(records))
	for _, r := range records {
		if r.ID == "" {
			return fmt.Errorf("record for %s#%d has no id", r.Source, r.Ordinal)
		}
		if len(r.Embedding) != dimension {
			return fmt.Errorf("%w: record %s has %d dimensions, index has %d", models.ErrEmbeddingDimensionMismatch, r.ID, len(r.Embedding), dimension)
		}
		if _, dup := seen[r.ID]; dup {
			return fmt.Errorf("duplicate record id %s in batch", r.ID)
		}
		seen[r.ID] = struct{}{}
	}
	return nil
}

// Unavailable marks err as a backend failure.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, models.ErrIndexUnavailable, err)
}
