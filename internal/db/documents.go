package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/pgvector/pgvector-go"
	"github.com/uptrace/bun"

	"chat-rag/internal/models"
	"chat-rag/internal/vectorstore"
)

type Document struct {
	bun.BaseModel `bun:"table:documents,alias:d"`
	ID            string          `bun:"id,pk"`
	Source        string          `bun:"source,notnull"`
	Ordinal       int             `bun:"ordinal,notnull"`
	Format        string          `bun:"format"`
	ContentHash   string          `bun:"content_hash"`
	Content       string          `bun:"content,notnull"`
	Embedding     pgvector.Vector `bun:"embedding,notnull,type:vector"`
}

type searchRow struct {
	Document `bun:",extend"`
	Score    float32 `bun:"score"`
}

// PGVectorIndex is a vectorstore.Index stored in a Postgres table with the
// pgvector extension. Candidates come from cosine distance ordering.
type PGVectorIndex struct {
	db        *bun.DB
	dimension int
}

var _ vectorstore.Index = (*PGVectorIndex)(nil)

// NewPGVectorIndex creates the table if needed and verifies that vectors
// already stored have the configured dimension.
func NewPGVectorIndex(ctx context.Context, db *bun.DB, dimension int) (*PGVectorIndex, error) {
	if err := InitDB(ctx, db); err != nil {
		return nil, vectorstore.Unavailable("init documents table", err)
	}

	var stored int
	err := db.NewSelect().Model((*Document)(nil)).ColumnExpr("vector_dims(embedding)").Limit(1).Scan(ctx, &stored)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, vectorstore.Unavailable("check dimension", err)
	case stored != dimension:
		return nil, fmt.Errorf("%w: table holds %d-dimensional vectors, configured %d", models.ErrEmbeddingDimensionMismatch, stored, dimension)
	}
	return &PGVectorIndex{db: db, dimension: dimension}, nil
}

func InitDB(ctx context.Context, db *bun.DB) error {
	if _, err := db.ExecContext(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return err
	}
	if _, err := db.NewCreateTable().Model((*Document)(nil)).IfNotExists().Exec(ctx); err != nil {
		return err
	}
	_, err := db.NewCreateIndex().Model((*Document)(nil)).Index("documents_source_idx").Column("source").IfNotExists().Exec(ctx)
	return err
}

// DropDocuments drops the documents table.
func DropDocuments(ctx context.Context, db *bun.DB) error {
	_, err := db.NewDropTable().Model((*Document)(nil)).IfExists().Exec(ctx)
	return err
}

func (p *PGVectorIndex) Dimension() int { return p.dimension }

func (p *PGVectorIndex) Upsert(ctx context.Context, records []models.Record) error {
	if len(records) == 0 {
		return nil
	}
	if err := vectorstore.CheckRecords(records, p.dimension); err != nil {
		return err
	}
	err := p.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		return insertDocuments(ctx, tx, records)
	})
	if err != nil {
		return vectorstore.Unavailable("store documents", err)
	}
	return nil
}

// Replace deletes the rows of sources and inserts records in one transaction.
func (p *PGVectorIndex) Replace(ctx context.Context, sources []string, records []models.Record) error {
	if err := vectorstore.CheckRecords(records, p.dimension); err != nil {
		return err
	}
	err := p.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if len(sources) > 0 {
			if _, err := tx.NewDelete().Model((*Document)(nil)).Where("source IN (?)", bun.In(sources)).Exec(ctx); err != nil {
				return err
			}
		}
		return insertDocuments(ctx, tx, records)
	})
	if err != nil {
		return vectorstore.Unavailable("replace documents", err)
	}
	return nil
}

func insertDocuments(ctx context.Context, tx bun.Tx, records []models.Record) error {
	if len(records) == 0 {
		return nil
	}
	docs := make([]Document, len(records))
	for i, r := range records {
		docs[i] = Document{
			ID:          r.ID,
			Source:      r.Source,
			Ordinal:     r.Ordinal,
			Format:      r.Format,
			ContentHash: r.Hash,
			Content:     r.Content,
			Embedding:   pgvector.NewVector(r.Embedding),
		}
	}
	_, err := tx.NewInsert().Model(&docs).
		On("CONFLICT (id) DO UPDATE").
		Set("source = EXCLUDED.source").
		Set("ordinal = EXCLUDED.ordinal").
		Set("format = EXCLUDED.format").
		Set("content_hash = EXCLUDED.content_hash").
		Set("content = EXCLUDED.content").
		Set("embedding = EXCLUDED.embedding").
		Exec(ctx)
	return err
}

func (p *PGVectorIndex) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := p.db.NewDelete().Model((*Document)(nil)).Where("id IN (?)", bun.In(ids)).Exec(ctx); err != nil {
		return vectorstore.Unavailable("delete documents", err)
	}
	return nil
}

func (p *PGVectorIndex) DeleteSource(ctx context.Context, source string) error {
	if _, err := p.db.NewDelete().Model((*Document)(nil)).Where("source = ?", source).Exec(ctx); err != nil {
		return vectorstore.Unavailable("delete source", err)
	}
	return nil
}

func (p *PGVectorIndex) Clear(ctx context.Context) error {
	if _, err := p.db.NewTruncateTable().Model((*Document)(nil)).Exec(ctx); err != nil {
		return vectorstore.Unavailable("truncate documents", err)
	}
	return nil
}

func (p *PGVectorIndex) Search(ctx context.Context, query []float32, opts vectorstore.SearchOptions) ([]models.ScoredChunk, error) {
	if len(query) != p.dimension {
		return nil, fmt.Errorf("%w: query has %d dimensions, index has %d", models.ErrEmbeddingDimensionMismatch, len(query), p.dimension)
	}
	opts = opts.Normalize()
	q := pgvector.NewVector(query)

	var rows []searchRow
	err := p.db.NewSelect().
		Model(&rows).
		ColumnExpr("d.*").
		ColumnExpr("1 - (d.embedding <=> ?) AS score", q).
		OrderExpr("d.embedding <=> ?", q).
		Limit(opts.FetchK).
		Scan(ctx)
	if err != nil {
		return nil, vectorstore.Unavailable("search documents", err)
	}

	candidates := make([]vectorstore.Candidate, len(rows))
	for i, r := range rows {
		candidates[i] = vectorstore.Candidate{
			Chunk: models.Chunk{
				ID:      r.ID,
				Source:  r.Source,
				Format:  r.Format,
				Ordinal: r.Ordinal,
				Content: r.Content,
				Hash:    r.ContentHash,
			},
			Embedding: r.Embedding.Slice(),
			Score:     r.Score,
		}
	}
	return vectorstore.MMR(candidates, opts.K, opts.Lambda), nil
}

func (p *PGVectorIndex) Count(ctx context.Context) (int, error) {
	n, err := p.db.NewSelect().Model((*Document)(nil)).Count(ctx)
	if err != nil {
		return 0, vectorstore.Unavailable("count documents", err)
	}
	return n, nil
}

func (p *PGVectorIndex) Sources(ctx context.Context) (map[string]string, error) {
	var rows []struct {
		Source string `bun:"source"`
		Hash   string `bun:"hash"`
	}
	err := p.db.NewSelect().
		Model((*Document)(nil)).
		Column("source").
		ColumnExpr("MAX(content_hash) AS hash").
		Group("source").
		Scan(ctx, &rows)
	if err != nil {
		return nil, vectorstore.Unavailable("list sources", err)
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[r.Source] = r.Hash
	}
	return out, nil
}

func (p *PGVectorIndex) Close() error {
	return p.db.Close()
}
