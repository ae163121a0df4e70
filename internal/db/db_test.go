package db

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-rag/internal/config"
	"chat-rag/internal/helper"
	"chat-rag/internal/models"
	"chat-rag/internal/vectorstore"
)

func TestConnectDB_SQLite(t *testing.T) {
	cfg := &config.DatabaseConfig{Driver: "sqlite", DSN: "file:" + filepath.Join(t.TempDir(), "test.db")}
	bdb, err := Open(cfg)
	require.NoError(t, err)
	defer bdb.Close()

	var one int
	require.NoError(t, bdb.NewSelect().ColumnExpr("1").Scan(context.Background(), &one))
	assert.Equal(t, 1, one)
}

func TestConnectDB_UnknownDriver(t *testing.T) {
	_, err := ConnectDB(&config.DatabaseConfig{Driver: "oracle"})
	assert.Error(t, err)
}

func newPGIndex(t *testing.T, dim int) *PGVectorIndex {
	t.Helper()
	dsn := os.Getenv("PGVECTOR_DSN")
	if dsn == "" {
		t.Skip("PGVECTOR_DSN not set")
	}
	bdb, err := Open(&config.DatabaseConfig{Driver: "postgres", DSN: dsn})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, DropDocuments(ctx, bdb))

	idx, err := NewPGVectorIndex(ctx, bdb, dim)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = DropDocuments(context.Background(), bdb)
		_ = idx.Close()
	})
	return idx
}

func pgRecord(source string, ordinal int, text string, emb ...float32) models.Record {
	return models.Record{
		Chunk: models.Chunk{
			ID:      helper.ChunkID(source, ordinal),
			Source:  source,
			Format:  "text",
			Ordinal: ordinal,
			Content: text,
			Hash:    "h-" + source,
		},
		Embedding: emb,
	}
}

func TestPGVectorIndex_Lifecycle(t *testing.T) {
	ctx := context.Background()
	idx := newPGIndex(t, 3)

	a := pgRecord("a.txt", 0, "alpha", 1, 0, 0)
	b := pgRecord("b.txt", 0, "beta", 0, 1, 0)
	require.NoError(t, idx.Upsert(ctx, []models.Record{a, b}))
	require.NoError(t, idx.Upsert(ctx, []models.Record{a}))

	n, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	sources, err := idx.Sources(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a.txt": "h-a.txt", "b.txt": "h-b.txt"}, sources)

	res, err := idx.Search(ctx, []float32{1, 0, 0}, vectorstore.SearchOptions{K: 1, FetchK: 5, Lambda: 0.7})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "a.txt", res[0].Source)
	assert.InDelta(t, 1.0, res[0].Score, 1e-5)

	require.NoError(t, idx.DeleteSource(ctx, "a.txt"))
	res, err = idx.Search(ctx, []float32{1, 0, 0}, vectorstore.SearchOptions{K: 5, FetchK: 5})
	require.NoError(t, err)
	for _, r := range res {
		assert.NotEqual(t, "a.txt", r.Source)
	}

	require.NoError(t, idx.Clear(ctx))
	n, _ = idx.Count(ctx)
	assert.Zero(t, n)
}

func TestPGVectorIndex_Replace(t *testing.T) {
	ctx := context.Background()
	idx := newPGIndex(t, 3)

	require.NoError(t, idx.Upsert(ctx, []models.Record{
		pgRecord("a.txt", 0, "alpha", 1, 0, 0),
		pgRecord("a.txt", 1, "alpha two", 1, 1, 0),
		pgRecord("b.txt", 0, "beta", 0, 1, 0),
	}))

	a := pgRecord("a.txt", 0, "alpha v2", 1, 0, 1)
	a.Hash = "h2-a.txt"
	require.NoError(t, idx.Replace(ctx, []string{"a.txt", "b.txt"}, []models.Record{a}))
	n, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	sources, err := idx.Sources(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a.txt": "h2-a.txt"}, sources)

	// pgvector rejects NaN components, so the insert fails after the delete ran
	nan := float32(math.NaN())
	err = idx.Replace(ctx, []string{"a.txt"}, []models.Record{pgRecord("a.txt", 0, "broken", nan, 0, 0)})
	require.ErrorIs(t, err, models.ErrIndexUnavailable)
	sources, err = idx.Sources(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a.txt": "h2-a.txt"}, sources)
}

func TestPGVectorIndex_DimensionMismatch(t *testing.T) {
	idx := newPGIndex(t, 3)
	err := idx.Upsert(context.Background(), []models.Record{pgRecord("a.txt", 0, "x", 1, 0)})
	assert.ErrorIs(t, err, models.ErrEmbeddingDimensionMismatch)
}
