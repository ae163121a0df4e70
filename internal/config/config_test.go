package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "log_level: debug\n"))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, DefaultChunkSize, cfg.RAG.ChunkSize)
	assert.Equal(t, DefaultChunkOverlap, *cfg.RAG.ChunkOverlap)
	assert.Equal(t, DefaultTopK, cfg.RAG.TopK)
	assert.Equal(t, DefaultFetchK, cfg.RAG.FetchK)
	assert.InDelta(t, DefaultLambda, cfg.RAG.Lambda, 1e-6)
	assert.Equal(t, "chromem", cfg.VectorStore.Backend)
	assert.Equal(t, "sql", cfg.History.Backend)
	assert.Equal(t, DefaultMaxTurns, cfg.History.MaxTurns)
	assert.Equal(t, 60*time.Second, cfg.ChatLLM.Timeout)
	assert.Contains(t, cfg.Database.DSN, "chat_history.db")
}

func TestLoadConfig_ExpandsEnv(t *testing.T) {
	t.Setenv("RAG_TEST_KEY", "secret")
	cfg, err := LoadConfig(writeConfig(t, "chat_llm:\n  provider: openai\n  key: ${RAG_TEST_KEY}\n  timeout: 5s\n"))
	require.NoError(t, err)

	assert.Equal(t, "secret", cfg.ChatLLM.Key)
	assert.Equal(t, 5*time.Second, cfg.ChatLLM.Timeout)
	assert.Empty(t, cfg.ChatLLM.BaseURL)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"overlap not smaller than size", "rag:\n  chunk_size: 100\n  chunk_overlap: 100\n"},
		{"fetch_k below top_k", "rag:\n  top_k: 10\n  fetch_k: 5\n"},
		{"lambda out of range", "rag:\n  lambda: 1.5\n"},
		{"unknown splitter", "rag:\n  splitter: semantic\n"},
		{"unknown vector backend", "vector_store:\n  backend: faiss\n"},
		{"unknown history backend", "history:\n  backend: etcd\n"},
		{"pgvector without postgres", "vector_store:\n  backend: pgvector\ndatabase:\n  driver: sqlite\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfig_ChunkOverlap(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "rag:\n  chunk_size: 500\n  chunk_overlap: 0\n"))
	require.NoError(t, err)
	assert.Equal(t, 0, *cfg.RAG.ChunkOverlap)

	cfg, err = LoadConfig(writeConfig(t, "rag:\n  chunk_size: 100\n"))
	require.NoError(t, err)
	assert.Equal(t, 0, *cfg.RAG.ChunkOverlap)

	cfg, err = LoadConfig(writeConfig(t, "rag:\n  chunk_size: 500\n  chunk_overlap: 50\n"))
	require.NoError(t, err)
	assert.Equal(t, 50, *cfg.RAG.ChunkOverlap)
}

func TestLoadConfig_MemoryHistory(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "history:\n  backend: memory\n  max_turns: 4\n"))
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.History.Backend)
	assert.Equal(t, 4, cfg.History.MaxTurns)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
