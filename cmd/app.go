package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"chat-rag/internal/chromemdb"
	"chat-rag/internal/config"
	"chat-rag/internal/db"
	"chat-rag/internal/docstore"
	"chat-rag/internal/embedding"
	"chat-rag/internal/helper"
	"chat-rag/internal/history"
	"chat-rag/internal/llmservice"
	"chat-rag/internal/parser"
	"chat-rag/internal/rag"
	"chat-rag/internal/vectorstore"
)

// app holds everything built from one configuration.
type app struct {
	cfg     *config.Config
	store   *docstore.FS
	index   vectorstore.Index
	history history.Store
	svc     *rag.Service
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	if err := helper.CreateFolder(cfg.Documents.Dir); err != nil {
		return nil, err
	}
	store, err := docstore.NewFS(cfg.Documents.Dir)
	if err != nil {
		return nil, err
	}

	chunker, err := parser.NewChunker(cfg.RAG.ChunkSize, *cfg.RAG.ChunkOverlap, cfg.RAG.Splitter)
	if err != nil {
		return nil, err
	}
	embedder, err := embedding.NewEmbedder(ctx, &cfg.EmbedLLM)
	if err != nil {
		return nil, err
	}
	model, err := llmservice.NewModel(ctx, &cfg.ChatLLM)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize chat model: %w", err)
	}
	chat := llmservice.NewClient(model, cfg.ChatLLM.Timeout, cfg.ChatLLM.RatePerSecond, cfg.RAG.Temperature)

	index, err := openIndex(ctx, cfg)
	if err != nil {
		return nil, err
	}
	hist, err := history.Open(ctx, cfg)
	if err != nil {
		_ = index.Close()
		return nil, err
	}

	svc, err := rag.NewService(ctx, rag.Deps{
		Store:    store,
		Chunker:  chunker,
		Embedder: embedder,
		Index:    index,
		History:  hist,
		Chat:     chat,
	}, rag.Options{
		Search: vectorstore.SearchOptions{
			K:      cfg.RAG.TopK,
			FetchK: cfg.RAG.FetchK,
			Lambda: cfg.RAG.Lambda,
		},
		MinScore:       cfg.RAG.MinScore,
		EmbedBatchSize: cfg.RAG.EmbedBatchSize,
		EmbedWorkers:   cfg.RAG.EmbedWorkers,
	})
	if err != nil {
		_ = index.Close()
		_ = hist.Close()
		return nil, err
	}
	return &app{cfg: cfg, store: store, index: index, history: hist, svc: svc}, nil
}

func openIndex(ctx context.Context, cfg *config.Config) (vectorstore.Index, error) {
	vs := cfg.VectorStore
	log.Info().Str("backend", vs.Backend).Str("collection", vs.Collection).Int("dimension", cfg.EmbedLLM.Dimension).Msg("Opening vector index")
	switch vs.Backend {
	case "chromem":
		return chromemdb.NewVectorDBManager(vs.Path, vs.Collection, cfg.EmbedLLM.Dimension, vs.Compress)
	case "pgvector":
		bdb, err := db.Open(&cfg.Database)
		if err != nil {
			return nil, err
		}
		idx, err := db.NewPGVectorIndex(ctx, bdb, cfg.EmbedLLM.Dimension)
		if err != nil {
			_ = bdb.Close()
			return nil, err
		}
		return idx, nil
	default:
		return nil, fmt.Errorf("unknown vector store backend %q", vs.Backend)
	}
}

func (a *app) Close() error {
	return errors.Join(a.index.Close(), a.history.Close())
}
