// Package rag ties loading, chunking, embedding, retrieval and generation
// into the ingestion and query pipelines.
package rag

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/embeddings"

	"chat-rag/internal/embedding"
	"chat-rag/internal/history"
	"chat-rag/internal/models"
	"chat-rag/internal/parser"
	"chat-rag/internal/vectorstore"
)

// DocumentStore holds the raw documents that are indexed.
type DocumentStore interface {
	parser.Source
	Add(name string, r io.Reader) (string, error)
	Remove(name string) error
}

type Deps struct {
	Store    DocumentStore
	Chunker  *parser.Chunker
	Embedder embeddings.Embedder
	Index    vectorstore.Index
	History  history.Store
	Chat     Generator
}

type Options struct {
	Search         vectorstore.SearchOptions
	MinScore       float32
	EmbedBatchSize int
	EmbedWorkers   int
}

// IngestReport describes what one ingestion changed in the index.
type IngestReport struct {
	Added     []string `json:"added"`
	Updated   []string `json:"updated"`
	Removed   []string `json:"removed"`
	Unchanged []string `json:"unchanged"`
	Chunks    int      `json:"chunks"`
	Warnings  []string `json:"warnings,omitempty"`
}

func (r IngestReport) Changed() bool {
	return len(r.Added)+len(r.Updated)+len(r.Removed) > 0
}

// Status is a point-in-time view of the service.
type Status struct {
	Ready     bool      `json:"ready"`
	Sources   int       `json:"sources"`
	Chunks    int       `json:"chunks"`
	IndexedAt time.Time `json:"indexed_at,omitempty"`
}

// pipeline is the query-side wiring for one indexed generation of the corpus.
type pipeline struct {
	contextualizer *Contextualizer
	synthesizer    *Synthesizer
	search         vectorstore.SearchOptions
	chunks         int
	sources        int
	builtAt        time.Time
}

// Service runs ingestion and queries. Ingestions are serialized; queries run
// concurrently and only wait while the index is being written.
type Service struct {
	deps   Deps
	opts   Options
	loader *parser.Loader

	ingestMu sync.Mutex
	// held for writing only while the index is mutated
	indexMu sync.RWMutex
	current atomic.Pointer[pipeline]
}

// NewService wires deps together. A non-empty persisted index is served
// immediately without re-ingesting.
func NewService(ctx context.Context, deps Deps, opts Options) (*Service, error) {
	if deps.Store == nil || deps.Chunker == nil || deps.Embedder == nil || deps.Index == nil || deps.History == nil || deps.Chat == nil {
		return nil, errors.New("rag: missing dependency")
	}
	opts.Search = opts.Search.Normalize()

	s := &Service{deps: deps, opts: opts, loader: parser.NewLoader(deps.Store)}
	if err := s.refreshPipeline(ctx); err != nil {
		return nil, err
	}
	if p := s.current.Load(); p != nil {
		log.Info().Int("chunks", p.chunks).Int("sources", p.sources).Msg("Serving existing index")
	}
	return s, nil
}

// Ingest brings the index in line with the document store. Documents whose
// content hash is unchanged are not re-embedded.
func (s *Service) Ingest(ctx context.Context) (IngestReport, error) {
	s.ingestMu.Lock()
	defer s.ingestMu.Unlock()
	return s.ingest(ctx, false)
}

// Rebuild re-embeds every document and replaces the whole index.
func (s *Service) Rebuild(ctx context.Context) (IngestReport, error) {
	s.ingestMu.Lock()
	defer s.ingestMu.Unlock()
	return s.ingest(ctx, true)
}

// ingest must be called with ingestMu held.
func (s *Service) ingest(ctx context.Context, full bool) (IngestReport, error) {
	start := time.Now()
	var report IngestReport

	docs, err := s.loader.Load(ctx)
	if err != nil {
		return report, err
	}
	indexed, err := s.deps.Index.Sources(ctx)
	if err != nil {
		return report, err
	}

	present := make(map[string]bool, len(docs))
	var changed []models.Document
	for _, doc := range docs {
		report.Warnings = append(report.Warnings, prefixed(doc.ID, doc.Warnings)...)
		if strings.TrimSpace(doc.Content) == "" {
			continue
		}
		present[doc.ID] = true
		hash, ok := indexed[doc.ID]
		switch {
		case !ok:
			report.Added = append(report.Added, doc.ID)
		case full || hash != doc.Hash:
			report.Updated = append(report.Updated, doc.ID)
		default:
			report.Unchanged = append(report.Unchanged, doc.ID)
			continue
		}
		changed = append(changed, doc)
	}
	for source := range indexed {
		if !present[source] {
			report.Removed = append(report.Removed, source)
		}
	}
	sort.Strings(report.Removed)

	records, err := s.embedDocuments(ctx, changed)
	if err != nil {
		return report, err
	}
	report.Chunks = len(records)

	if !full && !report.Changed() {
		log.Info().Int("unchanged", len(report.Unchanged)).Msg("Index is up to date")
		return report, s.refreshPipeline(ctx)
	}

	// changed and removed sources go out and the new records come in as one write
	stale := make([]string, 0, len(changed)+len(report.Removed))
	for _, doc := range changed {
		stale = append(stale, doc.ID)
	}
	stale = append(stale, report.Removed...)
	err = s.mutateIndex(ctx, func(ctx context.Context) error {
		return s.deps.Index.Replace(ctx, stale, records)
	})
	if err != nil {
		return report, fmt.Errorf("ingestion failed: %w", err)
	}

	log.Info().
		Strs("added", report.Added).
		Strs("updated", report.Updated).
		Strs("removed", report.Removed).
		Int("unchanged", len(report.Unchanged)).
		Int("chunks", report.Chunks).
		Dur("took", time.Since(start)).
		Msg("Ingestion complete")
	return report, nil
}

// embedDocuments chunks and embeds docs without touching the index.
func (s *Service) embedDocuments(ctx context.Context, docs []models.Document) ([]models.Record, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	chunks, err := s.deps.Chunker.Split(docs)
	if err != nil {
		return nil, err
	}
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	vectors, err := embedding.EmbedAll(ctx, s.deps.Embedder, texts, s.opts.EmbedBatchSize, s.opts.EmbedWorkers)
	if err != nil {
		return nil, err
	}

	records := make([]models.Record, len(chunks))
	for i, c := range chunks {
		records[i] = models.Record{Chunk: c, Embedding: vectors[i]}
	}
	if err := vectorstore.CheckRecords(records, s.deps.Index.Dimension()); err != nil {
		return nil, err
	}
	return records, nil
}

// mutateIndex runs fn with searches blocked and swaps in a fresh pipeline
// before searches resume.
func (s *Service) mutateIndex(ctx context.Context, fn func(ctx context.Context) error) error {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	err := fn(ctx)
	if rerr := s.refreshPipeline(ctx); rerr != nil && err == nil {
		err = rerr
	}
	return err
}

func (s *Service) refreshPipeline(ctx context.Context) error {
	n, err := s.deps.Index.Count(ctx)
	if err != nil {
		return err
	}
	if n == 0 {
		s.current.Store(nil)
		return nil
	}
	sources, err := s.deps.Index.Sources(ctx)
	if err != nil {
		return err
	}
	s.current.Store(&pipeline{
		contextualizer: NewContextualizer(s.deps.Chat),
		synthesizer:    NewSynthesizer(s.deps.Chat, s.opts.MinScore),
		search:         s.opts.Search,
		chunks:         n,
		sources:        len(sources),
		builtAt:        time.Now(),
	})
	return nil
}

// Query answers question within session and records both turns.
func (s *Service) Query(ctx context.Context, session, question string) (models.Answer, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return models.Answer{}, models.ErrEmptyQuestion
	}
	p := s.current.Load()
	if p == nil {
		return models.Answer{}, models.ErrNoIndex
	}

	turns, err := s.deps.History.Get(ctx, session)
	if err != nil {
		return models.Answer{}, fmt.Errorf("failed to load history: %w", err)
	}

	standalone, err := p.contextualizer.Rewrite(ctx, turns, question)
	if err != nil {
		return models.Answer{}, fmt.Errorf("%w: contextualize: %w", models.ErrGenerationFailed, err)
	}

	vec, err := s.deps.Embedder.EmbedQuery(ctx, standalone)
	if err != nil {
		return models.Answer{}, err
	}

	var chunks []models.ScoredChunk
	if vectorstore.IsZero(vec) {
		// nothing to compare against, so nothing can ground an answer
		log.Debug().Str("session", session).Str("standalone", standalone).Msg("Query embedding has no direction")
	} else if chunks, err = s.search(ctx, vec, p.search); err != nil {
		return models.Answer{}, err
	}

	answer, err := p.synthesizer.Answer(ctx, turns, standalone, chunks)
	if err != nil {
		return models.Answer{}, fmt.Errorf("%w: %w", models.ErrGenerationFailed, err)
	}
	answer.Question = question
	answer.StandaloneQuestion = standalone

	now := time.Now()
	err = s.deps.History.Append(ctx, session,
		models.Turn{Role: models.RoleUser, Content: question, CreatedAt: now},
		models.Turn{Role: models.RoleAssistant, Content: answer.Content, CreatedAt: now},
	)
	if err != nil {
		return answer, fmt.Errorf("failed to record history: %w", err)
	}

	log.Debug().
		Str("session", session).
		Str("standalone", standalone).
		Int("retrieved", len(chunks)).
		Strs("sources", answer.Sources).
		Bool("grounded", answer.Grounded).
		Msg("Answered query")
	return answer, nil
}

func (s *Service) search(ctx context.Context, vec []float32, opts vectorstore.SearchOptions) ([]models.ScoredChunk, error) {
	s.indexMu.RLock()
	defer s.indexMu.RUnlock()
	return s.deps.Index.Search(ctx, vec, opts)
}

// AddSource stores a new document and re-ingests. If the corpus then has no
// extractable text at all the file is removed again.
func (s *Service) AddSource(ctx context.Context, name string, r io.Reader) (string, IngestReport, error) {
	s.ingestMu.Lock()
	defer s.ingestMu.Unlock()

	stored, err := s.deps.Store.Add(name, r)
	if err != nil {
		return "", IngestReport{}, err
	}
	report, err := s.ingest(ctx, false)
	if errors.Is(err, models.ErrEmptyCorpus) {
		if rerr := s.deps.Store.Remove(stored); rerr != nil {
			log.Error().Err(rerr).Str("file", stored).Msg("Failed to remove rejected upload")
		}
	}
	return stored, report, err
}

// DeleteSource removes a document and its chunks. It returns only after the
// index no longer holds any chunk of name.
func (s *Service) DeleteSource(ctx context.Context, name string) (IngestReport, error) {
	s.ingestMu.Lock()
	defer s.ingestMu.Unlock()

	if err := s.deps.Store.Remove(name); err != nil {
		return IngestReport{}, err
	}
	report, err := s.ingest(ctx, false)
	if errors.Is(err, models.ErrEmptyCorpus) {
		// nothing left with text, so nothing may stay indexed
		err = s.mutateIndex(ctx, s.deps.Index.Clear)
		report = IngestReport{Removed: []string{name}}
	}
	return report, err
}

// Sources lists the documents in the store.
func (s *Service) Sources(ctx context.Context) ([]string, error) {
	return s.deps.Store.List(ctx)
}

func (s *Service) Status() Status {
	p := s.current.Load()
	if p == nil {
		return Status{}
	}
	return Status{Ready: true, Sources: p.sources, Chunks: p.chunks, IndexedAt: p.builtAt}
}

func prefixed(name string, warnings []string) []string {
	out := make([]string, len(warnings))
	for i, w := range warnings {
		out[i] = name + ": " + w
	}
	return out
}
