package rag

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"chat-rag/internal/chromemdb"
	"chat-rag/internal/docstore"
	"chat-rag/internal/embedding"
	"chat-rag/internal/history"
	"chat-rag/internal/llmservice"
	"chat-rag/internal/models"
	"chat-rag/internal/parser"
	"chat-rag/internal/vectorstore"
)

const (
	testDim     = 256
	franceText  = "The capital of France is Paris."
	cookingText = "Cooking pasta requires boiling salted water."
)

// fakeModel rewrites follow-ups from a fixed table and answers from the
// stuffed context.
type fakeModel struct {
	mu                 sync.Mutex
	rewrites           map[string]string
	err                error
	contextualizeCalls int
	answerCalls        int
}

func textOf(m llms.MessageContent) string {
	var sb strings.Builder
	for _, p := range m.Parts {
		if t, ok := p.(llms.TextContent); ok {
			sb.WriteString(t.Text)
		}
	}
	return sb.String()
}

func (f *fakeModel) GenerateContent(_ context.Context, messages []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}

	system := textOf(messages[0])
	question := textOf(messages[len(messages)-1])
	var reply string
	if system == models.ContextualizePrompt {
		f.contextualizeCalls++
		reply = question
		if r, ok := f.rewrites[question]; ok {
			reply = r
		}
	} else {
		f.answerCalls++
		reply = models.FallbackAnswer
		if strings.Contains(system, "Paris") {
			reply = "The capital of France is **Paris**."
		}
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: reply}}}, nil
}

func (f *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, prompt, options...)
}

func (f *fakeModel) calls() (contextualize, answer int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.contextualizeCalls, f.answerCalls
}

type countingEmbedder struct {
	*embedding.HashEmbedder
	documents atomic.Int64
	err       error
}

func (c *countingEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if c.err != nil {
		return nil, c.err
	}
	c.documents.Add(int64(len(texts)))
	return c.HashEmbedder.EmbedDocuments(ctx, texts)
}

// brokenIndex fails every write and optionally panics on search.
type brokenIndex struct {
	vectorstore.Index
	err         error
	panicSearch bool
}

func (b *brokenIndex) Replace(context.Context, []string, []models.Record) error { return b.err }

func (b *brokenIndex) Search(ctx context.Context, query []float32, opts vectorstore.SearchOptions) ([]models.ScoredChunk, error) {
	if b.panicSearch {
		panic("search exploded")
	}
	return b.Index.Search(ctx, query, opts)
}

type harness struct {
	svc      *Service
	store    *docstore.FS
	model    *fakeModel
	embedder *countingEmbedder
	history  history.Store
	index    vectorstore.Index
}

func newHarness(t *testing.T, files map[string]string) *harness {
	t.Helper()
	store, err := docstore.NewFS(t.TempDir())
	require.NoError(t, err)
	for name, content := range files {
		writeDoc(t, store, name, content)
	}

	chunker, err := parser.NewChunker(1000, 200, parser.SplitterFixed)
	require.NoError(t, err)
	index, err := chromemdb.NewVectorDBManager("", "test", testDim, false)
	require.NoError(t, err)

	h := &harness{
		store:    store,
		model:    &fakeModel{rewrites: map[string]string{"What about Germany?": "What is the capital of Germany?"}},
		embedder: &countingEmbedder{HashEmbedder: embedding.NewHashEmbedder(testDim)},
		history:  history.NewMemoryStore(history.Retention{MaxTurns: 50}),
		index:    index,
	}
	h.svc, err = NewService(context.Background(), Deps{
		Store:    store,
		Chunker:  chunker,
		Embedder: h.embedder,
		Index:    index,
		History:  h.history,
		Chat:     llmservice.NewClient(h.model, time.Second, 0, 0),
	}, Options{
		Search:         vectorstore.SearchOptions{K: 10, FetchK: 20, Lambda: 0.7},
		MinScore:       0.5,
		EmbedBatchSize: 2,
		EmbedWorkers:   2,
	})
	require.NoError(t, err)
	return h
}

func writeDoc(t *testing.T, store *docstore.FS, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(store.Root(), name), []byte(content), 0o644))
}

func TestQuery_FollowUpWithoutGroundingFallsBack(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[string]string{"france.txt": franceText})
	_, err := h.svc.Ingest(ctx)
	require.NoError(t, err)

	first, err := h.svc.Query(ctx, "s1", "What is the capital of France?")
	require.NoError(t, err)
	assert.Contains(t, first.Content, "Paris")
	assert.Equal(t, []string{"france.txt"}, first.Sources)
	assert.True(t, first.Grounded)
	assert.Equal(t, "What is the capital of France?", first.StandaloneQuestion)

	contextualize, answer := h.model.calls()
	assert.Zero(t, contextualize, "no history means no rewrite")
	assert.Equal(t, 1, answer)

	second, err := h.svc.Query(ctx, "s1", "What about Germany?")
	require.NoError(t, err)
	assert.Equal(t, "What is the capital of Germany?", second.StandaloneQuestion)
	assert.Equal(t, models.FallbackAnswer, second.Content)
	assert.Empty(t, second.Sources)
	assert.False(t, second.Grounded)

	contextualize, answer = h.model.calls()
	assert.Equal(t, 1, contextualize)
	assert.Equal(t, 1, answer, "fallback must not call the model")

	turns, err := h.history.Get(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, turns, 4)
	assert.Equal(t, "What about Germany?", turns[2].Content)
	assert.Equal(t, models.FallbackAnswer, turns[3].Content)
}

func TestQuery_NoIndex(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	_, err := h.svc.Ingest(ctx)
	require.ErrorIs(t, err, models.ErrEmptyCorpus)
	assert.False(t, h.svc.Status().Ready)

	_, err = h.svc.Query(ctx, "s", "anything?")
	assert.ErrorIs(t, err, models.ErrNoIndex)
}

func TestQuery_EmptyQuestion(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.svc.Query(context.Background(), "s", "   ")
	assert.ErrorIs(t, err, models.ErrEmptyQuestion)
}

func TestQuery_GenerationFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[string]string{"france.txt": franceText})
	_, err := h.svc.Ingest(ctx)
	require.NoError(t, err)

	h.model.err = errors.New("status code: 503")
	_, err = h.svc.Query(ctx, "s", "What is the capital of France?")
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrGenerationFailed)
	assert.ErrorIs(t, err, models.ErrProviderTransient)
	assert.True(t, models.Retryable(err))

	turns, _ := h.history.Get(ctx, "s")
	assert.Empty(t, turns)
}

func TestIngest_EmptyCorpus(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[string]string{"blank.txt": "  \n\t "})

	_, err := h.svc.Ingest(ctx)
	assert.ErrorIs(t, err, models.ErrEmptyCorpus)
	assert.False(t, h.svc.Status().Ready)
}

func TestIngest_EmptyCorpusLeavesIndexUnchanged(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[string]string{"france.txt": franceText})
	_, err := h.svc.Ingest(ctx)
	require.NoError(t, err)
	before, err := h.svc.Query(ctx, "before", "What is the capital of France?")
	require.NoError(t, err)

	writeDoc(t, h.store, "france.txt", "   ")
	_, err = h.svc.Ingest(ctx)
	require.ErrorIs(t, err, models.ErrEmptyCorpus)

	after, err := h.svc.Query(ctx, "after", "What is the capital of France?")
	require.NoError(t, err)
	assert.Equal(t, before.Content, after.Content)
	assert.Equal(t, before.Sources, after.Sources)
	assert.Equal(t, 1, h.svc.Status().Chunks)
}

func TestIngest_OnlyChangedDocumentsAreEmbedded(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[string]string{"france.txt": franceText, "cooking.txt": cookingText})

	report, err := h.svc.Ingest(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"cooking.txt", "france.txt"}, report.Added)
	assert.Equal(t, int64(2), h.embedder.documents.Load())

	report, err = h.svc.Ingest(ctx)
	require.NoError(t, err)
	assert.False(t, report.Changed())
	assert.Len(t, report.Unchanged, 2)
	assert.Equal(t, int64(2), h.embedder.documents.Load())

	writeDoc(t, h.store, "france.txt", franceText+" Paris is also its largest city.")
	report, err = h.svc.Ingest(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"france.txt"}, report.Updated)
	assert.Equal(t, []string{"cooking.txt"}, report.Unchanged)
	assert.Equal(t, int64(3), h.embedder.documents.Load())

	n, err := h.index.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestRebuild_ReembedsEverything(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[string]string{"france.txt": franceText, "cooking.txt": cookingText})
	_, err := h.svc.Ingest(ctx)
	require.NoError(t, err)

	report, err := h.svc.Rebuild(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"cooking.txt", "france.txt"}, report.Updated)
	assert.Equal(t, int64(4), h.embedder.documents.Load())
	assert.Equal(t, 2, h.svc.Status().Chunks)
}

func TestAddSource_RejectsEmptyCorpus(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	_, _, err := h.svc.AddSource(ctx, "scan.txt", strings.NewReader("   "))
	assert.ErrorIs(t, err, models.ErrEmptyCorpus)

	sources, err := h.svc.Sources(ctx)
	require.NoError(t, err)
	assert.Empty(t, sources)
}

func TestAddAndDeleteSource(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	name, report, err := h.svc.AddSource(ctx, "uploads/france.txt", strings.NewReader(franceText))
	require.NoError(t, err)
	assert.Equal(t, "france.txt", name)
	assert.Equal(t, []string{"france.txt"}, report.Added)

	_, _, err = h.svc.AddSource(ctx, "cooking.txt", strings.NewReader(cookingText))
	require.NoError(t, err)
	sources, _ := h.svc.Sources(ctx)
	assert.Equal(t, []string{"cooking.txt", "france.txt"}, sources)

	report, err = h.svc.DeleteSource(ctx, "france.txt")
	require.NoError(t, err)
	assert.Equal(t, []string{"france.txt"}, report.Removed)

	vec, _ := h.embedder.EmbedQuery(ctx, "capital of France Paris")
	res, err := h.index.Search(ctx, vec, vectorstore.SearchOptions{K: 10, FetchK: 20, Lambda: 0.7})
	require.NoError(t, err)
	for _, r := range res {
		assert.NotEqual(t, "france.txt", r.Source)
	}

	answer, err := h.svc.Query(ctx, "s", "What is the capital of France?")
	require.NoError(t, err)
	assert.Equal(t, models.FallbackAnswer, answer.Content)

	_, err = h.svc.DeleteSource(ctx, "france.txt")
	assert.ErrorIs(t, err, models.ErrSourceNotFound)

	_, err = h.svc.DeleteSource(ctx, "cooking.txt")
	require.NoError(t, err)
	assert.False(t, h.svc.Status().Ready)
	_, err = h.svc.Query(ctx, "s", "What is the capital of France?")
	assert.ErrorIs(t, err, models.ErrNoIndex)
}

func TestDeleteSource_LastTextDocumentEmptiesIndex(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[string]string{"france.txt": franceText, "blank.txt": " "})
	_, err := h.svc.Ingest(ctx)
	require.NoError(t, err)

	_, err = h.svc.DeleteSource(ctx, "france.txt")
	require.NoError(t, err)
	n, _ := h.index.Count(ctx)
	assert.Zero(t, n)
	assert.False(t, h.svc.Status().Ready)
}

func TestNewService_ServesPersistedIndex(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[string]string{"france.txt": franceText})
	_, err := h.svc.Ingest(ctx)
	require.NoError(t, err)

	again, err := NewService(ctx, h.svc.deps, h.svc.opts)
	require.NoError(t, err)
	assert.True(t, again.Status().Ready)
	assert.Equal(t, 1, again.Status().Sources)
}

func TestQuery_ConcurrentWithReingestion(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[string]string{"france.txt": franceText})
	_, err := h.svc.Ingest(ctx)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			session := fmt.Sprintf("s%d", i)
			for j := 0; j < 10; j++ {
				answer, err := h.svc.Query(ctx, session, "What is the capital of France?")
				if assert.NoError(t, err) {
					assert.Contains(t, answer.Content, "Paris")
				}
			}
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 5; j++ {
			_, _, err := h.svc.AddSource(ctx, "cooking.txt", strings.NewReader(cookingText))
			assert.NoError(t, err)
			_, err = h.svc.DeleteSource(ctx, "cooking.txt")
			assert.NoError(t, err)
		}
	}()
	wg.Wait()

	sources, err := h.index.Sources(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"france.txt": sources["france.txt"]}, sources)
}

func TestIngest_EmptyStoreKeepsExistingIndex(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[string]string{"france.txt": franceText})
	_, err := h.svc.Ingest(ctx)
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(h.store.Root(), "france.txt")))
	_, err = h.svc.Ingest(ctx)
	require.ErrorIs(t, err, models.ErrEmptyCorpus)

	n, err := h.index.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	answer, err := h.svc.Query(ctx, "s", "What is the capital of France?")
	require.NoError(t, err)
	assert.Contains(t, answer.Content, "Paris")
}

func TestQuery_StopwordOnlyQuestionFallsBack(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[string]string{"france.txt": franceText, "cooking.txt": cookingText})
	_, err := h.svc.Ingest(ctx)
	require.NoError(t, err)

	var answer models.Answer
	require.NotPanics(t, func() {
		answer, err = h.svc.Query(ctx, "s", "What is it?")
	})
	require.NoError(t, err)
	assert.Equal(t, models.FallbackAnswer, answer.Content)
	assert.Empty(t, answer.Sources)
	_, calls := h.model.calls()
	assert.Zero(t, calls)

	turns, err := h.history.Get(ctx, "s")
	require.NoError(t, err)
	assert.Len(t, turns, 2)
}

func TestQuery_StopwordOnlyDocumentIsIgnored(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[string]string{"france.txt": franceText, "it.txt": "It is what it is."})
	_, err := h.svc.Ingest(ctx)
	require.NoError(t, err)

	var answer models.Answer
	require.NotPanics(t, func() {
		answer, err = h.svc.Query(ctx, "s", "What is the capital of France?")
	})
	require.NoError(t, err)
	assert.Contains(t, answer.Content, "Paris")
	assert.Equal(t, []string{"france.txt"}, answer.Sources)
}

func TestIngest_EmbeddingFailureKeepsPreviousIndex(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[string]string{"france.txt": franceText})
	_, err := h.svc.Ingest(ctx)
	require.NoError(t, err)
	before, err := h.index.Sources(ctx)
	require.NoError(t, err)

	writeDoc(t, h.store, "france.txt", "The capital of Germany is Berlin.")
	h.embedder.err = &models.ProviderError{Op: "embed", Kind: models.ErrProviderTransient, Err: errors.New("503")}
	_, err = h.svc.Ingest(ctx)
	require.ErrorIs(t, err, models.ErrProviderTransient)
	_, err = h.svc.Rebuild(ctx)
	require.ErrorIs(t, err, models.ErrProviderTransient)

	after, err := h.index.Sources(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	answer, err := h.svc.Query(ctx, "s", "What is the capital of France?")
	require.NoError(t, err)
	assert.Contains(t, answer.Content, "Paris")
}

func TestIngest_IndexWriteFailureKeepsPreviousIndex(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[string]string{"france.txt": franceText})
	_, err := h.svc.Ingest(ctx)
	require.NoError(t, err)

	deps := h.svc.deps
	deps.Index = &brokenIndex{Index: h.index, err: vectorstore.Unavailable("add documents", errors.New("disk full"))}
	svc, err := NewService(ctx, deps, h.svc.opts)
	require.NoError(t, err)

	_, err = svc.Rebuild(ctx)
	require.ErrorIs(t, err, models.ErrIndexUnavailable)
	writeDoc(t, h.store, "cooking.txt", cookingText)
	_, err = svc.Ingest(ctx)
	require.ErrorIs(t, err, models.ErrIndexUnavailable)

	assert.True(t, svc.Status().Ready)
	n, err := h.index.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	answer, err := svc.Query(ctx, "s", "What is the capital of France?")
	require.NoError(t, err)
	assert.Contains(t, answer.Content, "Paris")
}

func TestQuery_SearchPanicReleasesIndexLock(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[string]string{"france.txt": franceText})
	_, err := h.svc.Ingest(ctx)
	require.NoError(t, err)

	broken := &brokenIndex{Index: h.index, panicSearch: true}
	deps := h.svc.deps
	deps.Index = broken
	svc, err := NewService(ctx, deps, h.svc.opts)
	require.NoError(t, err)

	assert.Panics(t, func() { _, _ = svc.Query(ctx, "s", "What is the capital of France?") })

	done := make(chan struct{})
	go func() {
		defer close(done)
		svc.indexMu.Lock()
		svc.indexMu.Unlock()
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("index lock still held after a failed search")
	}
}
