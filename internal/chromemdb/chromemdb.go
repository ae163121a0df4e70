package chromemdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"sync"

	"github.com/philippgille/chromem-go"
	"github.com/rs/zerolog/log"

	"chat-rag/internal/models"
	"chat-rag/internal/vectorstore"
)

// manifestEntry tracks what is indexed for one source document.
type manifestEntry struct {
	Hash string   `json:"hash"`
	IDs  []string `json:"ids"`
}

// VectorDBManager is a vectorstore.Index backed by a chromem-go collection.
// A JSON manifest next to the collection records which ids belong to which
// source, since chromem cannot enumerate documents.
type VectorDBManager struct {
	mu             sync.RWMutex
	db             *chromem.DB
	collection     *chromem.Collection
	collectionName string
	dimension      int
	dbPath         string
	compress       bool
	manifest       map[string]*manifestEntry
	// add writes documents into the collection; replaced in tests
	add func(ctx context.Context, docs []chromem.Document) error
}

var _ vectorstore.Index = (*VectorDBManager)(nil)

// NewVectorDBManager opens (or creates) the collection. An empty dbPath keeps
// everything in memory.
func NewVectorDBManager(dbPath, collectionName string, dimension int, compress bool) (*VectorDBManager, error) {
	var (
		db  *chromem.DB
		err error
	)
	if dbPath == "" {
		db = chromem.NewDB()
	} else {
		db, err = chromem.NewPersistentDB(dbPath, compress)
		if err != nil {
			return nil, vectorstore.Unavailable("open chromem db", err)
		}
	}

	m := &VectorDBManager{
		db:             db,
		collectionName: collectionName,
		dimension:      dimension,
		dbPath:         dbPath,
		compress:       compress,
		manifest:       map[string]*manifestEntry{},
	}
	m.add = m.addDocuments
	if _, err := m.getOrCreateCollection(); err != nil {
		return nil, err
	}
	if err := m.loadManifest(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *VectorDBManager) getOrCreateCollection() (*chromem.Collection, error) {
	c, err := m.db.GetOrCreateCollection(m.collectionName, map[string]string{"dimension": strconv.Itoa(m.dimension)}, nil)
	if err != nil {
		return nil, vectorstore.Unavailable("create/get collection", err)
	}
	m.collection = c
	return c, nil
}

func (m *VectorDBManager) Dimension() int { return m.dimension }

func (m *VectorDBManager) Upsert(ctx context.Context, records []models.Record) error {
	if len(records) == 0 {
		return nil
	}
	if err := vectorstore.CheckRecords(records, m.dimension); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.add(ctx, toDocuments(records)); err != nil {
		m.restore(ctx, m.untracked(records), nil)
		return vectorstore.Unavailable("add documents", err)
	}
	m.track(records)
	return m.saveManifest()
}

// Replace removes the documents of sources and adds records. The removed
// documents are kept in memory until the add succeeds and written back if it
// does not.
func (m *VectorDBManager) Replace(ctx context.Context, sources []string, records []models.Record) error {
	if err := vectorstore.CheckRecords(records, m.dimension); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var snapshot []chromem.Document
	for _, source := range sources {
		e, ok := m.manifest[source]
		if !ok {
			continue
		}
		for _, id := range e.IDs {
			doc, err := m.collection.GetByID(ctx, id)
			if err != nil {
				return vectorstore.Unavailable("snapshot documents", err)
			}
			snapshot = append(snapshot, doc)
		}
	}
	previous := make(map[string]*manifestEntry, len(m.manifest))
	for source, e := range m.manifest {
		previous[source] = &manifestEntry{Hash: e.Hash, IDs: append([]string(nil), e.IDs...)}
	}

	err := m.deleteSources(ctx, sources)
	if err == nil && len(records) > 0 {
		err = m.add(ctx, toDocuments(records))
	}
	if err != nil {
		m.restore(ctx, records, snapshot)
		m.manifest = previous
		return vectorstore.Unavailable("replace documents", err)
	}

	for _, source := range sources {
		delete(m.manifest, source)
	}
	m.track(records)
	return m.saveManifest()
}

// restore undoes a failed write: whatever part of records made it in is
// dropped and the snapshot is added back.
func (m *VectorDBManager) restore(ctx context.Context, records []models.Record, snapshot []chromem.Document) {
	ids := make([]string, 0, len(records))
	for _, r := range records {
		if _, err := m.collection.GetByID(ctx, r.ID); err == nil {
			ids = append(ids, r.ID)
		}
	}
	if len(ids) > 0 {
		if err := m.collection.Delete(ctx, nil, nil, ids...); err != nil {
			log.Error().Err(err).Msg("Failed to drop partially added documents")
		}
	}
	if len(snapshot) > 0 {
		if err := m.addDocuments(ctx, snapshot); err != nil {
			log.Error().Err(err).Int("documents", len(snapshot)).Msg("Failed to restore documents")
		}
	}
}

func (m *VectorDBManager) addDocuments(ctx context.Context, docs []chromem.Document) error {
	if len(docs) == 0 {
		return nil
	}
	return m.collection.AddDocuments(ctx, docs, runtime.NumCPU())
}

// untracked returns the records whose ids the manifest does not know yet.
func (m *VectorDBManager) untracked(records []models.Record) []models.Record {
	known := make(map[string]bool)
	for _, e := range m.manifest {
		for _, id := range e.IDs {
			known[id] = true
		}
	}
	var out []models.Record
	for _, r := range records {
		if !known[r.ID] {
			out = append(out, r)
		}
	}
	return out
}

// track records which ids belong to which source; mu must be held.
func (m *VectorDBManager) track(records []models.Record) {
	for _, r := range records {
		e, ok := m.manifest[r.Source]
		if !ok {
			e = &manifestEntry{}
			m.manifest[r.Source] = e
		}
		e.Hash = r.Hash
		e.IDs = appendUnique(e.IDs, r.ID)
	}
}

func (m *VectorDBManager) Delete(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var existing []string
	for _, id := range ids {
		if _, err := m.collection.GetByID(ctx, id); err == nil {
			existing = append(existing, id)
		}
	}
	if len(existing) > 0 {
		if err := m.collection.Delete(ctx, nil, nil, existing...); err != nil {
			return vectorstore.Unavailable("delete documents", err)
		}
	}

	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	for source, e := range m.manifest {
		kept := e.IDs[:0]
		for _, id := range e.IDs {
			if !drop[id] {
				kept = append(kept, id)
			}
		}
		e.IDs = kept
		if len(kept) == 0 {
			delete(m.manifest, source)
		}
	}
	return m.saveManifest()
}

func (m *VectorDBManager) DeleteSource(ctx context.Context, source string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.deleteSources(ctx, []string{source}); err != nil {
		return vectorstore.Unavailable("delete source", err)
	}
	delete(m.manifest, source)
	return m.saveManifest()
}

func (m *VectorDBManager) deleteSources(ctx context.Context, sources []string) error {
	for _, source := range sources {
		if m.collection.Count() == 0 {
			return nil
		}
		if err := m.collection.Delete(ctx, map[string]string{models.MetaSource: source}, nil); err != nil {
			return err
		}
	}
	return nil
}

func (m *VectorDBManager) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.db.DeleteCollection(m.collectionName); err != nil {
		return vectorstore.Unavailable("drop collection", err)
	}
	if _, err := m.getOrCreateCollection(); err != nil {
		return err
	}
	m.manifest = map[string]*manifestEntry{}
	return m.saveManifest()
}

func (m *VectorDBManager) Search(ctx context.Context, query []float32, opts vectorstore.SearchOptions) ([]models.ScoredChunk, error) {
	if len(query) != m.dimension {
		return nil, fmt.Errorf("%w: query has %d dimensions, index has %d", models.ErrEmbeddingDimensionMismatch, len(query), m.dimension)
	}
	opts = opts.Normalize()

	m.mu.RLock()
	defer m.mu.RUnlock()

	n := m.collection.Count()
	if n == 0 {
		return nil, nil
	}
	results, err := m.collection.QueryEmbedding(ctx, query, min(opts.FetchK, n), nil, nil)
	if err != nil {
		return nil, vectorstore.Unavailable("query by similarity", err)
	}

	candidates := make([]vectorstore.Candidate, len(results))
	for i, r := range results {
		candidates[i] = vectorstore.Candidate{
			Chunk:     chunkFromResult(r),
			Embedding: r.Embedding,
			Score:     r.Similarity,
		}
	}
	return vectorstore.MMR(candidates, opts.K, opts.Lambda), nil
}

func (m *VectorDBManager) Count(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collection.Count(), nil
}

func (m *VectorDBManager) Sources(_ context.Context) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.manifest))
	for source, e := range m.manifest {
		out[source] = e.Hash
	}
	return out, nil
}

func (m *VectorDBManager) Close() error { return nil }

// Export writes an encrypted snapshot of the collection to filePath.
func (m *VectorDBManager) Export(filePath, encryptionKey string) error {
	if encryptionKey == "" {
		return fmt.Errorf("encryption key is required")
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	log.Debug().Str("collection", m.collectionName).Str("file", filePath).Bool("compress", m.compress).Msg("Exporting collection")
	if err := m.db.ExportToFile(filePath, m.compress, encryptionKey, m.collectionName); err != nil {
		return fmt.Errorf("failed to export database: %w", err)
	}
	return nil
}

func (m *VectorDBManager) manifestPath() string {
	return filepath.Join(m.dbPath, m.collectionName+".manifest.json")
}

func (m *VectorDBManager) loadManifest() error {
	if m.dbPath == "" {
		return nil
	}
	data, err := os.ReadFile(m.manifestPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return vectorstore.Unavailable("read manifest", err)
	}
	if err := json.Unmarshal(data, &m.manifest); err != nil {
		return fmt.Errorf("corrupt manifest %s: %w", m.manifestPath(), err)
	}
	return nil
}

// saveManifest must be called with mu held.
func (m *VectorDBManager) saveManifest() error {
	if m.dbPath == "" {
		return nil
	}
	for _, e := range m.manifest {
		sort.Strings(e.IDs)
	}
	data, err := json.Marshal(m.manifest)
	if err != nil {
		return err
	}
	tmp := m.manifestPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return vectorstore.Unavailable("write manifest", err)
	}
	if err := os.Rename(tmp, m.manifestPath()); err != nil {
		return vectorstore.Unavailable("write manifest", err)
	}
	return nil
}

func toDocuments(records []models.Record) []chromem.Document {
	docs := make([]chromem.Document, len(records))
	for i, r := range records {
		docs[i] = chromem.Document{
			ID:        r.ID,
			Content:   r.Content,
			Metadata:  createMetadata(r.Chunk),
			Embedding: r.Embedding,
		}
	}
	return docs
}

func createMetadata(c models.Chunk) map[string]string {
	return map[string]string{
		models.MetaSource:  c.Source,
		models.MetaOrdinal: strconv.Itoa(c.Ordinal),
		models.MetaFormat:  c.Format,
		models.MetaHash:    c.Hash,
	}
}

func chunkFromResult(r chromem.Result) models.Chunk {
	ordinal, _ := strconv.Atoi(r.Metadata[models.MetaOrdinal])
	return models.Chunk{
		ID:      r.ID,
		Source:  r.Metadata[models.MetaSource],
		Format:  r.Metadata[models.MetaFormat],
		Ordinal: ordinal,
		Content: r.Content,
		Hash:    r.Metadata[models.MetaHash],
	}
}

func appendUnique(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}
