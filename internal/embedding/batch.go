package embedding

import (
	"context"
	"fmt"
	"sync"

	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/embeddings"
)

// EmbedAll embeds texts in batches of batchSize on at most workers concurrent
// calls. Result i is the vector of texts[i]; the first failure cancels the rest.
func EmbedAll(ctx context.Context, embedder embeddings.Embedder, texts []string, batchSize, workers int) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if batchSize <= 0 {
		batchSize = len(texts)
	}
	if workers <= 0 {
		workers = 1
	}

	pool, err := ants.NewPool(workers)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding pool: %w", err)
	}
	defer pool.Release()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
		results  = make([][]float32, len(texts))
	)
	fail := func(err error) {
		once.Do(func() {
			firstErr = err
			cancel()
		})
	}

	for start := 0; start < len(texts); start += batchSize {
		end := min(start+batchSize, len(texts))
		wg.Add(1)
		task := func() {
			defer wg.Done()
			if ctx.Err() != nil {
				return
			}
			vecs, err := embedder.EmbedDocuments(ctx, texts[start:end])
			if err != nil {
				fail(fmt.Errorf("batch %d-%d: %w", start, end, err))
				return
			}
			if len(vecs) != end-start {
				fail(fmt.Errorf("batch %d-%d: got %d vectors", start, end, len(vecs)))
				return
			}
			copy(results[start:end], vecs)
		}
		if err := pool.Submit(task); err != nil {
			wg.Done()
			fail(fmt.Errorf("failed to submit embedding batch: %w", err))
			break
		}
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	log.Debug().Int("texts", len(texts)).Int("batch_size", batchSize).Int("workers", workers).Msg("Embedded texts")
	return results, nil
}
