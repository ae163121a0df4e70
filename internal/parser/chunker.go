package parser

import (
	"fmt"
	"strings"

	"chat-rag/internal/helper"
	"chat-rag/internal/models"

	"github.com/tmc/langchaingo/textsplitter"
)

const (
	SplitterFixed     = "fixed"
	SplitterRecursive = "recursive"
)

// Chunker splits documents into overlapping passages. Sizes are in characters.
type Chunker struct {
	size      int
	overlap   int
	mode      string
	recursive textsplitter.RecursiveCharacter
}

func NewChunker(size, overlap int, mode string) (*Chunker, error) {
	if size <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", size)
	}
	if overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("chunk overlap must be in [0, %d), got %d", size, overlap)
	}
	if mode == "" {
		mode = SplitterFixed
	}
	c := &Chunker{size: size, overlap: overlap, mode: mode}
	switch mode {
	case SplitterFixed:
	case SplitterRecursive:
		c.recursive = textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(size),
			textsplitter.WithChunkOverlap(overlap),
		)
	default:
		return nil, fmt.Errorf("unknown splitter %q", mode)
	}
	return c, nil
}

// Split chunks every document, preserving document order and in-document order.
func (c *Chunker) Split(docs []models.Document) ([]models.Chunk, error) {
	var chunks []models.Chunk
	for _, doc := range docs {
		parts, err := c.SplitText(doc.Content)
		if err != nil {
			return nil, fmt.Errorf("failed to split %s: %w", doc.ID, err)
		}
		for i, part := range parts {
			chunks = append(chunks, models.Chunk{
				ID:      helper.ChunkID(doc.ID, i),
				Source:  doc.ID,
				Format:  doc.Format,
				Ordinal: i,
				Content: part,
				Hash:    doc.Hash,
			})
		}
	}
	return chunks, nil
}

func (c *Chunker) SplitText(content string) ([]string, error) {
	if c.mode == SplitterRecursive {
		if strings.TrimSpace(content) == "" {
			return nil, nil
		}
		return c.recursive.SplitText(content)
	}
	return chunkContent(content, c.size, c.overlap), nil
}

// chunkContent cuts content into windows of maxChars runes advancing by
// maxChars-overlapChars, so neighbouring chunks share exactly overlapChars runes.
func chunkContent(content string, maxChars, overlapChars int) []string {
	runes := []rune(strings.TrimSpace(content))
	n := len(runes)
	if n == 0 {
		return nil
	}
	if n <= maxChars {
		return []string{string(runes)}
	}

	step := maxChars - overlapChars
	var chunks []string
	for start := 0; ; start += step {
		end := min(start+maxChars, n)
		chunks = append(chunks, string(runes[start:end]))
		if end == n {
			break
		}
	}
	return chunks
}
