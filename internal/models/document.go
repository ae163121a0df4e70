package models

import "time"

// Document is one loaded source file with its normalized text.
type Document struct {
	ID       string // store-relative name, stable across reloads
	Name     string
	Format   string
	Content  string
	Hash     string
	Pages    int
	Warnings []string
}

// Chunk is a contiguous slice of a document's normalized text.
type Chunk struct {
	ID      string
	Source  string
	Format  string
	Ordinal int
	Content string
	Hash    string // hash of the whole source document
}

// Record is a chunk together with its embedding, as stored in a vector index.
type Record struct {
	Chunk
	Embedding []float32
}

// ScoredChunk is a retrieval result. Score is the similarity to the query.
type ScoredChunk struct {
	Chunk
	Score float32
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message in a session's history.
type Turn struct {
	Role      Role      `json:"role" bson:"role"`
	Content   string    `json:"content" bson:"content"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
}

// Answer is the result of one query cycle.
type Answer struct {
	Question           string
	StandaloneQuestion string
	Content            string
	Sources            []string
	Grounded           bool
}
