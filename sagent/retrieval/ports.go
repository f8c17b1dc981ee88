// Package retrieval turns a user utterance into a ranked, deduplicated and
// budget-limited bundle of knowledge-base chunks.
package retrieval

import (
	"context"
	"errors"
)

var (
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
	ErrEmptyDocument     = errors.New("document has no id or text")
)

// Document is one indexed knowledge-base chunk with its embedding.
type Document struct {
	ID         string            `json:"id"`          // chunk id, unique in the index
	DocumentID string            `json:"document_id"` // source document the chunk was cut from
	Text       string            `json:"text"`
	Source     string            `json:"source,omitempty"`
	Page       int               `json:"page,omitempty"`
	Citation   string            `json:"citation,omitempty"`
	SpanStart  int               `json:"span_start,omitempty"`
	SpanEnd    int               `json:"span_end,omitempty"`
	Embedding  []float64         `json:"embedding"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (d Document) Validate() error {
	if d.ID == "" || d.Text == "" {
		return ErrEmptyDocument
	}
	return nil
}

// Chunk is a retrieved span of a document. It lives only in the scratch of
// the turn that retrieved it.
type Chunk struct {
	DocumentID string  `json:"document_id"`
	ChunkID    string  `json:"chunk_id"`
	Text       string  `json:"text"`
	SpanStart  int     `json:"span_start"`
	SpanEnd    int     `json:"span_end"`
	Score      float64 `json:"score"`
	Source     string  `json:"source,omitempty"`
	Page       int     `json:"page,omitempty"`
	Citation   string  `json:"citation,omitempty"`
}

func (d Document) chunk(score float64) Chunk {
	return Chunk{
		DocumentID: d.DocumentID,
		ChunkID:    d.ID,
		Text:       d.Text,
		SpanStart:  d.SpanStart,
		SpanEnd:    d.SpanEnd,
		Score:      score,
		Source:     d.Source,
		Page:       d.Page,
		Citation:   d.Citation,
	}
}

// SearchResult represents a single hit from an index.
type SearchResult struct {
	ID         string
	Score      float64
	Provenance string
	Chunk      Chunk
}

// VectorIndex stores embeddings and answers cosine kNN queries.
type VectorIndex interface {
	Query(ctx context.Context, vector []float64, k int) ([]SearchResult, error)
	Upsert(ctx context.Context, doc Document) error
	// Delete removes a chunk by id, or every chunk of a document by document id.
	Delete(ctx context.Context, id string) error
	// All returns every indexed document, used to rebuild the lexical index.
	All(ctx context.Context) ([]Document, error)
}

// Embedder turns texts into vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float64, error)
}

// Reranker reorders the top candidates for a query. Implementations return
// the input order on any failure.
type Reranker interface {
	Rerank(ctx context.Context, query string, chunks []Chunk) []Chunk
}
