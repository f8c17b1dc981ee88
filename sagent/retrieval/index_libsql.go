package retrieval

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// LibSQLIndex implements VectorIndex over the kb_chunks table. Queries scan
// every stored vector, like a flat index.
type LibSQLIndex struct {
	db        *sql.DB
	dimension int
}

// NewLibSQLIndex expects a database migrated by db.Open. A zero dimension
// accepts vectors of any length.
func NewLibSQLIndex(conn *sql.DB, dimension int) *LibSQLIndex {
	return &LibSQLIndex{db: conn, dimension: dimension}
}

func (l *LibSQLIndex) Upsert(ctx context.Context, doc Document) error {
	if err := doc.Validate(); err != nil {
		return err
	}
	if l.dimension > 0 && len(doc.Embedding) != l.dimension {
		return fmt.Errorf("%w: expected %d, got %d", ErrDimensionMismatch, l.dimension, len(doc.Embedding))
	}

	embedding, err := json.Marshal(doc.Embedding)
	if err != nil {
		return fmt.Errorf("failed to encode vector: %w", err)
	}
	meta := doc.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	_, err = l.db.ExecContext(ctx, `
		INSERT INTO kb_chunks (id, document_id, text, source, page, citation, span_start, span_end, embedding, metadata_json, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			document_id = excluded.document_id,
			text = excluded.text,
			source = excluded.source,
			page = excluded.page,
			citation = excluded.citation,
			span_start = excluded.span_start,
			span_end = excluded.span_end,
			embedding = excluded.embedding,
			metadata_json = excluded.metadata_json,
			updated_at = excluded.updated_at`,
		doc.ID, doc.DocumentID, doc.Text, doc.Source, doc.Page, doc.Citation,
		doc.SpanStart, doc.SpanEnd, string(embedding), string(metaJSON), time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert chunk %s: %w", doc.ID, err)
	}
	return nil
}

func (l *LibSQLIndex) Query(ctx context.Context, vector []float64, k int) ([]SearchResult, error) {
	if k <= 0 {
		return nil, nil
	}
	if l.dimension > 0 && len(vector) != l.dimension {
		return nil, fmt.Errorf("%w: expected %d, got %d", ErrDimensionMismatch, l.dimension, len(vector))
	}

	docs, err := l.All(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0, len(docs))
	for _, d := range docs {
		if len(d.Embedding) != len(vector) {
			continue
		}
		score := cosine(vector, d.Embedding)
		results = append(results, SearchResult{
			ID:         d.ID,
			Score:      score,
			Provenance: "vector_libsql",
			Chunk:      d.chunk(score),
		})
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score == results[j].Score {
			return results[i].ID < results[j].ID
		}
		return results[i].Score > results[j].Score
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func (l *LibSQLIndex) Delete(ctx context.Context, id string) error {
	_, err := l.db.ExecContext(ctx, `DELETE FROM kb_chunks WHERE id = ? OR document_id = ?`, id, id)
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", id, err)
	}
	return nil
}

func (l *LibSQLIndex) All(ctx context.Context) ([]Document, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, document_id, text, source, page, citation, span_start, span_end, embedding, metadata_json
		FROM kb_chunks ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch chunks: %w", err)
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		var (
			d         Document
			embedding string
			meta      string
		)
		if err := rows.Scan(&d.ID, &d.DocumentID, &d.Text, &d.Source, &d.Page, &d.Citation,
			&d.SpanStart, &d.SpanEnd, &embedding, &meta); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		if err := json.Unmarshal([]byte(embedding), &d.Embedding); err != nil {
			continue // skip invalid vectors
		}
		if meta != "" && meta != "{}" {
			_ = json.Unmarshal([]byte(meta), &d.Metadata)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating chunks: %w", err)
	}
	return out, nil
}

var _ VectorIndex = (*LibSQLIndex)(nil)
