package retrieval

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring"
	"gonum.org/v1/gonum/floats"
)

// MemoryIndex implements VectorIndex using brute-force cosine search over
// vectors held in memory. Replaced and deleted slots are tombstoned in a
// roaring bitmap and reclaimed by Compact.
type MemoryIndex struct {
	mu        sync.RWMutex
	dimension int
	slots     []memorySlot
	byID      map[string]uint32
	dead      *roaring.Bitmap
}

type memorySlot struct {
	doc  Document
	norm float64
}

// NewMemoryIndex creates an index for vectors of the given dimension. A zero
// dimension is fixed by the first upsert.
func NewMemoryIndex(dimension int) *MemoryIndex {
	return &MemoryIndex{
		dimension: dimension,
		byID:      make(map[string]uint32),
		dead:      roaring.New(),
	}
}

func (m *MemoryIndex) Upsert(ctx context.Context, doc Document) error {
	if err := doc.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.dimension == 0 {
		m.dimension = len(doc.Embedding)
	}
	if len(doc.Embedding) != m.dimension {
		return fmt.Errorf("%w: expected %d, got %d", ErrDimensionMismatch, m.dimension, len(doc.Embedding))
	}

	if old, ok := m.byID[doc.ID]; ok {
		m.dead.Add(old)
	}
	doc.Embedding = append([]float64(nil), doc.Embedding...)
	m.slots = append(m.slots, memorySlot{doc: doc, norm: floats.Norm(doc.Embedding, 2)})
	m.byID[doc.ID] = uint32(len(m.slots) - 1)
	return nil
}

func (m *MemoryIndex) Query(ctx context.Context, vector []float64, k int) ([]SearchResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if k <= 0 || len(m.byID) == 0 {
		return nil, nil
	}
	if len(vector) != m.dimension {
		return nil, fmt.Errorf("%w: expected %d, got %d", ErrDimensionMismatch, m.dimension, len(vector))
	}

	qNorm := floats.Norm(vector, 2)
	results := make([]SearchResult, 0, len(m.byID))
	for i, s := range m.slots {
		if m.dead.Contains(uint32(i)) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		score := cosineWithNorm(vector, qNorm, s.doc.Embedding, s.norm)
		results = append(results, SearchResult{
			ID:         s.doc.ID,
			Score:      score,
			Provenance: "vector_memory",
			Chunk:      s.doc.chunk(score),
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

func (m *MemoryIndex) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if slot, ok := m.byID[id]; ok {
		m.dead.Add(slot)
		delete(m.byID, id)
		return nil
	}
	for chunkID, slot := range m.byID {
		if m.slots[slot].doc.DocumentID == id {
			m.dead.Add(slot)
			delete(m.byID, chunkID)
		}
	}
	return nil
}

func (m *MemoryIndex) All(ctx context.Context) ([]Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Document, 0, len(m.byID))
	for i, s := range m.slots {
		if !m.dead.Contains(uint32(i)) {
			out = append(out, s.doc)
		}
	}
	return out, nil
}

// Len returns the number of live documents.
func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

// Tombstones returns the number of slots awaiting compaction.
func (m *MemoryIndex) Tombstones() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dead.GetCardinality()
}

// Compact drops tombstoned slots.
func (m *MemoryIndex) Compact() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.dead.IsEmpty() {
		return
	}
	live := make([]memorySlot, 0, len(m.byID))
	for i, s := range m.slots {
		if m.dead.Contains(uint32(i)) {
			continue
		}
		m.byID[s.doc.ID] = uint32(len(live))
		live = append(live, s)
	}
	m.slots = live
	m.dead.Clear()
}

var _ VectorIndex = (*MemoryIndex)(nil)
