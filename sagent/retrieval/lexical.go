package retrieval

import (
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"
)

const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// BM25Index is an in-memory Okapi BM25 index. Exact tokens such as order
// numbers and SKU codes score well here even when embeddings blur them.
type BM25Index struct {
	mu       sync.RWMutex
	docs     map[string]bm25Doc
	df       map[string]int
	totalLen int
}

type bm25Doc struct {
	doc Document
	tf  map[string]int
	len int
}

func NewBM25Index() *BM25Index {
	return &BM25Index{
		docs: make(map[string]bm25Doc),
		df:   make(map[string]int),
	}
}

// tokenize lowercases and splits on anything that is not a letter or digit.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func (b *BM25Index) Add(doc Document) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.removeLocked(doc.ID)
	tokens := tokenize(doc.Text)
	tf := make(map[string]int, len(tokens))
	for _, t := range tokens {
		tf[t]++
	}
	for t := range tf {
		b.df[t]++
	}
	doc.Embedding = nil
	b.docs[doc.ID] = bm25Doc{doc: doc, tf: tf, len: len(tokens)}
	b.totalLen += len(tokens)
}

// Remove drops a chunk by id, or every chunk of a document by document id.
func (b *BM25Index) Remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.docs[id]; ok {
		b.removeLocked(id)
		return
	}
	for chunkID, d := range b.docs {
		if d.doc.DocumentID == id {
			b.removeLocked(chunkID)
		}
	}
}

func (b *BM25Index) removeLocked(id string) {
	d, ok := b.docs[id]
	if !ok {
		return
	}
	for t := range d.tf {
		if b.df[t]--; b.df[t] <= 0 {
			delete(b.df, t)
		}
	}
	b.totalLen -= d.len
	delete(b.docs, id)
}

func (b *BM25Index) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.docs)
}

// Query scores every document containing at least one query token.
func (b *BM25Index) Query(query string, k int) []SearchResult {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := len(b.docs)
	if n == 0 || k <= 0 {
		return nil
	}
	terms := tokenize(query)
	if len(terms) == 0 {
		return nil
	}
	avgLen := float64(b.totalLen) / float64(n)
	if avgLen == 0 {
		avgLen = 1
	}

	var results []SearchResult
	for id, d := range b.docs {
		var score float64
		for _, t := range terms {
			f := float64(d.tf[t])
			if f == 0 {
				continue
			}
			df := float64(b.df[t])
			idf := math.Log(1 + (float64(n)-df+0.5)/(df+0.5))
			score += idf * f * (bm25K1 + 1) / (f + bm25K1*(1-bm25B+bm25B*float64(d.len)/avgLen))
		}
		if score > 0 {
			results = append(results, SearchResult{
				ID:         id,
				Score:      score,
				Provenance: "bm25",
				Chunk:      d.doc.chunk(score),
			})
		}
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score == results[j].Score {
			return results[i].ID < results[j].ID
		}
		return results[i].Score > results[j].Score
	})
	if len(results) > k {
		results = results[:k]
	}
	return results
}
