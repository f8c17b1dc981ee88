package retrieval

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	ports "github.com/ZanzyTHEbar/support-agent/sagent/agent/ports"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"golang.org/x/sync/singleflight"
)

// Options tunes ranking and context assembly.
type Options struct {
	TopK       int     // chunks returned when Retrieve is called with k <= 0
	CandidateK int     // hits fetched per signal before fusion and dedup
	Alpha      float64 // vector weight in hybrid fusion
	Hybrid     bool    // blend BM25 with vector scores
	Budget     Budget
	RerankTopN int
	CacheTTL   time.Duration // query embedding cache entry lifetime
}

func DefaultOptions() Options {
	return Options{
		TopK:       5,
		CandidateK: 20,
		Alpha:      0.7,
		Hybrid:     true,
		Budget:     Budget{Size: 6000, MaxChunks: 8},
		RerankTopN: 10,
		CacheTTL:   time.Hour,
	}
}

// Retriever is the read path over the knowledge base.
type Retriever struct {
	embedder Embedder
	index    VectorIndex
	lexical  *BM25Index
	cache    ports.Cache
	reranker Reranker
	counter  TokenCounter
	metrics  *Metrics
	logger   zerolog.Logger
	opts     Options
	flight   singleflight.Group
}

type Option func(*Retriever)

// WithCache memoizes query embeddings.
func WithCache(c ports.Cache) Option { return func(r *Retriever) { r.cache = c } }

func WithReranker(rr Reranker) Option { return func(r *Retriever) { r.reranker = rr } }

func WithCounter(c TokenCounter) Option { return func(r *Retriever) { r.counter = c } }

func WithMetrics(m *Metrics) Option { return func(r *Retriever) { r.metrics = m } }

func WithLogger(l zerolog.Logger) Option { return func(r *Retriever) { r.logger = l } }

func NewRetriever(embedder Embedder, index VectorIndex, opts Options, options ...Option) *Retriever {
	r := &Retriever{
		embedder: embedder,
		index:    index,
		counter:  CharCounter{},
		metrics:  NewMetrics(),
		logger:   zerolog.Nop(),
		opts:     opts,
	}
	if opts.Hybrid {
		r.lexical = NewBM25Index()
	}
	for _, o := range options {
		o(r)
	}
	return r
}

func (r *Retriever) Metrics() *Metrics { return r.metrics }

// Load rebuilds the lexical index from the vector index.
func (r *Retriever) Load(ctx context.Context) error {
	if r.lexical == nil {
		return nil
	}
	docs, err := r.index.All(ctx)
	if err != nil {
		return fmt.Errorf("load lexical index: %w", err)
	}
	for _, d := range docs {
		r.lexical.Add(d)
	}
	r.logger.Debug().Int("documents", len(docs)).Msg("lexical index loaded")
	return nil
}

// Index upserts pre-embedded documents into both indexes.
func (r *Retriever) Index(ctx context.Context, docs ...Document) error {
	for _, d := range docs {
		if err := r.index.Upsert(ctx, d); err != nil {
			return fmt.Errorf("index %s: %w", d.ID, err)
		}
		if r.lexical != nil {
			r.lexical.Add(d)
		}
	}
	return nil
}

func (r *Retriever) Delete(ctx context.Context, id string) error {
	if err := r.index.Delete(ctx, id); err != nil {
		return err
	}
	if r.lexical != nil {
		r.lexical.Remove(id)
	}
	return nil
}

// Retrieve returns at most k ranked, deduplicated chunks that fit the context
// budget. It never fails: provider errors, timeouts and an empty index all
// degrade to a smaller or empty bundle.
func (r *Retriever) Retrieve(ctx context.Context, query string, k int) []Chunk {
	start := time.Now()
	query = strings.TrimSpace(query)
	if k <= 0 {
		k = r.opts.TopK
	}
	if query == "" || k <= 0 {
		r.metrics.recordQuery(time.Since(start), 0)
		return nil
	}
	candK := max(r.opts.CandidateK, k)

	var vec, lex []SearchResult
	var wg conc.WaitGroup
	wg.Go(func() { vec = r.vectorSearch(ctx, query, candK) })
	if r.lexical != nil {
		wg.Go(func() { lex = r.lexical.Query(query, candK) })
	}
	wg.Wait()

	var chunks []Chunk
	if r.lexical != nil {
		chunks = fuse(vec, lex, r.opts.Alpha)
	} else {
		chunks = toChunks(vec)
	}
	chunks = Dedup(chunks)
	if len(chunks) > k {
		chunks = chunks[:k]
	}

	if r.reranker != nil && r.opts.RerankTopN > 0 && len(chunks) > 1 && ctx.Err() == nil {
		n := min(r.opts.RerankTopN, len(chunks))
		head := r.reranker.Rerank(ctx, query, chunks[:n])
		chunks = append(append([]Chunk(nil), head...), chunks[n:]...)
	}

	chunks = Assemble(chunks, r.opts.Budget, r.counter)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		r.metrics.add(&r.metrics.timeouts)
	}
	r.metrics.recordQuery(time.Since(start), len(chunks))
	r.logger.Debug().
		Int("vector_hits", len(vec)).
		Int("lexical_hits", len(lex)).
		Int("chunks", len(chunks)).
		Dur("duration", time.Since(start)).
		Msg("retrieved context")
	return chunks
}

func (r *Retriever) vectorSearch(ctx context.Context, query string, k int) []SearchResult {
	if r.embedder == nil || r.index == nil {
		return nil
	}
	vec, err := r.embedQuery(ctx, query)
	if err != nil {
		r.metrics.add(&r.metrics.embedErrors)
		r.logger.Warn().Err(err).Msg("query embedding failed, continuing without vector hits")
		return nil
	}
	res, err := r.index.Query(ctx, vec, k)
	if err != nil {
		r.metrics.add(&r.metrics.indexErrors)
		r.logger.Warn().Err(err).Msg("vector index query failed, continuing without vector hits")
		return nil
	}
	return res
}

// embedQuery consults the cache, then collapses concurrent identical queries
// into one provider call.
func (r *Retriever) embedQuery(ctx context.Context, query string) ([]float64, error) {
	sum := sha256.Sum256([]byte(query))
	key := "embed:" + hex.EncodeToString(sum[:])

	if r.cache != nil {
		if raw, ok := r.cache.Get(ctx, key); ok {
			if vec, ok := decodeVector(raw); ok {
				r.metrics.add(&r.metrics.cacheHits)
				return vec, nil
			}
		}
		r.metrics.add(&r.metrics.cacheMisses)
	}

	v, err, _ := r.flight.Do(key, func() (any, error) {
		vecs, err := r.embedder.Embed(ctx, []string{query})
		if err != nil {
			return nil, err
		}
		if len(vecs) != 1 || len(vecs[0]) == 0 {
			return nil, fmt.Errorf("embedder returned %d vectors for one query", len(vecs))
		}
		if r.cache != nil {
			_ = r.cache.Set(ctx, key, encodeVector(vecs[0]), int(r.opts.CacheTTL/time.Second))
		}
		return vecs[0], nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]float64), nil
}

func encodeVector(v []float64) []byte {
	buf := make([]byte, 8*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(f))
	}
	return buf
}

func decodeVector(b []byte) ([]float64, bool) {
	if len(b) == 0 || len(b)%8 != 0 {
		return nil, false
	}
	v := make([]float64, len(b)/8)
	for i := range v {
		v[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[i*8:]))
	}
	return v, true
}
