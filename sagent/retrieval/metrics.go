package retrieval

import (
	"sync"
	"time"
)

// Metrics counts retrieval outcomes. Retrieval never fails the turn, so this
// is where degraded queries become visible.
type Metrics struct {
	mu sync.Mutex

	queries      int64
	emptyResults int64
	embedErrors  int64
	indexErrors  int64
	timeouts     int64
	cacheHits    int64
	cacheMisses  int64
	totalLatency time.Duration
}

// MetricsSnapshot is a point-in-time copy of Metrics.
type MetricsSnapshot struct {
	Queries      int64         `json:"queries"`
	EmptyResults int64         `json:"empty_results"`
	EmbedErrors  int64         `json:"embed_errors"`
	IndexErrors  int64         `json:"index_errors"`
	Timeouts     int64         `json:"timeouts"`
	CacheHits    int64         `json:"cache_hits"`
	CacheMisses  int64         `json:"cache_misses"`
	AvgLatency   time.Duration `json:"avg_latency"`
}

func NewMetrics() *Metrics { return &Metrics{} }

func (m *Metrics) add(field *int64) {
	m.mu.Lock()
	*field++
	m.mu.Unlock()
}

func (m *Metrics) recordQuery(d time.Duration, results int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries++
	m.totalLatency += d
	if results == 0 {
		m.emptyResults++
	}
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := MetricsSnapshot{
		Queries:      m.queries,
		EmptyResults: m.emptyResults,
		EmbedErrors:  m.embedErrors,
		IndexErrors:  m.indexErrors,
		Timeouts:     m.timeouts,
		CacheHits:    m.cacheHits,
		CacheMisses:  m.cacheMisses,
	}
	if m.queries > 0 {
		s.AvgLatency = m.totalLatency / time.Duration(m.queries)
	}
	return s
}
