package tooling

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// RecordStatus is the lifecycle of an idempotency record.
type RecordStatus string

const (
	// StatusPending means the call was dispatched but no outcome was recorded.
	StatusPending RecordStatus = "pending"
	StatusDone    RecordStatus = "done"
)

// Record is the idempotency entry for one key.
type Record struct {
	Key       string       `json:"key"`
	Tool      string       `json:"tool"`
	Status    RecordStatus `json:"status"`
	Result    *Result      `json:"result,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// IdempotencyStore remembers tool calls by idempotency key.
type IdempotencyStore interface {
	// Begin creates a pending record, or returns the existing one with created=false.
	Begin(ctx context.Context, key, tool string) (rec *Record, created bool, err error)
	// Complete stores the final result under key.
	Complete(ctx context.Context, key string, result Result) error
	// Get returns the record for key, or nil.
	Get(ctx context.Context, key string) (*Record, error)
}

// MemoryIdempotencyStore keeps records in process memory.
type MemoryIdempotencyStore struct {
	mu      sync.Mutex
	records map[string]*Record
}

func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{records: make(map[string]*Record)}
}

func (s *MemoryIdempotencyStore) Begin(ctx context.Context, key, tool string) (*Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[key]; ok {
		return rec.clone(), false, nil
	}
	now := time.Now().UTC()
	rec := &Record{Key: key, Tool: tool, Status: StatusPending, CreatedAt: now, UpdatedAt: now}
	s.records[key] = rec
	return rec.clone(), true, nil
}

func (s *MemoryIdempotencyStore) Complete(ctx context.Context, key string, result Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return fmt.Errorf("complete %s: no pending record", key)
	}
	res := result
	res.Cached = false
	rec.Status = StatusDone
	rec.Result = &res
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryIdempotencyStore) Get(ctx context.Context, key string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[key]; ok {
		return rec.clone(), nil
	}
	return nil, nil
}

func (r *Record) clone() *Record {
	c := *r
	if r.Result != nil {
		res := *r.Result
		c.Result = &res
	}
	return &c
}

var _ IdempotencyStore = (*MemoryIdempotencyStore)(nil)
