package checkpoint

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore keeps checkpoint logs in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	logs map[string][]*Checkpoint
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{logs: make(map[string][]*Checkpoint)}
}

func (s *MemoryStore) Append(ctx context.Context, conversationID string, cp *Checkpoint) error {
	if err := checkAppend(conversationID, cp); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.logs[conversationID]
	if want := int64(len(log)) + 1; cp.Seq != want {
		return fmt.Errorf("append %s seq %d (want %d): %w", conversationID, cp.Seq, want, ErrSequenceConflict)
	}
	s.logs[conversationID] = append(log, cp.Clone())
	return nil
}

func (s *MemoryStore) Latest(ctx context.Context, conversationID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.logs[conversationID]
	if len(log) == 0 {
		return nil, nil
	}
	return log[len(log)-1].Clone(), nil
}

func (s *MemoryStore) List(ctx context.Context, conversationID string) ([]*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.logs[conversationID]
	out := make([]*Checkpoint, len(log))
	for i, cp := range log {
		out[i] = cp.Clone()
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
