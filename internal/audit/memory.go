package audit

import (
	"context"
	"sync"
)

// MemoryStore keeps audit records in process. Used in tests and when no
// durable backend is configured.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryStore creates an empty in-memory audit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

// Put stores a record, overwriting any previous outcome for the task.
func (s *MemoryStore) Put(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	cp.AgentIDs = append([]string(nil), rec.AgentIDs...)
	s.records[rec.TaskID] = &cp
	return nil
}

// Get returns the record for a task id, or ErrNotFound.
func (s *MemoryStore) Get(ctx context.Context, taskID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	cp.AgentIDs = append([]string(nil), rec.AgentIDs...)
	return &cp, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}
