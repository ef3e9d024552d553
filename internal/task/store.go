package task

import (
	"sync"
	"time"
)

// Store is the in-memory task store. All mutation goes through Update so
// state changes and transition checks happen under a single writer.
type Store struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

// NewStore creates an empty task store.
func NewStore() *Store {
	return &Store{tasks: make(map[string]*Task)}
}

// Create inserts a new task. The stored copy is detached from the argument.
func (s *Store) Create(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	cp := clone(t)
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.tasks[cp.ID] = cp
}

// Get returns a copy of the task, or ErrNotFound.
func (s *Store) Get(id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(t), nil
}

// Update applies fn to the stored task under the write lock. If fn changes
// Status, the transition is validated; an illegal transition aborts the
// update and is returned to the caller.
func (s *Store) Update(id string, fn func(*Task) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	before := t.Status
	cp := clone(t)
	if err := fn(cp); err != nil {
		return err
	}
	if cp.Status != before {
		if err := Transition(before, cp.Status); err != nil {
			return err
		}
	}
	cp.UpdatedAt = time.Now()
	s.tasks[id] = cp
	return nil
}

// List returns copies of all tasks, optionally filtered by status.
func (s *Store) List(status Status) []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if status != "" && t.Status != status {
			continue
		}
		out = append(out, clone(t))
	}
	return out
}

// Count returns the number of tasks currently held.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}

// Purge removes terminal tasks whose last update is older than retention.
// Returns the ids removed.
func (s *Store) Purge(retention time.Duration) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-retention)
	var removed []string
	for id, t := range s.tasks {
		if t.Status.Terminal() && t.UpdatedAt.Before(cutoff) {
			delete(s.tasks, id)
			removed = append(removed, id)
		}
	}
	return removed
}

func clone(t *Task) *Task {
	cp := *t
	if t.AgentIDs != nil {
		cp.AgentIDs = append([]string(nil), t.AgentIDs...)
	}
	if t.Result != nil {
		r := *t.Result
		cp.Result = &r
	}
	return &cp
}
