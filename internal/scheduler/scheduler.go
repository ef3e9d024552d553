// Package scheduler queues submitted tasks by strict priority and selects
// eligible agents for assignment by capability, health and load.
package scheduler

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/overseer/internal/agent"
	"github.com/nidhogg/overseer/internal/registry"
	"github.com/nidhogg/overseer/internal/task"
)

// ErrNoAgents is returned when selection finds fewer eligible agents than
// requested.
var ErrNoAgents = errors.New("not enough eligible agents")

// Scheduler owns the pending queue and the selection policy.
type Scheduler struct {
	mu      sync.Mutex
	queue   *queue
	reg     *registry.Registry
	cursors map[agent.Capability]int
	ready   chan struct{}
	logger  *zap.Logger
}

// New creates a scheduler with a bounded queue.
func New(reg *registry.Registry, capacity int, logger *zap.Logger) *Scheduler {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Scheduler{
		queue:   newQueue(capacity),
		reg:     reg,
		cursors: make(map[agent.Capability]int),
		ready:   make(chan struct{}, 1),
		logger:  logger,
	}
}

// Enqueue adds a task to the queue. Critical tasks jump ahead of queued
// lower-priority work; in-flight work is never preempted.
func (s *Scheduler) Enqueue(t *task.Task) error {
	s.mu.Lock()
	_, err := s.queue.push(t)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", t.ID, err)
	}

	s.logger.Debug("task queued",
		zap.String("task", t.ID),
		zap.String("priority", t.Priority.String()))
	s.signal()
	return nil
}

// Dequeue pops the highest-priority queued task, or nil when empty.
func (s *Scheduler) Dequeue() *Queued {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.pop()
}

// Requeue puts a popped task back at its original position, used when no
// agent currently has capacity for it. It does not signal readiness: the
// task already failed to dispatch, so the caller waits for capacity.
func (s *Scheduler) Requeue(qd *Queued) {
	s.mu.Lock()
	s.queue.requeue(qd)
	s.mu.Unlock()
}

// Remove pulls a pending task out of the queue (cancellation before
// assignment). Returns false if the task is no longer queued.
func (s *Scheduler) Remove(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.remove(taskID) != nil
}

// ExpireOverdue removes queued tasks whose deadline has passed and
// returns them for failure handling.
func (s *Scheduler) ExpireOverdue(now time.Time) []*task.Task {
	s.mu.Lock()
	overdue := s.queue.expireOverdue(now)
	s.mu.Unlock()

	out := make([]*task.Task, len(overdue))
	for i, qd := range overdue {
		out[i] = qd.Task
	}
	return out
}

// Depth returns the number of queued tasks.
func (s *Scheduler) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.depth()
}

// Ready signals whenever work is queued.
func (s *Scheduler) Ready() <-chan struct{} {
	return s.ready
}

// Select picks n distinct agents for a capability, preferring the
// healthiest and least-loaded candidates. Ties rotate through a
// round-robin cursor so equal agents share work evenly.
func (s *Scheduler) Select(cap agent.Capability, n int, exclude map[string]bool) ([]string, error) {
	cands := s.reg.Eligible(cap)
	if len(exclude) > 0 {
		kept := cands[:0]
		for _, c := range cands {
			if !exclude[c.ID] {
				kept = append(kept, c)
			}
		}
		cands = kept
	}
	if len(cands) < n {
		return nil, fmt.Errorf("capability %q needs %d agents, %d eligible: %w", cap, n, len(cands), ErrNoAgents)
	}

	sort.Slice(cands, func(i, j int) bool {
		if cands[i].Health != cands[j].Health {
			return cands[i].Health > cands[j].Health
		}
		if cands[i].Inflight != cands[j].Inflight {
			return cands[i].Inflight < cands[j].Inflight
		}
		return cands[i].ID < cands[j].ID
	})

	s.mu.Lock()
	cursor := s.cursors[cap]
	s.cursors[cap]++
	s.mu.Unlock()
	rotateTies(cands, cursor)

	ids := make([]string, n)
	for i := 0; i < n; i++ {
		ids[i] = cands[i].ID
	}
	return ids, nil
}

// rotateTies rotates each run of equally ranked candidates by the cursor
// so repeated selections don't always land on the same agent.
func rotateTies(cands []registry.Candidate, cursor int) {
	i := 0
	for i < len(cands) {
		j := i + 1
		for j < len(cands) && cands[j].Health == cands[i].Health && cands[j].Inflight == cands[i].Inflight {
			j++
		}
		if n := j - i; n > 1 {
			k := cursor % n
			rotated := make([]registry.Candidate, 0, n)
			rotated = append(rotated, cands[i+k:j]...)
			rotated = append(rotated, cands[i:i+k]...)
			copy(cands[i:j], rotated)
		}
		i = j
	}
}

func (s *Scheduler) signal() {
	select {
	case s.ready <- struct{}{}:
	default:
	}
}
