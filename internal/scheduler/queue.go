package scheduler

import (
	"container/heap"
	"time"

	"github.com/nidhogg/overseer/internal/task"
)

// Queued is a task with its queue position. Requeuing with the same
// sequence number restores the original ordering.
type Queued struct {
	Task *task.Task
	seq  uint64
}

// item is a heap entry.
type item struct {
	q     *Queued
	index int
}

// priorityHeap orders by priority (critical first), then arrival order.
type priorityHeap []*item

func (h priorityHeap) Len() int { return len(h) }

func (h priorityHeap) Less(i, j int) bool {
	if h[i].q.Task.Priority != h[j].q.Task.Priority {
		return h[i].q.Task.Priority > h[j].q.Task.Priority
	}
	return h[i].q.seq < h[j].q.seq
}

func (h priorityHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *priorityHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// queue is a bounded strict-priority queue. Not safe for concurrent use;
// the Scheduler serializes access.
type queue struct {
	heap     priorityHeap
	byID     map[string]*item
	capacity int
	nextSeq  uint64
}

func newQueue(capacity int) *queue {
	return &queue{
		byID:     make(map[string]*item),
		capacity: capacity,
	}
}

func (q *queue) push(t *task.Task) (*Queued, error) {
	if len(q.heap) >= q.capacity {
		return nil, task.ErrCapacityExceeded
	}
	qd := &Queued{Task: t, seq: q.nextSeq}
	q.nextSeq++
	it := &item{q: qd}
	heap.Push(&q.heap, it)
	q.byID[t.ID] = it
	return qd, nil
}

// requeue reinserts a previously popped entry at its original position.
func (q *queue) requeue(qd *Queued) {
	it := &item{q: qd}
	heap.Push(&q.heap, it)
	q.byID[qd.Task.ID] = it
}

func (q *queue) pop() *Queued {
	if len(q.heap) == 0 {
		return nil
	}
	it := heap.Pop(&q.heap).(*item)
	delete(q.byID, it.q.Task.ID)
	return it.q
}

// remove pulls a specific task out of the queue (cancel before assignment).
func (q *queue) remove(taskID string) *Queued {
	it, ok := q.byID[taskID]
	if !ok {
		return nil
	}
	heap.Remove(&q.heap, it.index)
	delete(q.byID, taskID)
	return it.q
}

// expireOverdue removes all queued tasks whose deadline has passed.
func (q *queue) expireOverdue(now time.Time) []*Queued {
	var overdue []*Queued
	for id, it := range q.byID {
		if !it.q.Task.Deadline.IsZero() && now.After(it.q.Task.Deadline) {
			heap.Remove(&q.heap, it.index)
			delete(q.byID, id)
			overdue = append(overdue, it.q)
		}
	}
	return overdue
}

func (q *queue) depth() int {
	return len(q.heap)
}
