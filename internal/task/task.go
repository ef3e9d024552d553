package task

import (
	"fmt"
	"time"
)

// Priority orders tasks in the scheduler queue. Higher values dequeue first.
type Priority int

const (
	PriorityStandard Priority = 0
	PriorityHigh     Priority = 1
	PriorityCritical Priority = 2
)

// String returns the wire representation of a priority.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	default:
		return "standard"
	}
}

// ParsePriority converts a wire string into a Priority.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "critical":
		return PriorityCritical, nil
	case "high":
		return PriorityHigh, nil
	case "standard", "":
		return PriorityStandard, nil
	}
	return PriorityStandard, fmt.Errorf("unknown priority %q", s)
}

// Status tracks a task through its lifecycle.
type Status string

const (
	StatusPending           Status = "pending"
	StatusAssigned          Status = "assigned"
	StatusExecuting         Status = "executing"
	StatusAwaitingConsensus Status = "awaiting-consensus"
	StatusCompleted         Status = "completed"
	StatusFailed            Status = "failed"
)

// Terminal reports whether a status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// validTransitions defines allowed state transitions. A task returns to
// pending only when its assignment is revoked (agent drain, consensus retry).
var validTransitions = map[Status][]Status{
	StatusPending:           {StatusAssigned, StatusFailed},
	StatusAssigned:          {StatusExecuting, StatusPending, StatusFailed},
	StatusExecuting:         {StatusAwaitingConsensus, StatusCompleted, StatusFailed, StatusPending},
	StatusAwaitingConsensus: {StatusCompleted, StatusFailed, StatusPending},
}

// Transition validates and returns nil if from→to is a legal transition.
func Transition(from, to Status) error {
	allowed, ok := validTransitions[from]
	if !ok {
		return fmt.Errorf("no transitions from %q", from)
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("invalid transition %q → %q", from, to)
}

// Task is a unit of work submitted to the orchestrator. Assignment is
// exclusive: at most one agent set holds the task at any time.
type Task struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Priority   Priority  `json:"priority"`
	Payload    string    `json:"payload"`
	Consensus  bool      `json:"consensus"`
	AgentIDs   []string  `json:"agent_ids,omitempty"`
	Status     Status    `json:"status"`
	Deadline   time.Time `json:"deadline"`
	Retries    int       `json:"retries"`
	FailReason string    `json:"fail_reason,omitempty"`
	Result     *Result   `json:"result,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Request is what an agent invoker receives for a single call.
type Request struct {
	TaskID  string `json:"task_id"`
	Type    string `json:"type"`
	Payload string `json:"payload"`
	Attempt int    `json:"attempt"`
}

// Response is a single agent's answer to a Request.
type Response struct {
	Output string `json:"output"`
}

// Result is the terminal outcome delivered to the submitter.
type Result struct {
	TaskID      string        `json:"task_id"`
	Status      Status        `json:"status"`
	Output      string        `json:"output,omitempty"`
	Error       string        `json:"error,omitempty"`
	AgentIDs    []string      `json:"agent_ids,omitempty"`
	Duration    time.Duration `json:"duration"`
	CompletedAt time.Time     `json:"completed_at"`
}

// Handle is returned by a non-blocking submit. Done yields exactly one
// terminal Result and is then closed.
type Handle struct {
	ID   string
	done chan *Result
}

// NewHandle creates a handle for the given task id.
func NewHandle(id string) *Handle {
	return &Handle{ID: id, done: make(chan *Result, 1)}
}

// Done returns the channel carrying the terminal result.
func (h *Handle) Done() <-chan *Result {
	return h.done
}

// Resolve delivers the terminal result. Safe to call once.
func (h *Handle) Resolve(r *Result) {
	h.done <- r
	close(h.done)
}

// Wait blocks until the task reaches a terminal state or ctx is done.
func (h *Handle) Wait(done <-chan struct{}) (*Result, error) {
	select {
	case r := <-h.done:
		if r == nil {
			return nil, fmt.Errorf("task %s: handle closed without result", h.ID)
		}
		return r, nil
	case <-done:
		return nil, fmt.Errorf("task %s: wait aborted", h.ID)
	}
}
