package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nidhogg/overseer/internal/task"
)

// Capability names a class of work an agent can execute ("travel",
// "financial", ...). The orchestrator never branches on a concrete agent,
// only on declared capabilities.
type Capability string

// Status tracks an agent through its lifecycle.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusActive       Status = "active"
	StatusDegraded     Status = "degraded"
	StatusFailed       Status = "failed"
	StatusStopped      Status = "stopped"
)

// validTransitions defines allowed status transitions. Degraded agents
// recover to active after their cool-down; they are never force-killed.
var validTransitions = map[Status][]Status{
	StatusInitializing: {StatusActive, StatusFailed, StatusStopped},
	StatusActive:       {StatusDegraded, StatusFailed, StatusStopped},
	StatusDegraded:     {StatusActive, StatusFailed, StatusStopped},
	StatusFailed:       {StatusInitializing, StatusStopped},
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

// Descriptor describes a registered agent. Owned by the registry; status
// and health are mutated only by the lifecycle manager and health loop.
type Descriptor struct {
	ID           string       `json:"id"`
	Type         string       `json:"type"`
	Capabilities []Capability `json:"capabilities"`
	Status       Status       `json:"status"`
	HealthScore  float64      `json:"health_score"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// HasCapability reports whether the descriptor declares cap.
func (d *Descriptor) HasCapability(cap Capability) bool {
	for _, c := range d.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// Invoker is the execution interface implemented per concrete domain agent.
// Implementations classify retryable failures with task.Transient.
type Invoker interface {
	Execute(ctx context.Context, req *task.Request) (*task.Response, error)
}

// InvokerFunc adapts a plain function to the Invoker interface.
type InvokerFunc func(ctx context.Context, req *task.Request) (*task.Response, error)

// Execute implements Invoker.
func (f InvokerFunc) Execute(ctx context.Context, req *task.Request) (*task.Response, error) {
	return f(ctx, req)
}

var (
	// ErrDuplicate is returned when registering an id that already exists.
	ErrDuplicate = errors.New("agent id already registered")
	// ErrNotFound is returned when an agent id is unknown.
	ErrNotFound = errors.New("agent not found")
)

// StartupError is returned when an agent fails to start. RetryAfter is a
// hint for when another attempt is worthwhile.
type StartupError struct {
	AgentID    string
	RetryAfter time.Duration
	Err        error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("agent %s failed to start (retry after %s): %v", e.AgentID, e.RetryAfter, e.Err)
}

func (e *StartupError) Unwrap() error {
	return e.Err
}
