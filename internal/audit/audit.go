// Package audit persists terminal task outcomes to a durable key/value
// store so results survive the in-memory task store's retention window.
package audit

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no record exists for a task id.
var ErrNotFound = errors.New("audit record not found")

// Record is the persisted outcome of one task.
type Record struct {
	TaskID      string        `json:"task_id"`
	Type        string        `json:"type"`
	Status      string        `json:"status"`
	Output      string        `json:"output,omitempty"`
	Error       string        `json:"error,omitempty"`
	AgentIDs    []string      `json:"agent_ids,omitempty"`
	Duration    time.Duration `json:"duration"`
	CompletedAt time.Time     `json:"completed_at"`
}

// Store is the audit-trail persistence interface.
type Store interface {
	Put(ctx context.Context, rec *Record) error
	Get(ctx context.Context, taskID string) (*Record, error)
	Close() error
}
