// Package bus delivers lifecycle, alert and escalation events to
// interested listeners. Publishing is fire-and-forget: a slow or absent
// sink never blocks the orchestrator.
package bus

import (
	"context"
	"time"
)

// Severity grades an event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event types emitted by the engine.
const (
	EventTaskSubmitted   = "task.submitted"
	EventTaskAssigned    = "task.assigned"
	EventTaskCompleted   = "task.completed"
	EventTaskFailed      = "task.failed"
	EventTaskEscalated   = "task.escalated"
	EventAgentRegistered = "agent.registered"
	EventAgentStarted    = "agent.started"
	EventAgentStopped    = "agent.stopped"
	EventAgentDegraded   = "agent.degraded"
	EventAgentRecovered  = "agent.recovered"
	EventHealthAlert     = "health.alert"
)

// Event is a single engine occurrence.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Severity  Severity  `json:"severity"`
	AgentID   string    `json:"agent_id,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher is the event sink consumed by the engine.
type Publisher interface {
	Publish(ctx context.Context, ev *Event) error
	Close() error
}
