package registry

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/overseer/internal/agent"
	"github.com/nidhogg/overseer/internal/bus"
)

// RunHealthLoop periodically recomputes composite health scores and moves
// agents between active and degraded. Degraded agents are excluded from
// new assignments for the cool-down, then re-evaluated; low health alone
// never kills an agent. Blocks until ctx is done.
func (r *Registry) RunHealthLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.checkHealth()
		}
	}
}

// checkHealth runs one evaluation pass over all agents.
func (r *Registry) checkHealth() {
	type change struct {
		id        string
		eventType string
		sev       bus.Severity
		score     float64
	}
	var changes []change

	r.mu.Lock()
	now := time.Now()
	for id, e := range r.agents {
		score := r.composite(id, e)
		e.desc.HealthScore = score
		e.desc.UpdatedAt = now

		switch e.desc.Status {
		case agent.StatusActive:
			if score < r.cfg.DegradedThreshold {
				e.desc.Status = agent.StatusDegraded
				e.degradedUntil = now.Add(r.cfg.DegradedCooldown)
				changes = append(changes, change{id, bus.EventAgentDegraded, bus.SeverityWarning, score})
			}
		case agent.StatusDegraded:
			if now.After(e.degradedUntil) {
				if score >= r.cfg.DegradedThreshold {
					e.desc.Status = agent.StatusActive
					changes = append(changes, change{id, bus.EventAgentRecovered, bus.SeverityInfo, score})
				} else {
					// Still unhealthy: sit out another cool-down.
					e.degradedUntil = now.Add(r.cfg.DegradedCooldown)
				}
			}
		}
	}
	r.mu.Unlock()

	for _, c := range changes {
		r.logger.Info("agent health transition",
			zap.String("agent", c.id),
			zap.String("event", c.eventType),
			zap.Float64("score", c.score))
		r.emit(c.eventType, c.sev, c.id, "")
	}
}

// composite blends the tracker's responsiveness/error score with the
// agent's current load as a resource-usage proxy. Caller holds the lock.
func (r *Registry) composite(id string, e *entry) float64 {
	base := r.tracker.Score(id)
	load := float64(e.inflight) / float64(r.cfg.MaxConcurrent)
	return 0.7*base + 0.3*(1.0-load)
}

// CheckNow forces a single health evaluation pass. Exposed for the
// orchestrator's status endpoint and for tests.
func (r *Registry) CheckNow() {
	r.checkHealth()
}
