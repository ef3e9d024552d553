// Package registry owns the agent pool: registration, lifecycle
// transitions, capacity accounting and health-gated availability.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/overseer/internal/agent"
	"github.com/nidhogg/overseer/internal/bus"
	"github.com/nidhogg/overseer/internal/health"
)

// Config bounds the pool and tunes the health loop.
type Config struct {
	// MaxConcurrent is the per-agent in-flight cap.
	MaxConcurrent int
	// MinPool / MaxPool bound ScalePool per agent type.
	MinPool int
	MaxPool int
	// HealthInterval is the period of the health check loop.
	HealthInterval time.Duration
	// DegradedThreshold is the composite score below which an agent is
	// excluded from new assignments.
	DegradedThreshold float64
	// DegradedCooldown is how long a degraded agent sits out before
	// re-evaluation.
	DegradedCooldown time.Duration
	// DrainTimeout bounds how long Stop and Deregister wait for
	// in-flight work.
	DrainTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	if c.MaxPool <= 0 {
		c.MaxPool = 16
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 10 * time.Second
	}
	if c.DegradedThreshold <= 0 {
		c.DegradedThreshold = 0.5
	}
	if c.DegradedCooldown <= 0 {
		c.DegradedCooldown = 30 * time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
	return c
}

// Starter is optionally implemented by invokers that need warm-up before
// accepting work.
type Starter interface {
	Start(ctx context.Context) error
}

type entry struct {
	desc          *agent.Descriptor
	invoker       agent.Invoker
	inflight      int
	draining      bool
	degradedUntil time.Time
}

// Candidate is an assignable agent snapshot handed to the scheduler.
type Candidate struct {
	ID       string
	Health   float64
	Inflight int
}

// Registry is the single owner of agent descriptors. All mutation happens
// under its lock.
type Registry struct {
	mu        sync.Mutex
	agents    map[string]*entry
	cfg       Config
	tracker   *health.Tracker
	publisher bus.Publisher
	released  chan struct{}
	logger    *zap.Logger
}

// New creates an empty registry.
func New(cfg Config, tracker *health.Tracker, publisher bus.Publisher, logger *zap.Logger) *Registry {
	return &Registry{
		agents:    make(map[string]*entry),
		cfg:       cfg.withDefaults(),
		tracker:   tracker,
		publisher: publisher,
		released:  make(chan struct{}, 1),
		logger:    logger,
	}
}

// Register adds an agent in the initializing state.
func (r *Registry) Register(desc *agent.Descriptor, inv agent.Invoker) error {
	r.mu.Lock()
	if _, exists := r.agents[desc.ID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("register %s: %w", desc.ID, agent.ErrDuplicate)
	}
	cp := *desc
	cp.Capabilities = append([]agent.Capability(nil), desc.Capabilities...)
	cp.Status = agent.StatusInitializing
	cp.HealthScore = 1.0
	now := time.Now()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	r.agents[cp.ID] = &entry{desc: &cp, invoker: inv}
	r.mu.Unlock()

	r.logger.Info("registered agent",
		zap.String("id", cp.ID),
		zap.String("type", cp.Type))
	r.emit(bus.EventAgentRegistered, bus.SeverityInfo, cp.ID, "")
	return nil
}

// Start transitions an agent to active, warming up its invoker first when
// it implements Starter. A warm-up failure marks the agent failed and
// returns a StartupError with retry guidance.
func (r *Registry) Start(ctx context.Context, id string) error {
	r.mu.Lock()
	e, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("start %s: %w", id, agent.ErrNotFound)
	}
	if err := agent.Transition(e.desc.Status, agent.StatusActive); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("start %s: %w", id, err)
	}
	inv := e.invoker
	r.mu.Unlock()

	if s, ok := inv.(Starter); ok {
		if err := s.Start(ctx); err != nil {
			r.setStatus(id, agent.StatusFailed)
			return &agent.StartupError{AgentID: id, RetryAfter: 5 * time.Second, Err: err}
		}
	}

	r.setStatus(id, agent.StatusActive)
	r.emit(bus.EventAgentStarted, bus.SeverityInfo, id, "")
	return nil
}

// Stop drains an agent's in-flight work (bounded by the configured drain
// timeout) and transitions it to stopped. In-flight tasks finish; they are
// never dropped.
func (r *Registry) Stop(ctx context.Context, id string) error {
	r.mu.Lock()
	e, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("stop %s: %w", id, agent.ErrNotFound)
	}
	e.draining = true
	r.mu.Unlock()

	if err := r.drain(ctx, id); err != nil {
		r.logger.Warn("drain timeout, stopping with work in flight",
			zap.String("agent", id),
			zap.Error(err))
	}

	r.setStatus(id, agent.StatusStopped)
	r.emit(bus.EventAgentStopped, bus.SeverityInfo, id, "")
	return nil
}

// Deregister stops and removes the agent, and drops its health history so
// nothing leaks into a future agent reusing the id.
func (r *Registry) Deregister(ctx context.Context, id string) error {
	if err := r.Stop(ctx, id); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.agents, id)
	r.mu.Unlock()
	r.tracker.Forget(id)
	r.logger.Info("deregistered agent", zap.String("id", id))
	return nil
}

// Factory builds the descriptor and invoker for the i-th agent of a pool.
type Factory func(i int) (*agent.Descriptor, agent.Invoker)

// ScalePool grows or shrinks the set of agents of the given type toward
// target, clamped to the configured min/max bounds. Shrinking drains the
// least-loaded agents first.
func (r *Registry) ScalePool(ctx context.Context, agentType string, target int, factory Factory) error {
	if target < r.cfg.MinPool {
		target = r.cfg.MinPool
	}
	if target > r.cfg.MaxPool {
		target = r.cfg.MaxPool
	}

	r.mu.Lock()
	var members []*entry
	for _, e := range r.agents {
		if e.desc.Type == agentType && e.desc.Status != agent.StatusStopped {
			members = append(members, e)
		}
	}
	current := len(members)
	r.mu.Unlock()

	switch {
	case target > current:
		for i := current; i < target; i++ {
			desc, inv := factory(i)
			desc.Type = agentType
			if err := r.Register(desc, inv); err != nil {
				return fmt.Errorf("scale up %s: %w", agentType, err)
			}
			if err := r.Start(ctx, desc.ID); err != nil {
				return fmt.Errorf("scale up %s: %w", agentType, err)
			}
		}
	case target < current:
		sort.Slice(members, func(i, j int) bool { return members[i].inflight < members[j].inflight })
		for _, e := range members[:current-target] {
			if err := r.Deregister(ctx, e.desc.ID); err != nil {
				return fmt.Errorf("scale down %s: %w", agentType, err)
			}
		}
	}

	r.logger.Info("pool scaled",
		zap.String("type", agentType),
		zap.Int("from", current),
		zap.Int("to", target))
	return nil
}

// Get returns a copy of the agent's descriptor.
func (r *Registry) Get(id string) (*agent.Descriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.agents[id]
	if !ok {
		return nil, agent.ErrNotFound
	}
	return cloneDesc(e.desc), nil
}

// Invoker returns the execution interface registered for the agent.
func (r *Registry) Invoker(id string) (agent.Invoker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.agents[id]
	if !ok {
		return nil, agent.ErrNotFound
	}
	return e.invoker, nil
}

// List returns descriptor copies for all agents.
func (r *Registry) List() []*agent.Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*agent.Descriptor, 0, len(r.agents))
	for _, e := range r.agents {
		out = append(out, cloneDesc(e.desc))
	}
	return out
}

// Eligible returns assignable agents for a capability: active, not
// draining, not cooling down, and under the concurrency cap.
func (r *Registry) Eligible(cap agent.Capability) []Candidate {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	var out []Candidate
	for _, e := range r.agents {
		if e.desc.Status != agent.StatusActive || e.draining {
			continue
		}
		if now.Before(e.degradedUntil) {
			continue
		}
		if e.inflight >= r.cfg.MaxConcurrent {
			continue
		}
		if !e.desc.HasCapability(cap) {
			continue
		}
		out = append(out, Candidate{ID: e.desc.ID, Health: e.desc.HealthScore, Inflight: e.inflight})
	}
	return out
}

// Acquire reserves an execution slot on the agent. The caller must
// Release it when the invocation finishes.
func (r *Registry) Acquire(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.agents[id]
	if !ok {
		return agent.ErrNotFound
	}
	if e.inflight >= r.cfg.MaxConcurrent {
		return fmt.Errorf("agent %s at capacity (%d in flight)", id, e.inflight)
	}
	e.inflight++
	return nil
}

// Release frees an execution slot and wakes anyone waiting for capacity.
func (r *Registry) Release(id string) {
	r.mu.Lock()
	if e, ok := r.agents[id]; ok && e.inflight > 0 {
		e.inflight--
	}
	r.mu.Unlock()

	select {
	case r.released <- struct{}{}:
	default:
	}
}

// Released signals whenever an execution slot frees up.
func (r *Registry) Released() <-chan struct{} {
	return r.released
}

// Inflight returns the agent's current in-flight count.
func (r *Registry) Inflight(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.agents[id]; ok {
		return e.inflight
	}
	return 0
}

// drain polls until the agent's in-flight count reaches zero or the drain
// timeout elapses.
func (r *Registry) drain(ctx context.Context, id string) error {
	deadline := time.NewTimer(r.cfg.DrainTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()

	for {
		if r.Inflight(id) == 0 {
			return nil
		}
		select {
		case <-tick.C:
		case <-deadline.C:
			return fmt.Errorf("drain %s: timeout with %d in flight", id, r.Inflight(id))
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *Registry) setStatus(id string, to agent.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.agents[id]
	if !ok {
		return
	}
	if e.desc.Status == to {
		return
	}
	if err := agent.Transition(e.desc.Status, to); err != nil {
		r.logger.Warn("refusing status change",
			zap.String("agent", id),
			zap.Error(err))
		return
	}
	e.desc.Status = to
	e.desc.UpdatedAt = time.Now()
}

func (r *Registry) emit(eventType string, sev bus.Severity, agentID, msg string) {
	if r.publisher == nil {
		return
	}
	_ = r.publisher.Publish(context.Background(), &bus.Event{
		Type:     eventType,
		Severity: sev,
		AgentID:  agentID,
		Message:  msg,
	})
}

func cloneDesc(d *agent.Descriptor) *agent.Descriptor {
	cp := *d
	cp.Capabilities = append([]agent.Capability(nil), d.Capabilities...)
	return &cp
}
