package breaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is a circuit breaker position.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// ErrCircuitOpen is returned when a call is refused because the agent's
// circuit is open or its half-open probe slot is taken.
var ErrCircuitOpen = errors.New("circuit open")

// OpenError carries the earliest time another attempt is worthwhile.
type OpenError struct {
	AgentID    string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("agent %s: circuit open, retry after %s", e.AgentID, e.RetryAfter)
}

func (e *OpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// circuit is the per-agent state machine.
type circuit struct {
	state       State
	failures    int
	lastFailure time.Time
	probing     bool
}

// Breaker isolates failing agents: closed passes calls through, open fails
// fast, half-open admits exactly one trial call after the cooldown.
type Breaker struct {
	mu          sync.Mutex
	maxFailures int
	cooldown    time.Duration
	circuits    map[string]*circuit
	logger      *zap.Logger
}

// New creates a breaker that opens after maxFailures consecutive failures
// and probes again after cooldown.
func New(maxFailures int, cooldown time.Duration, logger *zap.Logger) *Breaker {
	if maxFailures <= 0 {
		maxFailures = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		maxFailures: maxFailures,
		cooldown:    cooldown,
		circuits:    make(map[string]*circuit),
		logger:      logger,
	}
}

// Allow reports whether a call to the agent may proceed. In the open state
// it fails fast until the cooldown elapses, then admits a single probe.
func (b *Breaker) Allow(agentID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.circuit(agentID)

	switch c.state {
	case StateClosed:
		return nil
	case StateOpen:
		if time.Since(c.lastFailure) < b.cooldown {
			return &OpenError{AgentID: agentID, RetryAfter: b.cooldown - time.Since(c.lastFailure)}
		}
		c.state = StateHalfOpen
		c.probing = true
		b.logger.Info("circuit half-open", zap.String("agent", agentID))
		return nil
	case StateHalfOpen:
		if c.probing {
			return &OpenError{AgentID: agentID, RetryAfter: b.cooldown}
		}
		c.probing = true
		return nil
	}
	return nil
}

// RecordSuccess closes the circuit after a successful call.
func (b *Breaker) RecordSuccess(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.circuit(agentID)
	if c.state == StateHalfOpen {
		b.logger.Info("circuit closed after probe", zap.String("agent", agentID))
	}
	c.state = StateClosed
	c.failures = 0
	c.probing = false
}

// RecordFailure counts a failed call; K consecutive failures open the
// circuit, and a failed half-open probe reopens it.
func (b *Breaker) RecordFailure(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.circuit(agentID)
	c.failures++
	c.lastFailure = time.Now()

	switch c.state {
	case StateClosed:
		if c.failures >= b.maxFailures {
			c.state = StateOpen
			b.logger.Warn("circuit opened",
				zap.String("agent", agentID),
				zap.Int("failures", c.failures))
		}
	case StateHalfOpen:
		c.state = StateOpen
		c.probing = false
		b.logger.Warn("circuit reopened after failed probe", zap.String("agent", agentID))
	}
}

// State returns the agent's current circuit state.
func (b *Breaker) State(agentID string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.circuit(agentID).state
}

// Forget drops an agent's circuit. Called on deregistration so breaker
// state never leaks across agent generations.
func (b *Breaker) Forget(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.circuits, agentID)
}

func (b *Breaker) circuit(agentID string) *circuit {
	c, ok := b.circuits[agentID]
	if !ok {
		c = &circuit{state: StateClosed}
		b.circuits[agentID] = c
	}
	return c
}
