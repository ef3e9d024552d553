package breaker

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/overseer/internal/task"
)

// ReportFunc receives the outcome of every attempted call, including
// retries, so the health tracker sees the full picture.
type ReportFunc func(agentID string, latency time.Duration, success bool)

// CallFunc performs one agent invocation.
type CallFunc func(ctx context.Context) (*task.Response, error)

// Executor wraps every agent call with the circuit breaker and a bounded
// retry loop. Only transient errors are retried; permanent errors surface
// immediately.
type Executor struct {
	breaker     *Breaker
	maxAttempts int
	backoffBase time.Duration
	callTimeout time.Duration
	report      ReportFunc
	logger      *zap.Logger
}

// ExecutorConfig bounds the retry loop and the per-call timeout.
type ExecutorConfig struct {
	MaxAttempts int
	BackoffBase time.Duration
	CallTimeout time.Duration
}

// NewExecutor creates an executor around the given breaker. report may be
// nil when no health tracking is wired.
func NewExecutor(b *Breaker, cfg ExecutorConfig, report ReportFunc, logger *zap.Logger) *Executor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 100 * time.Millisecond
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	return &Executor{
		breaker:     b,
		maxAttempts: cfg.MaxAttempts,
		backoffBase: cfg.BackoffBase,
		callTimeout: cfg.CallTimeout,
		report:      report,
		logger:      logger,
	}
}

// Do invokes fn against agentID through the circuit breaker. Transient
// failures are retried with exponential backoff and jitter up to the
// attempt limit.
func (e *Executor) Do(ctx context.Context, agentID string, fn CallFunc) (*task.Response, error) {
	var lastErr error
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		if err := e.breaker.Allow(agentID); err != nil {
			return nil, err
		}

		callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
		start := time.Now()
		resp, err := fn(callCtx)
		latency := time.Since(start)
		cancel()

		if err != nil && ctx.Err() != nil {
			// The caller abandoned the call (task cancelled, quorum
			// already reached). Not the agent's fault: neither the
			// breaker nor the health tracker should hear about it.
			return nil, ctx.Err()
		}

		if e.report != nil {
			e.report(agentID, latency, err == nil)
		}

		if err == nil {
			e.breaker.RecordSuccess(agentID)
			return resp, nil
		}

		e.breaker.RecordFailure(agentID)
		lastErr = err

		if !task.IsTransient(err) {
			e.logger.Debug("permanent agent error, not retrying",
				zap.String("agent", agentID),
				zap.Error(err))
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt < e.maxAttempts {
			delay := e.backoff(attempt)
			e.logger.Debug("retrying transient agent error",
				zap.String("agent", agentID),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, lastErr
}

// backoff returns base*2^(attempt-1) with up to 50% positive jitter.
func (e *Executor) backoff(attempt int) time.Duration {
	d := e.backoffBase << uint(attempt-1)
	jitter := time.Duration(rand.Int63n(int64(d)/2 + 1))
	return d + jitter
}
