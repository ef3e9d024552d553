package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/overseer/internal/task"
)

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	b := New(5, time.Minute, zap.NewNop())

	for i := 0; i < 4; i++ {
		b.RecordFailure("a1")
		if err := b.Allow("a1"); err != nil {
			t.Fatalf("circuit opened early at failure %d: %v", i+1, err)
		}
	}
	b.RecordFailure("a1")

	if got := b.State("a1"); got != StateOpen {
		t.Fatalf("state %s after 5 failures, want open", got)
	}
	err := b.Allow("a1")
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	var oe *OpenError
	if !errors.As(err, &oe) || oe.RetryAfter <= 0 {
		t.Fatalf("expected retry-after hint, got %v", err)
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b := New(3, time.Minute, zap.NewNop())
	b.RecordFailure("a1")
	b.RecordFailure("a1")
	b.RecordSuccess("a1")
	b.RecordFailure("a1")
	b.RecordFailure("a1")
	if got := b.State("a1"); got != StateClosed {
		t.Fatalf("non-consecutive failures opened circuit: %s", got)
	}
}

func TestHalfOpenSingleProbe(t *testing.T) {
	b := New(1, 20*time.Millisecond, zap.NewNop())
	b.RecordFailure("a1")

	if err := b.Allow("a1"); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected fail-fast before cooldown, got %v", err)
	}

	time.Sleep(25 * time.Millisecond)

	// First call after cooldown becomes the probe.
	if err := b.Allow("a1"); err != nil {
		t.Fatalf("probe refused: %v", err)
	}
	if got := b.State("a1"); got != StateHalfOpen {
		t.Fatalf("state %s, want half-open", got)
	}
	// A second concurrent call must not piggyback on the probe.
	if err := b.Allow("a1"); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("second probe admitted: %v", err)
	}

	b.RecordSuccess("a1")
	if got := b.State("a1"); got != StateClosed {
		t.Fatalf("state %s after successful probe, want closed", got)
	}
}

func TestFailedProbeReopens(t *testing.T) {
	b := New(1, 10*time.Millisecond, zap.NewNop())
	b.RecordFailure("a1")
	time.Sleep(15 * time.Millisecond)
	if err := b.Allow("a1"); err != nil {
		t.Fatalf("probe refused: %v", err)
	}
	b.RecordFailure("a1")
	if got := b.State("a1"); got != StateOpen {
		t.Fatalf("state %s after failed probe, want open", got)
	}
}

func TestCircuitsAreIndependent(t *testing.T) {
	b := New(1, time.Minute, zap.NewNop())
	b.RecordFailure("bad")
	if err := b.Allow("good"); err != nil {
		t.Fatalf("unrelated agent blocked: %v", err)
	}
}

func TestForget(t *testing.T) {
	b := New(1, time.Minute, zap.NewNop())
	b.RecordFailure("a1")
	b.Forget("a1")
	if err := b.Allow("a1"); err != nil {
		t.Fatalf("fresh agent generation inherited open circuit: %v", err)
	}
}

func TestExecutorRetriesTransientOnly(t *testing.T) {
	b := New(10, time.Minute, zap.NewNop())
	ex := NewExecutor(b, ExecutorConfig{MaxAttempts: 3, BackoffBase: time.Millisecond}, nil, zap.NewNop())

	calls := 0
	_, err := ex.Do(context.Background(), "a1", func(ctx context.Context) (*task.Response, error) {
		calls++
		return nil, task.Transient(errors.New("unavailable"))
	})
	if err == nil || calls != 3 {
		t.Fatalf("transient error retried %d times (err %v), want 3 attempts", calls, err)
	}

	calls = 0
	permanent := errors.New("validation failed")
	_, err = ex.Do(context.Background(), "a2", func(ctx context.Context) (*task.Response, error) {
		calls++
		return nil, permanent
	})
	if !errors.Is(err, permanent) || calls != 1 {
		t.Fatalf("permanent error retried %d times (err %v), want 1 attempt", calls, err)
	}
}

func TestExecutorRecoversOnRetry(t *testing.T) {
	b := New(10, time.Minute, zap.NewNop())
	var reports []bool
	report := func(agentID string, latency time.Duration, success bool) {
		reports = append(reports, success)
	}
	ex := NewExecutor(b, ExecutorConfig{MaxAttempts: 3, BackoffBase: time.Millisecond}, report, zap.NewNop())

	calls := 0
	resp, err := ex.Do(context.Background(), "a1", func(ctx context.Context) (*task.Response, error) {
		calls++
		if calls < 2 {
			return nil, task.Transient(errors.New("timeout"))
		}
		return &task.Response{Output: "ok"}, nil
	})
	if err != nil || resp.Output != "ok" {
		t.Fatalf("got %v, %v", resp, err)
	}
	if len(reports) != 2 || reports[0] || !reports[1] {
		t.Fatalf("health reports %v, want [false true]", reports)
	}
}

func TestExecutorIgnoresCallerCancellation(t *testing.T) {
	b := New(2, time.Minute, zap.NewNop())
	var failures int
	report := func(agentID string, latency time.Duration, success bool) {
		if !success {
			failures++
		}
	}
	ex := NewExecutor(b, ExecutorConfig{MaxAttempts: 3, BackoffBase: time.Millisecond}, report, zap.NewNop())

	// The caller walks away mid-call repeatedly. The agent is healthy and
	// must not be penalized for calls nobody waited on.
	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		_, err := ex.Do(ctx, "slow", func(callCtx context.Context) (*task.Response, error) {
			cancel()
			<-callCtx.Done()
			return nil, callCtx.Err()
		})
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	}

	if got := b.State("slow"); got != StateClosed {
		t.Fatalf("abandoned calls opened circuit: %s", got)
	}
	if failures != 0 {
		t.Fatalf("%d failure samples reported for abandoned calls", failures)
	}
}

func TestExecutorFailsFastWithoutInvoking(t *testing.T) {
	b := New(1, time.Minute, zap.NewNop())
	b.RecordFailure("a1")
	ex := NewExecutor(b, ExecutorConfig{MaxAttempts: 3, BackoffBase: time.Millisecond}, nil, zap.NewNop())

	called := false
	_, err := ex.Do(context.Background(), "a1", func(ctx context.Context) (*task.Response, error) {
		called = true
		return nil, nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Fatal("open circuit still invoked the agent")
	}
}
