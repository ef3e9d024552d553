package consensus

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/overseer/internal/task"
)

func newValidator(t *testing.T, cfg Config) *Validator {
	t.Helper()
	v, err := New(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("new validator: %v", err)
	}
	return v
}

// staticSelect returns a fixed agent pool, honoring exclusions.
func staticSelect(pool ...string) SelectFn {
	return func(n int, exclude map[string]bool) ([]string, error) {
		var out []string
		for _, id := range pool {
			if !exclude[id] {
				out = append(out, id)
			}
			if len(out) == n {
				return out, nil
			}
		}
		if len(out) < n {
			return nil, fmt.Errorf("only %d of %d agents available", len(out), n)
		}
		return out, nil
	}
}

// answersExec replies with the configured output per agent id.
func answersExec(answers map[string]string) ExecFn {
	return func(ctx context.Context, agentID string) (*task.Response, error) {
		out, ok := answers[agentID]
		if !ok {
			return nil, errors.New("agent crashed")
		}
		return &task.Response{Output: out}, nil
	}
}

func TestConfigByzantineBound(t *testing.T) {
	if _, err := New(Config{Agents: 3, MaxFaulty: 1, Quorum: 0.7}, zap.NewNop()); err == nil {
		t.Fatal("N=3 f=1 must be rejected: need N ≥ 3f+1")
	}
	if _, err := New(Config{Agents: 4, MaxFaulty: 1, Quorum: 0.7}, zap.NewNop()); err != nil {
		t.Fatalf("N=4 f=1 rejected: %v", err)
	}
	if _, err := New(Config{Agents: 5, Quorum: 0.4}, zap.NewNop()); err == nil {
		t.Fatal("quorum below majority must be rejected")
	}
}

func TestQuorumAccepts(t *testing.T) {
	v := newValidator(t, Config{Agents: 5, Quorum: 0.7, Window: time.Second, MaxRounds: 1})

	// 4 of 5 agree: ceil(0.7*5) = 4 reached.
	answers := map[string]string{
		"a": "42", "b": "42", "c": "42", "d": "42", "e": "17",
	}
	out, err := v.Run(context.Background(), &task.Task{ID: "t1"},
		staticSelect("a", "b", "c", "d", "e"), answersExec(answers))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Value != "42" {
		t.Fatalf("accepted %q, want 42", out.Value)
	}
	if out.Tally["42"] != 4 {
		t.Fatalf("tally %v, want 4 votes for 42", out.Tally)
	}
	if len(out.AgentIDs) != 4 {
		t.Fatalf("accepted agent set %v, want the 4 agreeing agents", out.AgentIDs)
	}
}

func TestSplitVoteFailsWithTally(t *testing.T) {
	v := newValidator(t, Config{Agents: 5, Quorum: 0.7, Window: time.Second, MaxRounds: 2})

	// 3-2 split: no value reaches ceil(0.7*5) = 4.
	answers := map[string]string{
		"a": "yes", "b": "yes", "c": "yes", "d": "no", "e": "no",
	}
	_, err := v.Run(context.Background(), &task.Task{ID: "t1"},
		staticSelect("a", "b", "c", "d", "e"), answersExec(answers))
	if !errors.Is(err, ErrConsensusFailed) {
		t.Fatalf("expected ErrConsensusFailed, got %v", err)
	}
	var ce *Error
	if !errors.As(err, &ce) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if ce.Rounds != 2 {
		t.Fatalf("rounds %d, want 2", ce.Rounds)
	}
	if ce.Tally["yes"] != 3 || ce.Tally["no"] != 2 {
		t.Fatalf("tally %v, want yes:3 no:2", ce.Tally)
	}
}

func TestQuorumOfReceivedResponses(t *testing.T) {
	v := newValidator(t, Config{Agents: 5, Quorum: 0.7, Window: 300 * time.Millisecond, MaxRounds: 1})

	// Two agents never answer; 3 of 3 received agree: ceil(0.7*3) = 3.
	exec := func(ctx context.Context, agentID string) (*task.Response, error) {
		switch agentID {
		case "d", "e":
			<-ctx.Done()
			return nil, ctx.Err()
		default:
			return &task.Response{Output: "agree"}, nil
		}
	}
	out, err := v.Run(context.Background(), &task.Task{ID: "t1"},
		staticSelect("a", "b", "c", "d", "e"), exec)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Value != "agree" || out.Received != 3 {
		t.Fatalf("outcome %+v, want agree from 3 received", out)
	}
}

func TestWindowCloseAcceptKeepsRawOutput(t *testing.T) {
	v := newValidator(t, Config{Agents: 4, Quorum: 0.75, Window: time.Second, MaxRounds: 1})

	// Early accept needs 3 of 4; only 2 agents answer, so acceptance
	// happens after collection against the received count. Outputs carry
	// trailing whitespace that matching ignores but the accepted value
	// must preserve.
	exec := func(ctx context.Context, agentID string) (*task.Response, error) {
		switch agentID {
		case "a", "b":
			return &task.Response{Output: "approve\n"}, nil
		default:
			return nil, errors.New("agent crashed")
		}
	}
	out, err := v.Run(context.Background(), &task.Task{ID: "t1"},
		staticSelect("a", "b", "c", "d"), exec)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Value != "approve\n" {
		t.Fatalf("accepted value %q, want the agents' raw output", out.Value)
	}
	if out.Tally["approve"] != 2 {
		t.Fatalf("tally %v, want 2 votes under the normalized key", out.Tally)
	}
}

func TestEarlyQuorumDoesNotAwaitStragglers(t *testing.T) {
	v := newValidator(t, Config{Agents: 5, Quorum: 0.7, Window: 10 * time.Second, MaxRounds: 1})

	exec := func(ctx context.Context, agentID string) (*task.Response, error) {
		if agentID == "slow" {
			select {
			case <-time.After(8 * time.Second):
				return &task.Response{Output: "late"}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return &task.Response{Output: "fast"}, nil
	}

	start := time.Now()
	out, err := v.Run(context.Background(), &task.Task{ID: "t1"},
		staticSelect("a", "b", "c", "d", "slow"), exec)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Value != "fast" {
		t.Fatalf("accepted %q, want fast", out.Value)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("quorum waited %s for a straggler", elapsed)
	}
}

func TestRetryUsesFreshAgentSet(t *testing.T) {
	v := newValidator(t, Config{Agents: 3, Quorum: 0.7, Window: time.Second, MaxRounds: 2})

	var rounds [][]string
	sel := func(n int, exclude map[string]bool) ([]string, error) {
		pool := []string{"a", "b", "c", "x", "y", "z"}
		var out []string
		for _, id := range pool {
			if !exclude[id] {
				out = append(out, id)
			}
			if len(out) == n {
				break
			}
		}
		rounds = append(rounds, out)
		return out, nil
	}

	// First trio splits, second trio agrees.
	answers := map[string]string{
		"a": "1", "b": "2", "c": "3",
		"x": "ok", "y": "ok", "z": "ok",
	}
	out, err := v.Run(context.Background(), &task.Task{ID: "t1"}, sel, answersExec(answers))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Value != "ok" || out.Round != 2 {
		t.Fatalf("outcome %+v, want ok in round 2", out)
	}
	if len(rounds) != 2 {
		t.Fatalf("selection called %d times, want 2", len(rounds))
	}
	for _, id := range rounds[1] {
		if id == "a" || id == "b" || id == "c" {
			t.Fatalf("round 2 reused agent %s", id)
		}
	}
}

func TestInflightPurgedOnResolution(t *testing.T) {
	v := newValidator(t, Config{Agents: 3, Quorum: 0.7, Window: time.Second, MaxRounds: 1})
	answers := map[string]string{"a": "ok", "b": "ok", "c": "ok"}

	if _, err := v.Run(context.Background(), &task.Task{ID: "t1"},
		staticSelect("a", "b", "c"), answersExec(answers)); err != nil {
		t.Fatalf("run: %v", err)
	}
	if n := len(v.Inflight()); n != 0 {
		t.Fatalf("%d requests left in flight after resolution", n)
	}
}

func TestQuorumCountAvoidsFloatArtifacts(t *testing.T) {
	if got := quorumCount(0.7, 10); got != 7 {
		t.Fatalf("quorumCount(0.7, 10) = %d, want 7", got)
	}
	if got := quorumCount(0.7, 5); got != 4 {
		t.Fatalf("quorumCount(0.7, 5) = %d, want 4", got)
	}
	if got := quorumCount(1.0, 3); got != 3 {
		t.Fatalf("quorumCount(1.0, 3) = %d, want 3", got)
	}
}
