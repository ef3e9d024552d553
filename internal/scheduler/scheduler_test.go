package scheduler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/overseer/internal/agent"
	"github.com/nidhogg/overseer/internal/health"
	"github.com/nidhogg/overseer/internal/registry"
	"github.com/nidhogg/overseer/internal/task"
)

func newTestScheduler(t *testing.T, capacity int, maxConcurrent int) (*Scheduler, *registry.Registry) {
	t.Helper()
	tracker := health.NewTracker(64, zap.NewNop())
	reg := registry.New(registry.Config{MaxConcurrent: maxConcurrent}, tracker, nil, zap.NewNop())
	return New(reg, capacity, zap.NewNop()), reg
}

func addAgent(t *testing.T, reg *registry.Registry, id string, caps ...agent.Capability) {
	t.Helper()
	inv := agent.InvokerFunc(func(ctx context.Context, req *task.Request) (*task.Response, error) {
		return &task.Response{Output: "ok"}, nil
	})
	if err := reg.Register(&agent.Descriptor{ID: id, Type: "worker", Capabilities: caps}, inv); err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
	if err := reg.Start(context.Background(), id); err != nil {
		t.Fatalf("start %s: %v", id, err)
	}
}

func TestCriticalJumpsQueuedStandardTasks(t *testing.T) {
	s, _ := newTestScheduler(t, 64, 1)

	for i := 0; i < 10; i++ {
		if err := s.Enqueue(&task.Task{ID: fmt.Sprintf("std-%d", i), Priority: task.PriorityStandard}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	if err := s.Enqueue(&task.Task{ID: "crit", Priority: task.PriorityCritical}); err != nil {
		t.Fatalf("enqueue critical: %v", err)
	}

	got := s.Dequeue()
	if got == nil || got.Task.ID != "crit" {
		t.Fatalf("dequeued %v, want crit", got)
	}
	// Standard tasks then come out in arrival order.
	if next := s.Dequeue(); next.Task.ID != "std-0" {
		t.Fatalf("dequeued %s, want std-0", next.Task.ID)
	}
}

func TestPriorityOrdering(t *testing.T) {
	s, _ := newTestScheduler(t, 64, 1)
	s.Enqueue(&task.Task{ID: "s", Priority: task.PriorityStandard})
	s.Enqueue(&task.Task{ID: "h", Priority: task.PriorityHigh})
	s.Enqueue(&task.Task{ID: "c", Priority: task.PriorityCritical})

	var order []string
	for qd := s.Dequeue(); qd != nil; qd = s.Dequeue() {
		order = append(order, qd.Task.ID)
	}
	want := []string{"c", "h", "s"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order %v, want %v", order, want)
		}
	}
}

func TestQueueCapacity(t *testing.T) {
	s, _ := newTestScheduler(t, 2, 1)
	s.Enqueue(&task.Task{ID: "t1"})
	s.Enqueue(&task.Task{ID: "t2"})
	err := s.Enqueue(&task.Task{ID: "t3"})
	if !errors.Is(err, task.ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}
}

func TestRequeuePreservesPosition(t *testing.T) {
	s, _ := newTestScheduler(t, 64, 1)
	s.Enqueue(&task.Task{ID: "first"})
	s.Enqueue(&task.Task{ID: "second"})

	qd := s.Dequeue()
	if qd.Task.ID != "first" {
		t.Fatalf("dequeued %s, want first", qd.Task.ID)
	}
	s.Requeue(qd)
	if got := s.Dequeue(); got.Task.ID != "first" {
		t.Fatalf("requeued task lost its position, got %s", got.Task.ID)
	}
}

func TestRemoveCancelsPendingTask(t *testing.T) {
	s, _ := newTestScheduler(t, 64, 1)
	s.Enqueue(&task.Task{ID: "t1"})
	if !s.Remove("t1") {
		t.Fatal("remove failed for queued task")
	}
	if s.Remove("t1") {
		t.Fatal("remove succeeded twice")
	}
	if s.Depth() != 0 {
		t.Fatalf("depth %d after remove, want 0", s.Depth())
	}
}

func TestExpireOverdue(t *testing.T) {
	s, _ := newTestScheduler(t, 64, 1)
	s.Enqueue(&task.Task{ID: "late", Deadline: time.Now().Add(-time.Second)})
	s.Enqueue(&task.Task{ID: "fine", Deadline: time.Now().Add(time.Hour)})
	s.Enqueue(&task.Task{ID: "open"})

	overdue := s.ExpireOverdue(time.Now())
	if len(overdue) != 1 || overdue[0].ID != "late" {
		t.Fatalf("overdue %v, want [late]", overdue)
	}
	if s.Depth() != 2 {
		t.Fatalf("depth %d after expiry, want 2", s.Depth())
	}
}

func TestSelectByCapability(t *testing.T) {
	s, reg := newTestScheduler(t, 64, 4)
	addAgent(t, reg, "travel-1", "travel")
	addAgent(t, reg, "money-1", "financial")

	ids, err := s.Select("travel", 1, nil)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if ids[0] != "travel-1" {
		t.Fatalf("selected %s, want travel-1", ids[0])
	}

	if _, err := s.Select("crisis", 1, nil); !errors.Is(err, ErrNoAgents) {
		t.Fatalf("expected ErrNoAgents, got %v", err)
	}
}

func TestSelectRoundRobinOnTies(t *testing.T) {
	s, reg := newTestScheduler(t, 64, 4)
	addAgent(t, reg, "a", "travel")
	addAgent(t, reg, "b", "travel")
	addAgent(t, reg, "c", "travel")

	seen := make(map[string]int)
	for i := 0; i < 6; i++ {
		ids, err := s.Select("travel", 1, nil)
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		seen[ids[0]]++
	}
	for _, id := range []string{"a", "b", "c"} {
		if seen[id] != 2 {
			t.Fatalf("round-robin skew: %v", seen)
		}
	}
}

func TestSelectPrefersLeastLoaded(t *testing.T) {
	s, reg := newTestScheduler(t, 64, 4)
	addAgent(t, reg, "busy", "travel")
	addAgent(t, reg, "idle", "travel")
	reg.Acquire("busy")

	for i := 0; i < 3; i++ {
		ids, err := s.Select("travel", 1, nil)
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		if ids[0] != "idle" {
			t.Fatalf("selected %s, want idle", ids[0])
		}
	}
}

func TestSelectDistinctWithExclusion(t *testing.T) {
	s, reg := newTestScheduler(t, 64, 4)
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		addAgent(t, reg, id, "travel")
	}

	ids, err := s.Select("travel", 3, map[string]bool{"a": true, "b": true})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("selected %d agents, want 3", len(ids))
	}
	seen := make(map[string]bool)
	for _, id := range ids {
		if id == "a" || id == "b" {
			t.Fatalf("excluded agent %s selected", id)
		}
		if seen[id] {
			t.Fatalf("duplicate agent %s in selection", id)
		}
		seen[id] = true
	}
}
