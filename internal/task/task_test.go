package task

import (
	"errors"
	"testing"
	"time"
)

func TestTransitionTable(t *testing.T) {
	legal := []struct{ from, to Status }{
		{StatusPending, StatusAssigned},
		{StatusPending, StatusFailed},
		{StatusAssigned, StatusExecuting},
		{StatusAssigned, StatusPending},
		{StatusExecuting, StatusAwaitingConsensus},
		{StatusExecuting, StatusCompleted},
		{StatusExecuting, StatusFailed},
		{StatusAwaitingConsensus, StatusCompleted},
		{StatusAwaitingConsensus, StatusFailed},
	}
	for _, tc := range legal {
		if err := Transition(tc.from, tc.to); err != nil {
			t.Errorf("expected %s → %s legal: %v", tc.from, tc.to, err)
		}
	}

	illegal := []struct{ from, to Status }{
		{StatusPending, StatusExecuting},
		{StatusPending, StatusCompleted},
		{StatusCompleted, StatusPending},
		{StatusFailed, StatusExecuting},
		{StatusAssigned, StatusCompleted},
	}
	for _, tc := range illegal {
		if err := Transition(tc.from, tc.to); err == nil {
			t.Errorf("expected %s → %s illegal", tc.from, tc.to)
		}
	}
}

func TestStoreUpdateValidatesTransitions(t *testing.T) {
	s := NewStore()
	s.Create(&Task{ID: "t1", Status: StatusPending})

	// Pending → completed is not legal.
	err := s.Update("t1", func(tk *Task) error {
		tk.Status = StatusCompleted
		return nil
	})
	if err == nil {
		t.Fatal("expected illegal transition error")
	}

	got, err := s.Get("t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusPending {
		t.Fatalf("status mutated by failed update: %s", got.Status)
	}

	if err := s.Update("t1", func(tk *Task) error {
		tk.Status = StatusAssigned
		tk.AgentIDs = []string{"agent-1"}
		return nil
	}); err != nil {
		t.Fatalf("assign: %v", err)
	}
}

func TestStoreGetReturnsCopy(t *testing.T) {
	s := NewStore()
	s.Create(&Task{ID: "t1", Status: StatusPending, AgentIDs: []string{"a"}})

	got, _ := s.Get("t1")
	got.AgentIDs[0] = "mutated"
	got.Status = StatusFailed

	again, _ := s.Get("t1")
	if again.AgentIDs[0] != "a" || again.Status != StatusPending {
		t.Fatal("store state leaked through Get copy")
	}
}

func TestStoreUnknownID(t *testing.T) {
	s := NewStore()
	if _, err := s.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.Update("nope", func(*Task) error { return nil }); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStorePurgeKeepsLiveTasks(t *testing.T) {
	s := NewStore()
	s.Create(&Task{ID: "live", Status: StatusPending})
	s.Create(&Task{ID: "done", Status: StatusCompleted})

	// Force the terminal task's UpdatedAt into the past.
	s.mu.Lock()
	s.tasks["done"].UpdatedAt = time.Now().Add(-time.Hour)
	s.mu.Unlock()

	removed := s.Purge(30 * time.Minute)
	if len(removed) != 1 || removed[0] != "done" {
		t.Fatalf("purge removed %v, want [done]", removed)
	}
	if _, err := s.Get("live"); err != nil {
		t.Fatalf("live task purged: %v", err)
	}
}

func TestTransientClassification(t *testing.T) {
	base := errors.New("connection reset")
	if IsTransient(base) {
		t.Fatal("bare error must not be transient")
	}
	wrapped := Transient(base)
	if !IsTransient(wrapped) {
		t.Fatal("wrapped error must be transient")
	}
	if !errors.Is(wrapped, base) {
		t.Fatal("Transient must preserve the error chain")
	}
	if Transient(nil) != nil {
		t.Fatal("Transient(nil) must be nil")
	}
}

func TestParsePriority(t *testing.T) {
	for in, want := range map[string]Priority{
		"critical": PriorityCritical,
		"high":     PriorityHigh,
		"standard": PriorityStandard,
		"":         PriorityStandard,
	} {
		got, err := ParsePriority(in)
		if err != nil || got != want {
			t.Errorf("ParsePriority(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParsePriority("urgent"); err == nil {
		t.Error("expected error for unknown priority")
	}
}
