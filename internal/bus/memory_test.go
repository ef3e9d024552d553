package bus

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestMemoryBusFanOut(t *testing.T) {
	b := NewMemoryBus(zap.NewNop())
	defer b.Close()

	ch1, cancel1 := b.Subscribe(4)
	ch2, cancel2 := b.Subscribe(4)
	defer cancel1()
	defer cancel2()

	if err := b.Publish(context.Background(), &Event{Type: EventTaskSubmitted, TaskID: "t1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	for _, ch := range []<-chan *Event{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.Type != EventTaskSubmitted || ev.TaskID != "t1" {
				t.Fatalf("unexpected event %+v", ev)
			}
			if ev.ID == "" || ev.Timestamp.IsZero() {
				t.Fatal("publish must stamp id and timestamp")
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestMemoryBusNeverBlocksOnSlowSubscriber(t *testing.T) {
	b := NewMemoryBus(zap.NewNop())
	defer b.Close()

	_, cancel := b.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			b.Publish(context.Background(), &Event{Type: EventHealthAlert})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a full subscriber")
	}
}

func TestMemoryBusCancelClosesChannel(t *testing.T) {
	b := NewMemoryBus(zap.NewNop())
	defer b.Close()

	ch, cancel := b.Subscribe(1)
	cancel()
	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel after cancel")
	}
	// Publishing after cancel must not panic.
	if err := b.Publish(context.Background(), &Event{Type: EventTaskFailed}); err != nil {
		t.Fatalf("publish after cancel: %v", err)
	}
}
