package bus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MemoryBus is an in-process publisher with channel fan-out. Subscribers
// with full buffers lose events rather than stalling the publisher.
type MemoryBus struct {
	mu     sync.Mutex
	subs   map[int]chan *Event
	nextID int
	closed bool
	logger *zap.Logger
}

// NewMemoryBus creates an in-process event bus.
func NewMemoryBus(logger *zap.Logger) *MemoryBus {
	return &MemoryBus{
		subs:   make(map[int]chan *Event),
		logger: logger,
	}
}

// Publish delivers the event to all subscribers without blocking.
func (b *MemoryBus) Publish(ctx context.Context, ev *Event) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.logger.Debug("dropping event for slow subscriber",
				zap.Int("subscriber", id),
				zap.String("type", ev.Type))
		}
	}
	return nil
}

// Subscribe returns a channel of events and a cancel func. The channel is
// closed on cancel or bus close.
func (b *MemoryBus) Subscribe(buffer int) (<-chan *Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan *Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// Close shuts down all subscriber channels.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	return nil
}
