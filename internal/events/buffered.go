package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// flushTimeout bounds how long Close waits for queued events
const flushTimeout = 10 * time.Second

// Buffered queues events in memory and hands them to the next publisher
// from a single goroutine, so a slow or unreachable broker never blocks
// the caller. Events are dropped when the buffer is full.
type Buffered struct {
	next   Publisher
	queue  chan Event
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewBuffered starts draining into next. size <= 0 uses 256.
func NewBuffered(next Publisher, size int, logger *slog.Logger) *Buffered {
	if size <= 0 {
		size = 256
	}

	b := &Buffered{
		next:   next,
		queue:  make(chan Event, size),
		logger: logger,
		done:   make(chan struct{}),
	}
	go b.drain()
	return b
}

// Publish enqueues ev without waiting for the broker
func (b *Buffered) Publish(ctx context.Context, ev Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrPublisherClosed
	}

	select {
	case b.queue <- ev:
		return nil
	default:
		return ErrBufferFull
	}
}

func (b *Buffered) drain() {
	defer close(b.done)

	for ev := range b.queue {
		if err := b.next.Publish(context.Background(), ev); err != nil {
			b.logger.Warn("failed to publish event", "type", ev.Type, "batch_id", ev.BatchID, "error", err)
		}
	}
}

// Close flushes queued events and closes the next publisher
func (b *Buffered) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.queue)
	b.mu.Unlock()

	select {
	case <-b.done:
	case <-time.After(flushTimeout):
		b.logger.Warn("gave up flushing events", "dropped", len(b.queue))
	}
	return b.next.Close()
}
