package queue

import (
	"context"
	"sync"

	"github.com/stephnangue/wearlink/config"
	"github.com/stephnangue/wearlink/logger"
)

const defaultMemoryCapacity = 1000

// MemoryQueue is a bounded in-process queue for development and tests.
type MemoryQueue struct {
	mu     sync.RWMutex
	ch     chan *Message
	closed bool
}

// NewMemoryQueue reads "capacity" from conf.
func NewMemoryQueue(conf map[string]string, _ logger.Logger) (Publisher, error) {
	return NewMemory(config.GetInt(conf, "capacity", defaultMemoryCapacity)), nil
}

func NewMemory(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = defaultMemoryCapacity
	}
	return &MemoryQueue{ch: make(chan *Message, capacity)}
}

func (q *MemoryQueue) Publish(ctx context.Context, msg *Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return unavailable("memory", ErrClosed)
	}
	select {
	case q.ch <- msg:
		return nil
	default:
		return unavailable("memory", ErrQueueFull)
	}
}

// Messages is the consuming side.
func (q *MemoryQueue) Messages() <-chan *Message {
	return q.ch
}

// Drain removes and returns everything currently queued.
func (q *MemoryQueue) Drain() []*Message {
	var out []*Message
	for {
		select {
		case m, ok := <-q.ch:
			if !ok {
				return out
			}
			out = append(out, m)
		default:
			return out
		}
	}
}

func (q *MemoryQueue) Len() int {
	return len(q.ch)
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	return nil
}
