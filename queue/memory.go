package queue

import (
	"context"
	"sync"
	"time"

	"github.com/goliatone/go-billing-events/core"
)

// MemoryQueue is a process-local FIFO with the same blocking contract as
// RedisQueue. Used for tests and single-process runs.
type MemoryQueue struct {
	mu     sync.Mutex
	items  [][]byte
	notify chan struct{}
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{notify: make(chan struct{})}
}

func (q *MemoryQueue) Enqueue(_ context.Context, raw []byte) error {
	q.mu.Lock()
	q.items = append(q.items, append([]byte(nil), raw...))
	close(q.notify)
	q.notify = make(chan struct{})
	q.mu.Unlock()
	return nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context, timeout time.Duration) ([]byte, bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return item, true, nil
		}
		wait := q.notify
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-timer.C:
			return nil, false, nil
		case <-wait:
		}
	}
}

func (q *MemoryQueue) Depth(context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.items)), nil
}

var _ core.EventQueue = (*MemoryQueue)(nil)
