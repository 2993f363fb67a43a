// Package memory provides queue implementations for local development.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/scrape-gateway/internal/crawler"
)

// Queue is a bounded in-memory queue with context-aware operations.
type Queue struct {
	ch      chan crawler.QueueItem
	closeMu sync.RWMutex
	closed  bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		ch: make(chan crawler.QueueItem, capacity),
	}
}

// Enqueue pushes a job without blocking. A full queue returns
// crawler.ErrQueueFull so callers can shed load instead of holding requests.
func (q *Queue) Enqueue(ctx context.Context, job crawler.QueueItem) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("enqueue canceled: %w", err)
	}
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return crawler.ErrQueueClosed
	}
	select {
	case q.ch <- job:
		return nil
	default:
		return crawler.ErrQueueFull
	}
}

// Dequeue pops the next job, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (crawler.QueueItem, error) {
	select {
	case <-ctx.Done():
		return crawler.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case job, ok := <-q.ch:
		if !ok {
			return crawler.QueueItem{}, crawler.ErrQueueClosed
		}
		return job, nil
	}
}

// Len reports the number of queued jobs.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close closes the underlying channel for shutdown.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
