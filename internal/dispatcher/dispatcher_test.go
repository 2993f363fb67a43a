package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-gateway/internal/crawler"
	"github.com/JakeFAU/scrape-gateway/internal/worker"
)

// TestDispatcherRunStartsWorkers ensures workers begin processing and stop on cancel.
func TestDispatcherRunStartsWorkers(t *testing.T) {
	t.Parallel()

	queue := &blockingQueue{started: make(chan struct{}, 1)}
	w := worker.New(worker.Deps{Queue: queue}, worker.Config{}, zap.NewNop())
	dispatch := New(queue, []Runner{w})
	require.False(t, dispatch.Running())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		dispatch.Run(ctx)
		close(done)
	}()

	select {
	case <-queue.started:
	case <-time.After(time.Second):
		t.Fatal("worker did not begin dequeuing")
	}
	require.True(t, dispatch.Running())

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
	require.False(t, dispatch.Running())
}

// TestDispatcherEnqueueForwardsErrors verifies queue errors are wrapped for callers.
func TestDispatcherEnqueueForwardsErrors(t *testing.T) {
	t.Parallel()

	dispatch := New(&errorQueue{err: crawler.ErrQueueFull}, nil)

	err := dispatch.Enqueue(context.Background(), crawler.QueueItem{JobID: "job"})
	require.EqualError(t, err, "queue enqueue: queue is full")
	require.True(t, errors.Is(err, crawler.ErrQueueFull))
}

type blockingQueue struct {
	started chan struct{}
}

func (q *blockingQueue) Enqueue(_ context.Context, _ crawler.QueueItem) error {
	return nil
}

func (q *blockingQueue) Dequeue(ctx context.Context) (crawler.QueueItem, error) {
	select {
	case q.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return crawler.QueueItem{}, fmt.Errorf("blocking dequeue canceled: %w", ctx.Err())
}

type errorQueue struct {
	err error
}

func (q *errorQueue) Enqueue(context.Context, crawler.QueueItem) error {
	return q.err
}

func (q *errorQueue) Dequeue(context.Context) (crawler.QueueItem, error) {
	return crawler.QueueItem{}, nil
}
