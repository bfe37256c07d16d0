package engine

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/shelfsight/shelfscan/internal/model"
)

// ErrQueueClosed is returned by Dequeue once the queue is drained and closed.
var ErrQueueClosed = eris.New("engine: queue closed")

// Queue hands jobs to the worker pool. It is injected into the serve layer
// so a broker-backed implementation can replace the in-process one without
// touching the engine.
type Queue interface {
	Enqueue(ctx context.Context, job model.Job) error
	Dequeue(ctx context.Context) (model.Job, error)
	Len() int
	Close()
}

// MemoryQueue is a channel-backed Queue for single-process deployments.
type MemoryQueue struct {
	ch   chan model.Job
	once sync.Once
}

// NewMemoryQueue creates a queue buffering up to size pending jobs.
func NewMemoryQueue(size int) *MemoryQueue {
	if size < 1 {
		size = 1
	}
	return &MemoryQueue{ch: make(chan model.Job, size)}
}

// Enqueue adds a job, blocking while the buffer is full.
func (q *MemoryQueue) Enqueue(ctx context.Context, job model.Job) error {
	select {
	case q.ch <- job:
		return nil
	case <-ctx.Done():
		return eris.Wrap(ctx.Err(), "engine: enqueue")
	}
}

// Dequeue blocks until a job is available, the context ends, or the queue
// closes.
func (q *MemoryQueue) Dequeue(ctx context.Context) (model.Job, error) {
	select {
	case job, ok := <-q.ch:
		if !ok {
			return model.Job{}, ErrQueueClosed
		}
		return job, nil
	case <-ctx.Done():
		return model.Job{}, ctx.Err()
	}
}

// Len returns the number of buffered jobs.
func (q *MemoryQueue) Len() int { return len(q.ch) }

// Close stops the queue. Buffered jobs are still delivered; subsequent
// Dequeue calls after draining return ErrQueueClosed.
func (q *MemoryQueue) Close() {
	q.once.Do(func() { close(q.ch) })
}
