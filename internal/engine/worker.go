package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shelfsight/shelfscan/internal/model"
	"github.com/shelfsight/shelfscan/internal/resilience"
	"github.com/shelfsight/shelfscan/internal/store"
)

// WorkerPool drains the job queue with a fixed number of workers, each
// driving Engine.Run for one job at a time. Infrastructure failures land in
// the dead letter queue for later retry; run outcomes (budget, plateau,
// accuracy) are persisted results and never re-enqueued.
type WorkerPool struct {
	engine  *Engine
	queue   Queue
	store   store.Store
	workers int
}

// NewWorkerPool sizes a pool over queue. workers below 1 is clamped to 1.
func NewWorkerPool(e *Engine, q Queue, st store.Store, workers int) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	return &WorkerPool{engine: e, queue: q, store: st, workers: workers}
}

// Start runs the workers until ctx ends or the queue closes. It blocks; run
// it on its own goroutine next to the HTTP server.
func (w *WorkerPool) Start(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)
	for i := 0; i < w.workers; i++ {
		g.Go(func() error {
			return w.work(gCtx, i)
		})
	}
	return g.Wait()
}

func (w *WorkerPool) work(ctx context.Context, id int) error {
	log := zap.L().With(zap.Int("worker", id))
	log.Info("worker: started")
	for {
		job, err := w.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, ErrQueueClosed) {
				log.Info("worker: stopping")
				return nil
			}
			return err
		}

		state, runErr := w.engine.Run(ctx, job)
		if runErr == nil {
			continue
		}
		log.Warn("worker: run failed",
			zap.String("job", job.ID),
			zap.Error(runErr))
		if !deadLetterable(runErr) {
			continue
		}
		w.deadLetter(ctx, job, state, runErr)
	}
}

// deadLetterable reports whether a run failure is worth retrying later.
// Budget exhaustion is a correct outcome of the run, and cancellation is the
// operator's call; neither belongs in the DLQ.
func deadLetterable(err error) bool {
	var bErr *model.BudgetExceededError
	if errors.As(err, &bErr) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

func (w *WorkerPool) deadLetter(ctx context.Context, job model.Job, state *model.RunState, runErr error) {
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	entry := resilience.DLQEntry{
		ID:           uuid.New().String(),
		Job:          job,
		Error:        runErr.Error(),
		ErrorType:    resilience.ClassifyError(runErr),
		MaxRetries:   3,
		NextRetryAt:  time.Now().UTC().Add(15 * time.Minute),
		CreatedAt:    time.Now().UTC(),
		LastFailedAt: time.Now().UTC(),
	}
	if err := w.store.EnqueueDLQ(ctx, entry); err != nil {
		zap.L().Error("worker: dead letter enqueue failed",
			zap.String("job", job.ID), zap.Error(err))
		return
	}
	runID := ""
	if state != nil {
		runID = state.RunID
	}
	zap.L().Info("worker: job dead-lettered",
		zap.String("job", job.ID),
		zap.String("run", runID),
		zap.String("error_type", entry.ErrorType))
}
