package engine

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfsight/shelfscan/internal/model"
	"github.com/shelfsight/shelfscan/internal/resilience"
)

func startPool(t *testing.T, pool *WorkerPool) (context.CancelFunc, chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Start(ctx) }()
	return cancel, done
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestWorkerPoolRunsQueuedJobs(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	cmp, _ := perfectAfter(1)
	e := newTestEngine(t, testConfig(), st, cmp, &scriptedExec{name: "alpha"}, &scriptedExec{name: "beta"})
	q := NewMemoryQueue(4)
	pool := NewWorkerPool(e, q, st, 2)

	cancel, done := startPool(t, pool)
	defer cancel()

	require.NoError(t, q.Enqueue(context.Background(), job("img-1")))
	require.NoError(t, q.Enqueue(context.Background(), job("img-2")))

	waitFor(t, func() bool {
		st.mu.Lock()
		defer st.mu.Unlock()
		doneRuns := 0
		for _, r := range st.runs {
			if r.Status == model.RunStatusDone {
				doneRuns++
			}
		}
		return doneRuns == 2
	})

	cancel()
	require.NoError(t, <-done)

	n, err := st.CountDLQ(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "successful runs must not be dead-lettered")
}

func TestWorkerPoolDeadLettersInfrastructureFailures(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	cmp := comparatorFunc(func(ctx context.Context, result *model.MergedResult, imageRef string) (*model.ComparatorReport, error) {
		return nil, eris.New("render service down")
	})
	e := newTestEngine(t, testConfig(), st, cmp, &scriptedExec{name: "alpha"}, &scriptedExec{name: "beta"})
	q := NewMemoryQueue(1)
	pool := NewWorkerPool(e, q, st, 1)

	cancel, done := startPool(t, pool)
	defer cancel()

	j := job("img-1")
	require.NoError(t, q.Enqueue(context.Background(), j))

	waitFor(t, func() bool {
		n, _ := st.CountDLQ(context.Background())
		return n == 1
	})
	cancel()
	require.NoError(t, <-done)

	entries, err := st.DequeueDLQ(context.Background(), resilience.DLQFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, j.ID, entries[0].Job.ID)
	assert.Contains(t, entries[0].Error, "render service down")
}

func TestWorkerPoolSkipsDLQForBudgetOutcomes(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Run.MaxCostUSD = 0.001
	st := newMemStore()
	cmp, _ := perfectAfter(1)
	e := newTestEngine(t, cfg, st, cmp, &scriptedExec{name: "alpha"}, &scriptedExec{name: "beta"})
	q := NewMemoryQueue(1)
	pool := NewWorkerPool(e, q, st, 1)

	cancel, done := startPool(t, pool)
	defer cancel()

	require.NoError(t, q.Enqueue(context.Background(), job("img-1")))

	waitFor(t, func() bool {
		st.mu.Lock()
		defer st.mu.Unlock()
		for _, r := range st.runs {
			if r.Status == model.RunStatusAborted {
				return true
			}
		}
		return false
	})
	cancel()
	require.NoError(t, <-done)

	n, err := st.CountDLQ(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "budget exhaustion is a run outcome, not an infrastructure failure")
}

func TestWorkerPoolStopsOnQueueClose(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	cmp, _ := perfectAfter(1)
	e := newTestEngine(t, testConfig(), st, cmp, &scriptedExec{name: "alpha"}, &scriptedExec{name: "beta"})
	q := NewMemoryQueue(1)
	pool := NewWorkerPool(e, q, st, 1)

	_, done := startPool(t, pool)
	q.Close()
	require.NoError(t, <-done)
}

func TestDeadLetterableClassification(t *testing.T) {
	t.Parallel()
	assert.False(t, deadLetterable(&model.BudgetExceededError{Dimension: model.BudgetCost}))
	assert.False(t, deadLetterable(context.Canceled))
	assert.True(t, deadLetterable(&model.AllExecutorsFailedError{UnitID: "u1"}))
	assert.True(t, deadLetterable(eris.New("store write failed")))
}
