package budget

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfsight/shelfscan/internal/model"
)

func testLimits() model.BudgetLimits {
	return model.BudgetLimits{
		MaxIterations: 3,
		MaxCostUSD:    1.00,
		MaxDuration:   5 * time.Minute,
	}
}

// fixedClock pins the tracker's clock for time-budget tests.
func fixedClock(t *Tracker, at time.Time) func(time.Time) {
	t.now = func() time.Time { return at }
	t.startedAt = at
	return func(new time.Time) { t.now = func() time.Time { return new } }
}

func TestReserveCommitAccounting(t *testing.T) {
	t.Parallel()
	tr := NewTracker(testLimits())

	require.NoError(t, tr.Reserve(0.30, 0))
	require.NoError(t, tr.Reserve(0.30, 0))

	snap := tr.Remaining()
	assert.InDelta(t, 0.60, snap.ReservedUSD, 0.001)
	assert.InDelta(t, 0.40, snap.RemainingUSD(), 0.001)

	// Third reservation would cross the ceiling.
	err := tr.Reserve(0.50, 0)
	require.Error(t, err)
	var be *model.BudgetExceededError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, model.BudgetCost, be.Dimension)

	// Settle one reservation cheaper than estimated; headroom returns.
	tr.Commit(0.30, 0.10)
	require.NoError(t, tr.Reserve(0.50, 0))

	snap = tr.Remaining()
	assert.InDelta(t, 0.10, snap.SpentUSD, 0.001)
	assert.InDelta(t, 0.80, snap.ReservedUSD, 0.001)
}

func TestReserveFailsClosedOnUnestimableCost(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		est  float64
	}{
		{name: "NaN", est: math.NaN()},
		{name: "positive infinity", est: math.Inf(1)},
		{name: "negative", est: -0.01},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tr := NewTracker(testLimits())
			err := tr.Reserve(tt.est, 0)
			require.Error(t, err)
			var be *model.BudgetExceededError
			require.True(t, errors.As(err, &be))
			assert.Equal(t, model.BudgetCost, be.Dimension)
			// Nothing was reserved.
			assert.Zero(t, tr.Remaining().ReservedUSD)
		})
	}
}

func TestCommitOvershootStarvesNextReserve(t *testing.T) {
	t.Parallel()
	tr := NewTracker(testLimits())

	require.NoError(t, tr.Reserve(0.20, 0))
	tr.Commit(0.20, 0.95) // actual far above estimate

	err := tr.Reserve(0.10, 0)
	require.Error(t, err)
	assert.InDelta(t, 0.95, tr.Remaining().SpentUSD, 0.001)
}

func TestReserveTimeCeiling(t *testing.T) {
	t.Parallel()
	tr := NewTracker(testLimits())
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	advance := fixedClock(tr, start)

	require.NoError(t, tr.Reserve(0.10, 0))
	assert.False(t, tr.ExceededTime())

	advance(start.Add(6 * time.Minute))
	assert.True(t, tr.ExceededTime())

	err := tr.Reserve(0.01, 0)
	require.Error(t, err)
	var be *model.BudgetExceededError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, model.BudgetTime, be.Dimension)
}

func TestReserveTimeEstimateFailsClosed(t *testing.T) {
	t.Parallel()
	tr := NewTracker(testLimits())
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	advance := fixedClock(tr, start)

	// Four minutes in: a one-minute operation still fits, a two-minute one
	// would run past the five-minute ceiling and is refused up front.
	advance(start.Add(4 * time.Minute))
	require.NoError(t, tr.Reserve(0.01, time.Minute))

	err := tr.Reserve(0.01, 2*time.Minute)
	require.Error(t, err)
	var be *model.BudgetExceededError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, model.BudgetTime, be.Dimension)
	assert.InDelta(t, 6*60.0, be.Needed, 0.001)

	// A negative duration is a caller bug; it counts as unaffordable.
	err = tr.Reserve(0.01, -time.Second)
	require.Error(t, err)
	require.True(t, errors.As(err, &be))
	assert.Equal(t, model.BudgetTime, be.Dimension)
}

func TestStartIterationCeiling(t *testing.T) {
	t.Parallel()
	tr := NewTracker(testLimits())

	for i := 1; i <= 3; i++ {
		require.NoError(t, tr.StartIteration())
		assert.Equal(t, i, tr.Iteration())
	}

	err := tr.StartIteration()
	require.Error(t, err)
	var be *model.BudgetExceededError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, model.BudgetIterations, be.Dimension)
	assert.Equal(t, 3, tr.Iteration())
}

func TestConcurrentReserveNeverOvercommits(t *testing.T) {
	t.Parallel()
	tr := NewTracker(model.BudgetLimits{
		MaxIterations: 1,
		MaxCostUSD:    1.00,
		MaxDuration:   time.Hour,
	})

	var wg sync.WaitGroup
	granted := make(chan struct{}, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tr.Reserve(0.05, 0) == nil {
				granted <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(granted)

	n := 0
	for range granted {
		n++
	}
	assert.Equal(t, 20, n, "exactly 20 x $0.05 reservations fit in $1.00")

	snap := tr.Remaining()
	assert.LessOrEqual(t, snap.SpentUSD+snap.ReservedUSD, snap.Limits.MaxCostUSD+1e-9)
}
