// Package budget enforces the per-run cost, time, and iteration ceilings.
// Every enforcement is pre-flight: work is reserved before it runs and the
// tracker refuses anything it cannot prove affordable, so a run can stop
// under budget but never over it.
package budget

import (
	"math"
	"sync"
	"time"

	"github.com/shelfsight/shelfscan/internal/model"
)

// Tracker accumulates spend against fixed limits. It is the only run state
// touched from fan-out goroutines, so all methods are mutex-serialized.
type Tracker struct {
	mu          sync.Mutex
	limits      model.BudgetLimits
	startedAt   time.Time
	iteration   int
	spentUSD    float64
	reservedUSD float64

	now func() time.Time
}

// NewTracker creates a Tracker for one run. The time budget starts counting
// immediately.
func NewTracker(limits model.BudgetLimits) *Tracker {
	t := &Tracker{limits: limits, now: time.Now}
	t.startedAt = t.now()
	return t
}

// Reserve sets aside headroom for an operation estimated at estUSD that is
// expected to run for up to estTime. It fails closed: an estimate that is
// negative, NaN, or infinite counts as unaffordable, and a reservation whose
// cost would cross the cost ceiling or whose duration would run past the
// wall-clock ceiling is refused before any work happens.
func (t *Tracker) Reserve(estUSD float64, estTime time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if math.IsNaN(estUSD) || math.IsInf(estUSD, 0) || estUSD < 0 {
		return &model.BudgetExceededError{
			Dimension: model.BudgetCost,
			Limit:     t.limits.MaxCostUSD,
			Needed:    math.Inf(1),
		}
	}
	if estTime < 0 {
		return &model.BudgetExceededError{
			Dimension: model.BudgetTime,
			Limit:     t.limits.MaxDuration.Seconds(),
			Needed:    math.Inf(1),
		}
	}
	elapsed := t.now().Sub(t.startedAt)
	if elapsed >= t.limits.MaxDuration || elapsed+estTime > t.limits.MaxDuration {
		return &model.BudgetExceededError{
			Dimension: model.BudgetTime,
			Limit:     t.limits.MaxDuration.Seconds(),
			Needed:    (elapsed + estTime).Seconds(),
		}
	}
	if t.spentUSD+t.reservedUSD+estUSD > t.limits.MaxCostUSD {
		return &model.BudgetExceededError{
			Dimension: model.BudgetCost,
			Limit:     t.limits.MaxCostUSD,
			Needed:    t.spentUSD + t.reservedUSD + estUSD,
		}
	}
	t.reservedUSD += estUSD
	return nil
}

// Commit settles a reservation: the estimate is released and the actual
// spend recorded. actualUSD may exceed the estimate; the overshoot is
// charged and starves the next Reserve instead of being hidden.
func (t *Tracker) Commit(estUSD, actualUSD float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.reservedUSD -= estUSD
	if t.reservedUSD < 0 {
		t.reservedUSD = 0
	}
	if actualUSD > 0 {
		t.spentUSD += actualUSD
	}
}

// StartIteration counts an iteration against the ceiling. It errors when the
// ceiling is already reached, before the iteration's work begins.
func (t *Tracker) StartIteration() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.iteration+1 > t.limits.MaxIterations {
		return &model.BudgetExceededError{
			Dimension: model.BudgetIterations,
			Limit:     float64(t.limits.MaxIterations),
			Needed:    float64(t.iteration + 1),
		}
	}
	t.iteration++
	return nil
}

// Iteration returns the current iteration number, 0 before the first
// StartIteration.
func (t *Tracker) Iteration() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.iteration
}

// ExceededTime reports whether the wall-clock ceiling has passed.
func (t *Tracker) ExceededTime() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.now().Sub(t.startedAt) >= t.limits.MaxDuration
}

// Remaining returns a snapshot of consumption, safe to persist or log.
func (t *Tracker) Remaining() model.RunBudget {
	t.mu.Lock()
	defer t.mu.Unlock()

	return model.RunBudget{
		Limits:      t.limits,
		Iteration:   t.iteration,
		SpentUSD:    t.spentUSD,
		ReservedUSD: t.reservedUSD,
		Elapsed:     t.now().Sub(t.startedAt),
	}
}
