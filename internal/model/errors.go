package model

import (
	"fmt"
	"strings"
	"time"
)

// ExecutorFailure pairs an executor name with the error it returned.
type ExecutorFailure struct {
	Executor string
	Err      error
}

// AllExecutorsFailedError reports that every configured executor failed (or
// was excluded by schema validation) for one WorkUnit. It is the only way a
// fully failed fan-out may surface: callers must never synthesize an empty
// zero-confidence result in its place.
type AllExecutorsFailedError struct {
	Stage    Stage
	UnitID   string
	Failures []ExecutorFailure
}

func (e *AllExecutorsFailedError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", f.Executor, f.Err))
	}
	return fmt.Sprintf("all executors failed for unit %s (stage %s): %s",
		e.UnitID, e.Stage, strings.Join(parts, "; "))
}

// Unwrap exposes the per-executor causes to errors.Is/As chains.
func (e *AllExecutorsFailedError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		if f.Err != nil {
			errs = append(errs, f.Err)
		}
	}
	return errs
}

// BudgetExceededError is returned when a reservation or iteration start
// would cross a budget ceiling. The run must stop before the work happens,
// not after.
type BudgetExceededError struct {
	Dimension BudgetDimension
	Limit     float64 // USD for cost, seconds for time, count for iterations
	Needed    float64
}

func (e *BudgetExceededError) Error() string {
	switch e.Dimension {
	case BudgetTime:
		return fmt.Sprintf("budget exceeded: time limit %s, need %s",
			time.Duration(e.Limit*float64(time.Second)), time.Duration(e.Needed*float64(time.Second)))
	case BudgetIterations:
		return fmt.Sprintf("budget exceeded: iteration limit %d reached", int(e.Limit))
	default:
		return fmt.Sprintf("budget exceeded: cost limit $%.4f, need $%.4f", e.Limit, e.Needed)
	}
}

// UnestimableCostError marks an operation whose cost could not be computed.
// The budget tracker fails closed on it: unknown cost is treated as
// unaffordable.
type UnestimableCostError struct {
	Executor string
	Cause    string
}

func (e *UnestimableCostError) Error() string {
	return fmt.Sprintf("cannot estimate cost for executor %s: %s", e.Executor, e.Cause)
}

// InvalidTransitionError reports an attempted state-machine transition the
// run lifecycle does not allow. It indicates a programming error in the
// engine, not a recoverable runtime condition.
type InvalidTransitionError struct {
	From string
	To   string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid run transition %s -> %s", e.From, e.To)
}
