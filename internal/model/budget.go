package model

import "time"

// BudgetDimension names the resource a budget decision was made on.
type BudgetDimension string

const (
	BudgetCost       BudgetDimension = "cost"
	BudgetTime       BudgetDimension = "time"
	BudgetIterations BudgetDimension = "iterations"
)

// BudgetLimits are the per-run ceilings. Zero values are rejected at config
// load; the tracker treats them as already exhausted.
type BudgetLimits struct {
	MaxIterations int           `json:"max_iterations"`
	MaxCostUSD    float64       `json:"max_cost_usd"`
	MaxDuration   time.Duration `json:"max_duration"`
}

// RunBudget is a point-in-time snapshot of budget consumption, safe to
// persist and to hand across goroutines by value.
type RunBudget struct {
	Limits      BudgetLimits  `json:"limits"`
	Iteration   int           `json:"iteration"`
	SpentUSD    float64       `json:"spent_usd"`
	ReservedUSD float64       `json:"reserved_usd"`
	Elapsed     time.Duration `json:"elapsed"`
}

// RemainingUSD returns the unreserved cost headroom, never negative.
func (b RunBudget) RemainingUSD() float64 {
	r := b.Limits.MaxCostUSD - b.SpentUSD - b.ReservedUSD
	if r < 0 {
		return 0
	}
	return r
}

// RemainingTime returns the wall-clock headroom, never negative.
func (b RunBudget) RemainingTime() time.Duration {
	r := b.Limits.MaxDuration - b.Elapsed
	if r < 0 {
		return 0
	}
	return r
}
