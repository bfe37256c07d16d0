// Package monitoring aggregates fleet health over stored runs: terminal
// state mix, spend, accuracy, and how much work the iteration loop saved by
// locking instead of re-extracting.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/shelfsight/shelfscan/internal/model"
	"github.com/shelfsight/shelfscan/internal/store"
)

// MetricsSnapshot holds a point-in-time view of extraction fleet health.
type MetricsSnapshot struct {
	// Run outcomes within the lookback window.
	RunsTotal     int     `json:"runs_total"`
	RunsDone      int     `json:"runs_done"`
	RunsEscalated int     `json:"runs_escalated"`
	RunsAborted   int     `json:"runs_aborted"`
	RunsActive    int     `json:"runs_active"` // queued or running
	AbortRate     float64 `json:"abort_rate"`
	EscalateRate  float64 `json:"escalate_rate"`

	// Aggregates over runs that carried final state.
	TotalCostUSD  float64 `json:"total_cost_usd"`
	AvgAccuracy   float64 `json:"avg_accuracy"`   // mean final accuracy, 0-100
	AvgIterations float64 `json:"avg_iterations"` // mean compare rounds per run
	AvgEfficiency float64 `json:"avg_efficiency"` // mean locked/total across iteration records

	// DLQ depth (not windowed; it is a backlog).
	DLQDepth int `json:"dlq_depth"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Collector gathers metrics from the run store.
type Collector struct {
	store store.Store
}

// NewCollector creates a metrics collector over st.
func NewCollector(st store.Store) *Collector {
	return &Collector{store: st}
}

// Collect computes a snapshot over runs created in the last lookbackHours.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   time.Now().UTC(),
	}
	cutoff := time.Now().UTC().Add(-time.Duration(lookbackHours) * time.Hour)

	runs, err := c.store.ListRuns(ctx, store.RunFilter{Since: cutoff, Limit: 10000})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	snap.RunsTotal = len(runs)
	var accuracySum float64
	var accuracyRuns int
	var iterationSum, iterationRuns int
	var efficiencySum float64
	var efficiencyRecords int

	for _, r := range runs {
		switch r.Status {
		case model.RunStatusDone:
			snap.RunsDone++
		case model.RunStatusEscalated:
			snap.RunsEscalated++
		case model.RunStatusAborted:
			snap.RunsAborted++
		default:
			snap.RunsActive++
		}

		if r.State != nil {
			snap.TotalCostUSD += r.State.Budget.SpentUSD
			if r.Status.Terminal() {
				accuracySum += r.State.Accuracy
				accuracyRuns++
				iterationSum += r.State.Iteration
				iterationRuns++
			}
		}
		if !r.Status.Terminal() {
			continue
		}

		recs, err := c.store.ListIterations(ctx, r.ID)
		if err != nil {
			return nil, eris.Wrapf(err, "monitoring: list iterations for %s", r.ID)
		}
		for _, rec := range recs {
			if rec.TotalCount > 0 {
				efficiencySum += float64(rec.LockedCount) / float64(rec.TotalCount)
				efficiencyRecords++
			}
		}
	}

	finished := snap.RunsDone + snap.RunsEscalated + snap.RunsAborted
	if finished > 0 {
		snap.AbortRate = float64(snap.RunsAborted) / float64(finished)
		snap.EscalateRate = float64(snap.RunsEscalated) / float64(finished)
	}
	if accuracyRuns > 0 {
		snap.AvgAccuracy = accuracySum / float64(accuracyRuns)
	}
	if iterationRuns > 0 {
		snap.AvgIterations = float64(iterationSum) / float64(iterationRuns)
	}
	if efficiencyRecords > 0 {
		snap.AvgEfficiency = efficiencySum / float64(efficiencyRecords)
	}

	dlqCount, err := c.store.CountDLQ(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count dlq")
	}
	snap.DLQDepth = dlqCount

	return snap, nil
}
