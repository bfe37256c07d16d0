package model

import "time"

// RunStatus represents the lifecycle state of an extraction run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusDone      RunStatus = "done"
	RunStatusEscalated RunStatus = "escalated"
	RunStatusAborted   RunStatus = "aborted"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusDone, RunStatusEscalated, RunStatusAborted:
		return true
	}
	return false
}

// Terminal reasons recorded on RunState.Reason.
const (
	ReasonTargetReached      = "target_reached"
	ReasonBudgetCost         = "budget_cost_exhausted"
	ReasonBudgetTime         = "budget_time_exhausted"
	ReasonIterationCeiling   = "iteration_ceiling"
	ReasonPlateau            = "accuracy_plateau"
	ReasonEmptyPlan          = "no_actionable_plan"
	ReasonCancelled          = "cancelled"
	ReasonAllExecutorsFailed = "all_executors_failed"
	ReasonComparatorFailed   = "comparator_failed"
)

// Job describes one extraction request: an image plus optional per-job
// overrides of the configured targets. ImageRef is opaque to the engine; the
// executors decide whether it is a path, a URL, or an object key.
type Job struct {
	ID             string    `json:"id"`
	ImageRef       string    `json:"image_ref"`
	TargetAccuracy float64   `json:"target_accuracy,omitempty"` // 0-100, 0 = use config
	SubmittedAt    time.Time `json:"submitted_at"`
}

// Run is a persisted extraction run.
type Run struct {
	ID        string    `json:"id"`
	Job       Job       `json:"job"`
	Status    RunStatus `json:"status"`
	State     *RunState `json:"state,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RunState is the orchestrator's snapshot of a run, persisted at stage and
// iteration boundaries. Only the engine's run loop mutates it.
type RunState struct {
	RunID          string       `json:"run_id"`
	Stage          Stage        `json:"stage"`
	Iteration      int          `json:"iteration"`
	Result         MergedResult `json:"result"`
	Budget         RunBudget    `json:"budget"`
	Accuracy       float64      `json:"accuracy"`        // latest comparator score, 0-100
	TargetAccuracy float64      `json:"target_accuracy"` // 0-100
	Incomplete     bool         `json:"incomplete"`
	Reason         string       `json:"reason,omitempty"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// MergedResult is the consensus layout assembled so far: one ExtractedItem
// per position, across all stages run to date.
type MergedResult struct {
	Items []ExtractedItem `json:"items"`
}

// ByPosition indexes the items by position label. The pointers alias the
// slice, so edits through the map are visible in Items.
func (m *MergedResult) ByPosition() map[string]*ExtractedItem {
	idx := make(map[string]*ExtractedItem, len(m.Items))
	for i := range m.Items {
		idx[m.Items[i].Position] = &m.Items[i]
	}
	return idx
}

// LockedCount returns how many items are currently locked.
func (m *MergedResult) LockedCount() int {
	n := 0
	for i := range m.Items {
		if m.Items[i].Lock == LockLocked {
			n++
		}
	}
	return n
}

// IterationRecord is the append-only audit entry written after each
// compare/decide round. The efficiency metric (locked vs. re-extracted work
// over time) is computed from these.
type IterationRecord struct {
	ID          string        `json:"id"`
	RunID       string        `json:"run_id"`
	Iteration   int           `json:"iteration"`
	Accuracy    float64       `json:"accuracy"` // 0-100
	LockedCount int           `json:"locked_count"`
	TotalCount  int           `json:"total_count"`
	Locked      []string      `json:"locked,omitempty"`
	Unlocked    []string      `json:"unlocked,omitempty"`
	Reextracted []string      `json:"reextracted,omitempty"`
	Mismatches  []Mismatch    `json:"mismatches,omitempty"`
	Decision    string        `json:"decision"`
	CostUSD     float64       `json:"cost_usd"`
	Elapsed     time.Duration `json:"elapsed"`
	CreatedAt   time.Time     `json:"created_at"`
}
