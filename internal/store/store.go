package store

import (
	"context"
	"time"

	"github.com/shelfsight/shelfscan/internal/model"
	"github.com/shelfsight/shelfscan/internal/resilience"
)

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status model.RunStatus `json:"status,omitempty"`
	Since  time.Time       `json:"since,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Offset int             `json:"offset,omitempty"`
}

// Store defines the persistence interface for extraction runs. The engine
// writes through it at stage and iteration boundaries only; mid-iteration
// state never touches the database.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, job model.Job) (*model.Run, error)
	UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error
	SaveRunState(ctx context.Context, runID string, state *model.RunState) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)

	// Iterations
	AppendIteration(ctx context.Context, runID string, rec model.IterationRecord) error
	ListIterations(ctx context.Context, runID string) ([]model.IterationRecord, error)

	// Dead letter queue
	EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error
	DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error)
	IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error
	RemoveDLQ(ctx context.Context, id string) error
	CountDLQ(ctx context.Context) (int, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// iterationDetail is the JSON detail column of the iterations table: the
// variable-size parts of an IterationRecord, kept out of the scalar columns
// the monitoring queries aggregate over.
type iterationDetail struct {
	Locked      []string         `json:"locked,omitempty"`
	Unlocked    []string         `json:"unlocked,omitempty"`
	Reextracted []string         `json:"reextracted,omitempty"`
	Mismatches  []model.Mismatch `json:"mismatches,omitempty"`
}

func detailOf(rec model.IterationRecord) iterationDetail {
	return iterationDetail{
		Locked:      rec.Locked,
		Unlocked:    rec.Unlocked,
		Reextracted: rec.Reextracted,
		Mismatches:  rec.Mismatches,
	}
}

func (d iterationDetail) apply(rec *model.IterationRecord) {
	rec.Locked = d.Locked
	rec.Unlocked = d.Unlocked
	rec.Reextracted = d.Reextracted
	rec.Mismatches = d.Mismatches
}
