// Package executor fans one work unit out to every configured model executor
// and collects their candidate answers for consensus. Failures are isolated:
// one executor's error never cancels the others, and a fully failed fan-out
// is reported through the failure list so the engine can raise the typed
// all-executors-failed error.
package executor

import (
	"context"
	"fmt"

	"github.com/shelfsight/shelfscan/internal/model"
	"github.com/shelfsight/shelfscan/internal/schema"
)

// ModelExecutor is one independently configured extraction backend. Extract
// must honor ctx cancellation and return a typed error instead of a
// zero-value candidate when the backend refuses or produces garbage.
type ModelExecutor interface {
	Name() string
	Extract(ctx context.Context, req Request) (*model.Candidate, error)
}

// Request carries everything an executor needs for one extraction call.
// Retry is non-nil only on scoped re-extraction passes and names the disputed
// positions together with the comparator findings that triggered them.
type Request struct {
	Unit      model.WorkUnit
	Schema    *schema.StageSchema
	ImageRef  string
	MaxTokens int
	Retry     *model.RetryContext
}

// ExecutorError records one executor's failure for one unit. Transient marks
// errors worth retrying on a later iteration; schema exclusions and refusals
// are permanent.
type ExecutorError struct {
	Executor  string
	Stage     model.Stage
	UnitID    string
	Err       error
	Transient bool
}

func (e *ExecutorError) Error() string {
	return fmt.Sprintf("executor %s failed on unit %s: %v", e.Executor, e.UnitID, e.Err)
}

func (e *ExecutorError) Unwrap() error { return e.Err }

// Failures converts adapter failures into the model-level form carried by
// AllExecutorsFailedError.
func Failures(errs []*ExecutorError) []model.ExecutorFailure {
	out := make([]model.ExecutorFailure, 0, len(errs))
	for _, e := range errs {
		if e == nil {
			continue
		}
		out = append(out, model.ExecutorFailure{Executor: e.Executor, Err: e.Err})
	}
	return out
}
