package executor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfsight/shelfscan/internal/budget"
	"github.com/shelfsight/shelfscan/internal/config"
	"github.com/shelfsight/shelfscan/internal/cost"
	"github.com/shelfsight/shelfscan/internal/model"
	"github.com/shelfsight/shelfscan/internal/resilience"
	"github.com/shelfsight/shelfscan/internal/schema"
)

type fakeExecutor struct {
	name  string
	fn    func(ctx context.Context, req Request) (*model.Candidate, error)
	calls atomic.Int32
}

func (f *fakeExecutor) Name() string { return f.name }

func (f *fakeExecutor) Extract(ctx context.Context, req Request) (*model.Candidate, error) {
	f.calls.Add(1)
	return f.fn(ctx, req)
}

func goodCandidate() *model.Candidate {
	return &model.Candidate{
		Items: []model.CandidateItem{{
			Position: "shelf:2/slot:1",
			Payload:  map[string]any{"brand": "Acme", "name": "Granola 500g", "facings": 2},
		}},
		InputTokens:  1500,
		OutputTokens: 300,
	}
}

func testRates() cost.Rates {
	return cost.Rates{
		Models: map[string]cost.ModelRate{
			"model-a": {PerCall: 0.01},
			"model-b": {PerCall: 0.02},
		},
		ComparatorPerCall: 0.01,
	}
}

func execCfg(name, modelID string) config.ExecutorConfig {
	return config.ExecutorConfig{Name: name, Model: modelID, TimeoutSecs: 5, MaxTokens: 2048}
}

func newTestAdapter(t *testing.T, execs []ModelExecutor, cfgs []config.ExecutorConfig, opts ...Option) (*Adapter, *budget.Tracker) {
	t.Helper()
	tracker := budget.NewTracker(model.BudgetLimits{
		MaxIterations: 10, MaxCostUSD: 10, MaxDuration: time.Minute,
	})
	a, err := NewAdapter(schema.Default(), cost.NewCalculator(testRates()), execs, cfgs, opts...)
	require.NoError(t, err)
	return a, tracker
}

func bandUnit() model.WorkUnit {
	return model.WorkUnit{ID: "run1/items/shelf:2", Stage: model.StageItems, Scope: model.Scope{Shelf: 2}}
}

func TestAdapterRunAllSucceed(t *testing.T) {
	t.Parallel()
	slow := &fakeExecutor{name: "alpha", fn: func(ctx context.Context, req Request) (*model.Candidate, error) {
		time.Sleep(20 * time.Millisecond)
		return goodCandidate(), nil
	}}
	fast := &fakeExecutor{name: "beta", fn: func(ctx context.Context, req Request) (*model.Candidate, error) {
		return goodCandidate(), nil
	}}
	a, tracker := newTestAdapter(t,
		[]ModelExecutor{fast, slow},
		[]config.ExecutorConfig{execCfg("alpha", "model-a"), execCfg("beta", "model-b")})

	cands, errs := a.Run(context.Background(), tracker, bandUnit(), "img-1", nil)
	require.Empty(t, errs)
	require.Len(t, cands, 2)

	// Priority order regardless of completion order.
	assert.Equal(t, "alpha", cands[0].Executor)
	assert.Equal(t, "beta", cands[1].Executor)
	assert.Equal(t, model.StageItems, cands[0].Stage)
	assert.Equal(t, "run1/items/shelf:2", cands[0].UnitID)
	assert.InDelta(t, 0.01, cands[0].CostUSD, 1e-9)
	assert.InDelta(t, 0.03, tracker.Remaining().SpentUSD, 1e-9)
}

func TestAdapterRunPartialFailure(t *testing.T) {
	t.Parallel()
	ok := &fakeExecutor{name: "alpha", fn: func(ctx context.Context, req Request) (*model.Candidate, error) {
		return goodCandidate(), nil
	}}
	down := &fakeExecutor{name: "beta", fn: func(ctx context.Context, req Request) (*model.Candidate, error) {
		return nil, resilience.NewTransientError(eris.New("upstream overloaded"), 529)
	}}
	a, tracker := newTestAdapter(t,
		[]ModelExecutor{ok, down},
		[]config.ExecutorConfig{execCfg("alpha", "model-a"), execCfg("beta", "model-b")})

	cands, errs := a.Run(context.Background(), tracker, bandUnit(), "img-1", nil)
	require.Len(t, cands, 1)
	assert.Equal(t, "alpha", cands[0].Executor)

	require.Len(t, errs, 1)
	assert.Equal(t, "beta", errs[0].Executor)
	assert.True(t, errs[0].Transient)
}

func TestAdapterRunAllFail(t *testing.T) {
	t.Parallel()
	boom := func(name string) *fakeExecutor {
		return &fakeExecutor{name: name, fn: func(ctx context.Context, req Request) (*model.Candidate, error) {
			return nil, eris.New("invalid api key")
		}}
	}
	a, tracker := newTestAdapter(t,
		[]ModelExecutor{boom("alpha"), boom("beta")},
		[]config.ExecutorConfig{execCfg("alpha", "model-a"), execCfg("beta", "model-b")})

	cands, errs := a.Run(context.Background(), tracker, bandUnit(), "img-1", nil)
	assert.Empty(t, cands)
	require.Len(t, errs, 2)

	failures := Failures(errs)
	require.Len(t, failures, 2)
	assert.Equal(t, "alpha", failures[0].Executor)
	assert.Equal(t, "beta", failures[1].Executor)
}

func TestAdapterExcludesSchemaInvalidCandidate(t *testing.T) {
	t.Parallel()
	invalid := &fakeExecutor{name: "alpha", fn: func(ctx context.Context, req Request) (*model.Candidate, error) {
		return &model.Candidate{Items: []model.CandidateItem{{
			Position: "shelf:2/slot:1",
			Payload:  map[string]any{"name": "Granola 500g"}, // brand required
		}}}, nil
	}}
	a, tracker := newTestAdapter(t,
		[]ModelExecutor{invalid},
		[]config.ExecutorConfig{execCfg("alpha", "model-a")})

	cands, errs := a.Run(context.Background(), tracker, bandUnit(), "img-1", nil)
	assert.Empty(t, cands)
	require.Len(t, errs, 1)
	assert.False(t, errs[0].Transient)
	assert.Contains(t, errs[0].Err.Error(), "schema validation")
}

func TestAdapterExcludesBadPositionGrammar(t *testing.T) {
	t.Parallel()
	offGrid := &fakeExecutor{name: "alpha", fn: func(ctx context.Context, req Request) (*model.Candidate, error) {
		return &model.Candidate{Items: []model.CandidateItem{{
			Position: "row 2, third from left",
			Payload:  map[string]any{"brand": "Acme", "name": "Granola 500g"},
		}}}, nil
	}}
	a, tracker := newTestAdapter(t,
		[]ModelExecutor{offGrid},
		[]config.ExecutorConfig{execCfg("alpha", "model-a")})

	cands, errs := a.Run(context.Background(), tracker, bandUnit(), "img-1", nil)
	assert.Empty(t, cands)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Err.Error(), "position grammar")
}

func TestAdapterScopedUnitDropsStrayAnswers(t *testing.T) {
	t.Parallel()
	chatty := &fakeExecutor{name: "alpha", fn: func(ctx context.Context, req Request) (*model.Candidate, error) {
		return &model.Candidate{Items: []model.CandidateItem{
			{Position: "shelf:2/slot:4", Payload: map[string]any{"brand": "Acme", "name": "Granola 500g"}},
			{Position: "shelf:2/slot:9", Payload: map[string]any{"brand": "Bolt", "name": "Energy Bar"}},
		}}, nil
	}}
	a, tracker := newTestAdapter(t,
		[]ModelExecutor{chatty},
		[]config.ExecutorConfig{execCfg("alpha", "model-a")})

	unit := bandUnit()
	unit.Scope.Positions = []string{"shelf:2/slot:4"}

	cands, errs := a.Run(context.Background(), tracker, unit, "img-1", nil)
	require.Empty(t, errs)
	require.Len(t, cands, 1)
	require.Len(t, cands[0].Items, 1)
	assert.Equal(t, "shelf:2/slot:4", cands[0].Items[0].Position)
}

func TestAdapterPropagatesDeadline(t *testing.T) {
	t.Parallel()
	var sawDeadline atomic.Bool
	probe := &fakeExecutor{name: "alpha", fn: func(ctx context.Context, req Request) (*model.Candidate, error) {
		_, ok := ctx.Deadline()
		sawDeadline.Store(ok)
		return goodCandidate(), nil
	}}
	a, tracker := newTestAdapter(t,
		[]ModelExecutor{probe},
		[]config.ExecutorConfig{execCfg("alpha", "model-a")})

	_, errs := a.Run(context.Background(), tracker, bandUnit(), "img-1", nil)
	require.Empty(t, errs)
	assert.True(t, sawDeadline.Load())
}

func TestAdapterClampsDeadlineToTimeBudget(t *testing.T) {
	t.Parallel()
	var headroom atomic.Int64
	probe := &fakeExecutor{name: "alpha", fn: func(ctx context.Context, req Request) (*model.Candidate, error) {
		if deadline, ok := ctx.Deadline(); ok {
			headroom.Store(int64(time.Until(deadline)))
		}
		return goodCandidate(), nil
	}}
	a, err := NewAdapter(schema.Default(), cost.NewCalculator(testRates()),
		[]ModelExecutor{probe},
		[]config.ExecutorConfig{execCfg("alpha", "model-a")})
	require.NoError(t, err)

	// Far less wall-clock budget left than the configured 5s timeout; the
	// call deadline must shrink to what the run can still afford.
	tracker := budget.NewTracker(model.BudgetLimits{
		MaxIterations: 1, MaxCostUSD: 10, MaxDuration: 200 * time.Millisecond,
	})
	_, errs := a.Run(context.Background(), tracker, bandUnit(), "img-1", nil)
	require.Empty(t, errs)

	got := time.Duration(headroom.Load())
	assert.Greater(t, got, time.Duration(0))
	assert.LessOrEqual(t, got, 200*time.Millisecond)
}

func TestAdapterTimeEstimateIsSlowestTimeout(t *testing.T) {
	t.Parallel()
	fast := execCfg("alpha", "model-a")
	slow := execCfg("beta", "model-b")
	slow.TimeoutSecs = 30

	a, _ := newTestAdapter(t,
		[]ModelExecutor{&fakeExecutor{name: "alpha"}, &fakeExecutor{name: "beta"}},
		[]config.ExecutorConfig{fast, slow})

	assert.Equal(t, 30*time.Second, a.TimeEstimate())
}

func TestAdapterRetriesTransientFailure(t *testing.T) {
	t.Parallel()
	flaky := &fakeExecutor{name: "alpha"}
	flaky.fn = func(ctx context.Context, req Request) (*model.Candidate, error) {
		if flaky.calls.Load() == 1 {
			return nil, resilience.NewTransientError(eris.New("burst limit"), 429)
		}
		return goodCandidate(), nil
	}

	cfg := execCfg("alpha", "model-a")
	cfg.MaxRetries = 2
	a, tracker := newTestAdapter(t,
		[]ModelExecutor{flaky},
		[]config.ExecutorConfig{cfg},
		WithRetryBase(resilience.RetryConfig{InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}))

	cands, errs := a.Run(context.Background(), tracker, bandUnit(), "img-1", nil)
	require.Empty(t, errs)
	require.Len(t, cands, 1)
	assert.EqualValues(t, 2, flaky.calls.Load())
}

func TestEstimateUnitFailsClosed(t *testing.T) {
	t.Parallel()
	free := &fakeExecutor{name: "alpha", fn: func(ctx context.Context, req Request) (*model.Candidate, error) {
		return goodCandidate(), nil
	}}
	a, _ := newTestAdapter(t,
		[]ModelExecutor{free},
		[]config.ExecutorConfig{execCfg("alpha", "unpriced-model")})

	_, err := a.EstimateUnit(bandUnit())
	var uce *model.UnestimableCostError
	require.ErrorAs(t, err, &uce)
}

func TestNewAdapterRejectsUnknownExecutor(t *testing.T) {
	t.Parallel()
	_, err := NewAdapter(schema.Default(), cost.NewCalculator(testRates()),
		nil, []config.ExecutorConfig{execCfg("ghost", "model-a")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost")
}

func TestAdapterEmptyCandidateIsUsable(t *testing.T) {
	t.Parallel()
	// An executor that honestly reports an empty band votes against every
	// item by lowering agreement, which is different from failing.
	empty := &fakeExecutor{name: "alpha", fn: func(ctx context.Context, req Request) (*model.Candidate, error) {
		return &model.Candidate{}, nil
	}}
	a, tracker := newTestAdapter(t,
		[]ModelExecutor{empty},
		[]config.ExecutorConfig{execCfg("alpha", "model-a")})

	cands, errs := a.Run(context.Background(), tracker, bandUnit(), "img-1", nil)
	require.Empty(t, errs)
	require.Len(t, cands, 1)
	assert.Empty(t, cands[0].Items)
}
