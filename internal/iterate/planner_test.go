package iterate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfsight/shelfscan/internal/model"
)

func testPlanner() *Planner {
	return NewPlanner(PlannerConfig{LockThreshold: 0.85, ReextractThreshold: 0.5})
}

func li(pos string, conf float64, locked bool) model.ExtractedItem {
	it := model.ExtractedItem{
		Position:   pos,
		Stage:      model.StageItems,
		Payload:    map[string]any{"brand": "Acme", "name": "Granola 500g"},
		Confidence: conf,
	}
	if locked {
		it.Lock = model.LockLocked
		it.LockedAt = 1
	}
	return it
}

func report(ms ...model.Mismatch) *model.ComparatorReport {
	return &model.ComparatorReport{OverallAccuracy: 80, Mismatches: ms}
}

func TestPlanLocksHighConfidenceUnchallenged(t *testing.T) {
	t.Parallel()
	plan := testPlanner().Plan([]model.ExtractedItem{li("shelf:1/slot:1", 0.9, false)}, report())
	assert.Equal(t, []string{"shelf:1/slot:1"}, plan.Lock)
	assert.Empty(t, plan.Hold)
	assert.Empty(t, plan.Reextract)
	assert.Empty(t, plan.Unlocks)
}

func TestPlanHoldsMidConfidence(t *testing.T) {
	t.Parallel()
	plan := testPlanner().Plan([]model.ExtractedItem{li("shelf:1/slot:1", 0.66, false)}, report())
	assert.Equal(t, []string{"shelf:1/slot:1"}, plan.Hold)
	assert.True(t, plan.Empty())
}

func TestPlanReextractsLowConfidence(t *testing.T) {
	t.Parallel()
	plan := testPlanner().Plan([]model.ExtractedItem{li("shelf:1/slot:1", 0.33, false)}, report())
	require.Len(t, plan.Reextract, 1)
	assert.Equal(t, "shelf:1/slot:1", plan.Reextract[0].Position)
	assert.Equal(t, model.StageItems, plan.Reextract[0].Stage)
	assert.Contains(t, plan.Reextract[0].Reason, "confidence")
}

func TestPlanMismatchOverridesConfidence(t *testing.T) {
	t.Parallel()
	plan := testPlanner().Plan(
		[]model.ExtractedItem{li("shelf:1/slot:1", 0.95, false)},
		report(model.Mismatch{Kind: model.MismatchWrongValue, Position: "shelf:1/slot:1", Field: "price", Severity: 0.7}))

	assert.Empty(t, plan.Lock)
	require.Len(t, plan.Reextract, 1)
	assert.Equal(t, model.StageDetails, plan.Reextract[0].Stage)
	assert.Equal(t, model.MismatchWrongValue, plan.Reextract[0].Kind)
	assert.Contains(t, plan.Reextract[0].Reason, "price")
}

func TestPlanLockedSurvivesLocationNoise(t *testing.T) {
	t.Parallel()
	plan := testPlanner().Plan(
		[]model.ExtractedItem{li("shelf:1/slot:1", 1.0, true)},
		report(model.Mismatch{Kind: model.MismatchExtra, Position: "shelf:1/slot:1", Severity: 0.9}))

	assert.Equal(t, []string{"shelf:1/slot:1"}, plan.Lock)
	assert.Empty(t, plan.Unlocks)
	assert.Empty(t, plan.Reextract)
}

func TestPlanUnlocksOnContradiction(t *testing.T) {
	t.Parallel()
	plan := testPlanner().Plan(
		[]model.ExtractedItem{li("shelf:1/slot:1", 1.0, true)},
		report(model.Mismatch{Kind: model.MismatchWrongPosition, Position: "shelf:1/slot:1", Severity: 0.8}))

	assert.Empty(t, plan.Lock)
	require.Len(t, plan.Unlocks, 1)
	assert.Equal(t, "shelf:1/slot:1", plan.Unlocks[0].Position)
	assert.Equal(t, model.MismatchWrongPosition, plan.Unlocks[0].Kind)
	require.Len(t, plan.Reextract, 1)
	assert.Equal(t, model.StageItems, plan.Reextract[0].Stage)
}

func TestPlanMissingProductReextracted(t *testing.T) {
	t.Parallel()
	plan := testPlanner().Plan(
		[]model.ExtractedItem{li("shelf:1/slot:1", 0.9, false)},
		report(model.Mismatch{Kind: model.MismatchMissing, Position: "shelf:1/slot:3", Severity: 0.6}))

	assert.Equal(t, []string{"shelf:1/slot:1"}, plan.Lock)
	require.Len(t, plan.Reextract, 1)
	assert.Equal(t, "shelf:1/slot:3", plan.Reextract[0].Position)
	assert.Equal(t, model.StageItems, plan.Reextract[0].Stage)
}

func TestPlanMismatchRouting(t *testing.T) {
	t.Parallel()
	tests := []struct {
		kind model.MismatchKind
		want model.Stage
	}{
		{model.MismatchMissing, model.StageItems},
		{model.MismatchExtra, model.StageItems},
		{model.MismatchWrongPosition, model.StageItems},
		{model.MismatchWrongValue, model.StageDetails},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			t.Parallel()
			plan := testPlanner().Plan(
				[]model.ExtractedItem{li("shelf:1/slot:1", 0.6, false)},
				report(model.Mismatch{Kind: tt.kind, Position: "shelf:1/slot:1", Severity: 0.5}))
			require.Len(t, plan.Reextract, 1)
			assert.Equal(t, tt.want, plan.Reextract[0].Stage)
		})
	}
}

func TestPlanContradictionOutranksSeverity(t *testing.T) {
	t.Parallel()
	plan := testPlanner().Plan(
		[]model.ExtractedItem{li("shelf:1/slot:1", 0.6, false)},
		report(
			model.Mismatch{Kind: model.MismatchExtra, Position: "shelf:1/slot:1", Severity: 0.9},
			model.Mismatch{Kind: model.MismatchWrongValue, Position: "shelf:1/slot:1", Field: "price", Severity: 0.1},
		))

	require.Len(t, plan.Reextract, 1)
	assert.Equal(t, model.MismatchWrongValue, plan.Reextract[0].Kind)
	assert.Equal(t, model.StageDetails, plan.Reextract[0].Stage)
}

func TestPlanPartitionsAddressedPositions(t *testing.T) {
	t.Parallel()
	items := []model.ExtractedItem{
		li("shelf:1/slot:1", 0.95, false), // lock
		li("shelf:1/slot:2", 0.70, false), // hold
		li("shelf:1/slot:3", 0.20, false), // reextract (confidence)
		li("shelf:2/slot:1", 1.00, true),  // locked, contradicted -> reextract
		li("shelf:2/slot:2", 1.00, true),  // locked, unchallenged -> lock
	}
	rep := report(
		model.Mismatch{Kind: model.MismatchWrongValue, Position: "shelf:2/slot:1", Severity: 0.8},
		model.Mismatch{Kind: model.MismatchMissing, Position: "shelf:2/slot:5", Severity: 0.6},
	)

	plan := testPlanner().Plan(items, rep)

	addressed := map[string]bool{}
	for _, it := range items {
		addressed[it.Position] = true
	}
	for _, m := range rep.Mismatches {
		addressed[m.Position] = true
	}

	got := plan.Positions()
	seen := map[string]bool{}
	for _, pos := range got {
		assert.False(t, seen[pos], "position %s classified twice", pos)
		seen[pos] = true
	}
	assert.Len(t, got, len(addressed))
	for pos := range addressed {
		assert.True(t, seen[pos], "position %s not classified", pos)
	}

	assert.ElementsMatch(t, []string{"shelf:1/slot:1", "shelf:2/slot:2"}, plan.Lock)
	assert.Equal(t, []string{"shelf:1/slot:2"}, plan.Hold)
	require.Len(t, plan.Unlocks, 1)
}

func TestPlanDeterministicOrder(t *testing.T) {
	t.Parallel()
	items := []model.ExtractedItem{
		li("shelf:2/slot:1", 0.9, false),
		li("shelf:1/slot:1", 0.9, false),
	}
	plan := testPlanner().Plan(items, report())
	assert.Equal(t, []string{"shelf:1/slot:1", "shelf:2/slot:1"}, plan.Lock)
}

func TestRetryContextForAttachesPriors(t *testing.T) {
	t.Parallel()
	prior := &model.MergedResult{Items: []model.ExtractedItem{
		{Position: "shelf:1/slot:1", Payload: map[string]any{"brand": "Acme"}},
	}}
	targets := []model.ReextractTarget{
		{Position: "shelf:1/slot:1", Stage: model.StageDetails, Kind: model.MismatchWrongValue, Reason: "wrong_value on price"},
		{Position: "shelf:1/slot:9", Stage: model.StageItems, Kind: model.MismatchMissing, Reason: "missing"},
	}

	rc := RetryContextFor(3, targets, prior)
	require.NotNil(t, rc)
	assert.Equal(t, 3, rc.Iteration)
	require.Len(t, rc.Targets, 2)
	assert.Equal(t, map[string]any{"brand": "Acme"}, rc.Targets[0].Prior)
	assert.Nil(t, rc.Targets[1].Prior)
}

func TestRetryContextForEmptyPlan(t *testing.T) {
	t.Parallel()
	assert.Nil(t, RetryContextFor(1, nil, &model.MergedResult{}))
}

func TestPlateauStalledWhenFlat(t *testing.T) {
	t.Parallel()
	p := NewPlateau(2, 1.0)
	p.Observe(80, 10)
	p.Observe(80.2, 10)
	assert.False(t, p.Stalled(), "needs window+1 samples")
	p.Observe(80.5, 10)
	assert.True(t, p.Stalled())
}

func TestPlateauNotStalledWhenAccuracyClimbs(t *testing.T) {
	t.Parallel()
	p := NewPlateau(2, 1.0)
	p.Observe(80, 10)
	p.Observe(84, 10)
	p.Observe(88, 10)
	assert.False(t, p.Stalled())
}

func TestPlateauNotStalledWhenLocksGrow(t *testing.T) {
	t.Parallel()
	p := NewPlateau(2, 1.0)
	p.Observe(80, 10)
	p.Observe(80.1, 11)
	p.Observe(80.2, 12)
	assert.False(t, p.Stalled())
}
