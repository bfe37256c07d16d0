// Package iterate decides what the next iteration re-extracts. The planner
// partitions every addressed position into exactly one of lock, hold, or
// re-extract; locked positions are immune to re-extraction until a
// contradicting comparator finding unlocks them.
package iterate

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/shelfsight/shelfscan/internal/model"
)

// PlannerConfig carries the two confidence thresholds that drive planning.
// LockThreshold must be strictly above ReextractThreshold; config validation
// enforces it.
type PlannerConfig struct {
	LockThreshold      float64
	ReextractThreshold float64
}

// Planner turns a merged result and a comparator report into the next
// iteration's plan.
type Planner struct {
	cfg PlannerConfig
}

func NewPlanner(cfg PlannerConfig) *Planner {
	return &Planner{cfg: cfg}
}

// Plan classifies every position the result or the report addresses.
//
// Locked items stay locked unless a wrong_position or wrong_value finding
// contradicts them, in which case they unlock and re-extract. Unlocked items
// with any finding re-extract; clean ones lock at or above LockThreshold,
// re-extract below ReextractThreshold, and hold in between. Findings at
// positions with no merged item (missing products) re-extract too.
func (p *Planner) Plan(items []model.ExtractedItem, rep *model.ComparatorReport) *model.IterationPlan {
	plan := &model.IterationPlan{}

	findings := make(map[string]model.Mismatch)
	if rep != nil {
		for _, m := range rep.Mismatches {
			if cur, ok := findings[m.Position]; !ok || strongerFinding(m, cur) {
				findings[m.Position] = m
			}
		}
	}

	seen := make(map[string]bool, len(items))
	for _, it := range items {
		seen[it.Position] = true
		m, challenged := findings[it.Position]

		if it.Locked() {
			if challenged && m.Kind.Contradicts() {
				plan.Unlocks = append(plan.Unlocks, model.Unlock{Position: it.Position, Kind: m.Kind})
				plan.Reextract = append(plan.Reextract, target(m))
				zap.L().Info("plan: comparator contradicted a locked position",
					zap.String("position", it.Position),
					zap.String("kind", string(m.Kind)))
				continue
			}
			// Non-contradicting findings cannot move a locked item.
			plan.Lock = append(plan.Lock, it.Position)
			continue
		}

		switch {
		case challenged:
			plan.Reextract = append(plan.Reextract, target(m))
		case it.Confidence >= p.cfg.LockThreshold:
			plan.Lock = append(plan.Lock, it.Position)
		case it.Confidence < p.cfg.ReextractThreshold:
			plan.Reextract = append(plan.Reextract, model.ReextractTarget{
				Position: it.Position,
				Stage:    it.Stage,
				Kind:     "",
				Reason:   fmt.Sprintf("consensus confidence %.2f below %.2f", it.Confidence, p.cfg.ReextractThreshold),
			})
		default:
			plan.Hold = append(plan.Hold, it.Position)
		}
	}

	// Findings at positions nothing was merged for: products the comparator
	// saw in the photo but the layout lacks.
	for pos, m := range findings {
		if !seen[pos] {
			plan.Reextract = append(plan.Reextract, target(m))
		}
	}

	sort.Strings(plan.Lock)
	sort.Strings(plan.Hold)
	sort.Slice(plan.Reextract, func(i, j int) bool {
		return plan.Reextract[i].Position < plan.Reextract[j].Position
	})
	sort.Slice(plan.Unlocks, func(i, j int) bool {
		return plan.Unlocks[i].Position < plan.Unlocks[j].Position
	})
	return plan
}

// target routes a finding to the stage whose executors can fix it: attribute
// disputes go back to details, everything else re-reads the band layout.
func target(m model.Mismatch) model.ReextractTarget {
	st := model.StageItems
	if m.Kind == model.MismatchWrongValue {
		st = model.StageDetails
	}
	return model.ReextractTarget{
		Position: m.Position,
		Stage:    st,
		Kind:     m.Kind,
		Reason:   findingReason(m),
	}
}

func findingReason(m model.Mismatch) string {
	r := string(m.Kind)
	if m.Field != "" {
		r += " on " + m.Field
	}
	if m.Detail != "" {
		r += ": " + m.Detail
	}
	return r
}

// strongerFinding orders two findings at the same position: contradictions
// outrank location noise, then higher severity, then kind name for
// determinism.
func strongerFinding(a, b model.Mismatch) bool {
	if a.Kind.Contradicts() != b.Kind.Contradicts() {
		return a.Kind.Contradicts()
	}
	if a.Severity != b.Severity {
		return a.Severity > b.Severity
	}
	return a.Kind < b.Kind
}

// RetryContextFor packages the plan's re-extraction targets as structured
// feedback for the next pass, attaching each position's previous payload
// where one exists.
func RetryContextFor(iteration int, targets []model.ReextractTarget, prior *model.MergedResult) *model.RetryContext {
	if len(targets) == 0 {
		return nil
	}
	var byPos map[string]*model.ExtractedItem
	if prior != nil {
		byPos = prior.ByPosition()
	}
	rc := &model.RetryContext{Iteration: iteration}
	for _, t := range targets {
		rt := model.RetryTarget{Position: t.Position, Kind: t.Kind, Reason: t.Reason}
		if it, ok := byPos[t.Position]; ok {
			rt.Prior = it.Payload
		}
		rc.Targets = append(rc.Targets, rt)
	}
	return rc
}
