package engine

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/shelfsight/shelfscan/internal/model"
)

func newUnitID() string { return uuid.New().String() }

// initialUnits derives the full-scope units of a stage from what earlier
// stages merged: one whole-frame unit for structure, one unit per shelf band
// for items, and one per band scoped to its known slots for details.
func (l *loop) initialUnits(stage model.Stage) []model.WorkUnit {
	switch stage {
	case model.StageStructure:
		return []model.WorkUnit{{ID: newUnitID(), Stage: stage}}
	case model.StageItems:
		var units []model.WorkUnit
		for _, shelf := range l.shelves() {
			units = append(units, model.WorkUnit{
				ID:    newUnitID(),
				Stage: stage,
				Scope: model.Scope{Shelf: shelf},
			})
		}
		return units
	case model.StageDetails:
		slots := l.slotsByShelf()
		var units []model.WorkUnit
		for _, shelf := range l.shelves() {
			if len(slots[shelf]) == 0 {
				continue
			}
			units = append(units, model.WorkUnit{
				ID:    newUnitID(),
				Stage: stage,
				Scope: model.Scope{Shelf: shelf, Positions: slots[shelf]},
			})
		}
		return units
	}
	return nil
}

// scopedUnits groups the plan's re-extraction targets for one stage into one
// unit per shelf band, scoped to exactly the disputed positions. Attempt
// counts accumulate per band across iterations.
func (l *loop) scopedUnits(stage model.Stage, plan *model.IterationPlan) []model.WorkUnit {
	byShelf := make(map[int][]string)
	for _, t := range plan.Reextract {
		if t.Stage != stage {
			continue
		}
		shelf, _, ok := model.SplitPosition(t.Position)
		if !ok {
			continue
		}
		byShelf[shelf] = append(byShelf[shelf], t.Position)
	}

	shelves := make([]int, 0, len(byShelf))
	for shelf := range byShelf {
		shelves = append(shelves, shelf)
	}
	sort.Ints(shelves)

	units := make([]model.WorkUnit, 0, len(shelves))
	for _, shelf := range shelves {
		positions := byShelf[shelf]
		sort.Strings(positions)
		key := fmt.Sprintf("%s/%d", stage, shelf)
		l.attempts[key]++
		units = append(units, model.WorkUnit{
			ID:           newUnitID(),
			Stage:        stage,
			Scope:        model.Scope{Shelf: shelf, Positions: positions},
			AttemptCount: l.attempts[key],
		})
	}
	return units
}

// shelves lists the shelf bands the structure stage found, ascending.
func (l *loop) shelves() []int {
	seen := make(map[int]bool)
	var out []int
	for _, it := range l.state.Result.Items {
		if it.Stage != model.StageStructure {
			continue
		}
		shelf, _, ok := model.SplitPosition(it.Position)
		if !ok || seen[shelf] {
			continue
		}
		seen[shelf] = true
		out = append(out, shelf)
	}
	sort.Ints(out)
	return out
}

// slotsByShelf maps each band to its merged slot positions, sorted.
func (l *loop) slotsByShelf() map[int][]string {
	out := make(map[int][]string)
	for _, it := range l.state.Result.Items {
		if it.Stage == model.StageStructure {
			continue
		}
		shelf, _, ok := model.SplitPosition(it.Position)
		if !ok {
			continue
		}
		out[shelf] = append(out[shelf], it.Position)
	}
	for shelf := range out {
		sort.Strings(out[shelf])
	}
	return out
}

// integrate folds one unit's merged items into the run result. Locked
// positions are untouchable here: a stray answer for a locked slot is
// dropped, never applied. Details answers enrich the existing item's payload
// rather than replacing it; the item's confidence becomes the weaker of the
// two because the position is only as trustworthy as its shakiest field.
func (l *loop) integrate(stage model.Stage, items []model.ExtractedItem) {
	// Appending reallocates the backing array, so new positions are held
	// back until every in-place edit through the index has landed.
	byPos := l.state.Result.ByPosition()
	var added []model.ExtractedItem
	for _, it := range items {
		cur, ok := byPos[it.Position]
		if !ok {
			added = append(added, it)
			continue
		}
		if cur.Locked() {
			continue
		}
		if stage == model.StageDetails && cur.Stage != model.StageDetails {
			merged := make(map[string]any, len(cur.Payload)+len(it.Payload))
			for k, v := range cur.Payload {
				merged[k] = v
			}
			for k, v := range it.Payload {
				merged[k] = v
			}
			cur.Payload = merged
			if it.Confidence < cur.Confidence {
				cur.Confidence = it.Confidence
			}
			cur.Sources = unionSources(cur.Sources, it.Sources)
			continue
		}
		*cur = it
	}
	l.state.Result.Items = append(l.state.Result.Items, added...)
	sortItems(l.state.Result.Items)
}

// apply records the plan's lock and unlock decisions on the result. Unlocks
// run first so a contradicted position can be re-locked by a later iteration
// without fighting this one.
func (l *loop) apply(plan *model.IterationPlan) {
	byPos := l.state.Result.ByPosition()
	for _, u := range plan.Unlocks {
		if it, ok := byPos[u.Position]; ok {
			it.Lock = model.LockUnlocked
			it.LockedAt = 0
		}
	}
	for _, pos := range plan.Lock {
		if it, ok := byPos[pos]; ok && !it.Locked() {
			it.Lock = model.LockLocked
			it.LockedAt = l.state.Iteration
		}
	}
}

// scopedRetry narrows a retry context to the targets a unit addresses, so an
// executor only sees feedback about positions it is being asked to redo.
func scopedRetry(rc *model.RetryContext, unit model.WorkUnit) *model.RetryContext {
	if rc == nil || !unit.Scope.Scoped() {
		return rc
	}
	allowed := make(map[string]bool, len(unit.Scope.Positions))
	for _, p := range unit.Scope.Positions {
		allowed[p] = true
	}
	out := &model.RetryContext{Iteration: rc.Iteration}
	for _, t := range rc.Targets {
		if allowed[t.Position] {
			out.Targets = append(out.Targets, t)
		}
	}
	if len(out.Targets) == 0 {
		return nil
	}
	return out
}

func unionSources(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range append(append([]string{}, a...), b...) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// sortItems orders the result by shelf then slot so persisted state and
// comparator input are deterministic.
func sortItems(items []model.ExtractedItem) {
	sort.Slice(items, func(i, j int) bool {
		as, asl, aok := model.SplitPosition(items[i].Position)
		bs, bsl, bok := model.SplitPosition(items[j].Position)
		if aok && bok {
			if as != bs {
				return as < bs
			}
			if asl != bsl {
				return asl < bsl
			}
		}
		return items[i].Position < items[j].Position
	})
}
