// Package consensus merges the answers of independent model executors into a
// single layout per work unit. Agreement is decided per identity group by
// majority vote on the canonical payload; confidence is the fraction of
// responding executors that backed the winning payload. The merge is
// deterministic: the same set of candidates produces byte-identical output
// regardless of arrival order.
package consensus

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/shelfsight/shelfscan/internal/model"
	"github.com/shelfsight/shelfscan/internal/schema"
)

// Resolver merges executor candidates for one work unit at a time. It is
// stateless between calls and safe for concurrent use.
type Resolver struct {
	reg  *schema.Registry
	rank map[string]int
	tie  TieBreaker
}

// Option adjusts resolver behavior.
type Option func(*Resolver)

// WithTieBreaker replaces the default tie-break policy.
func WithTieBreaker(tb TieBreaker) Option {
	return func(r *Resolver) { r.tie = tb }
}

// NewResolver builds a resolver. order lists executor names by configuration
// priority, highest first; it is the final tie-break between equally
// supported payloads.
func NewResolver(order []string, reg *schema.Registry, opts ...Option) *Resolver {
	r := &Resolver{
		reg:  reg,
		rank: make(map[string]int, len(order)),
		tie:  policyTieBreaker{},
	}
	for i, name := range order {
		r.rank[name] = i
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

type member struct {
	executor  string
	rank      int
	position  string
	canonical map[string]any
	selfConf  float64
}

// Merge folds all candidates for unit into one agreed item list. Zero
// candidates means every executor failed upstream; that is a typed error,
// never an empty success.
func (r *Resolver) Merge(unit model.WorkUnit, cands []model.Candidate) ([]model.ExtractedItem, error) {
	if len(cands) == 0 {
		return nil, &model.AllExecutorsFailedError{Stage: unit.Stage, UnitID: unit.ID}
	}
	sch, err := r.reg.Stage(unit.Stage)
	if err != nil {
		return nil, eris.Wrap(err, "consensus: resolve stage schema")
	}
	responders := len(cands)

	sorted := make([]model.Candidate, len(cands))
	copy(sorted, cands)
	sort.SliceStable(sorted, func(i, j int) bool {
		ri, rj := r.rankOf(sorted[i].Executor), r.rankOf(sorted[j].Executor)
		if ri != rj {
			return ri < rj
		}
		return sorted[i].Executor < sorted[j].Executor
	})

	groups := make(map[string][]member)
	var keys []string
	for _, cand := range sorted {
		rank := r.rankOf(cand.Executor)
		seen := make(map[string]bool, len(cand.Items))
		for _, it := range cand.Items {
			key, ok := groupKey(sch, it)
			if !ok {
				zap.L().Warn("consensus: dropping malformed candidate item",
					zap.String("executor", cand.Executor),
					zap.String("stage", unit.Stage.String()),
					zap.String("position", it.Position))
				continue
			}
			// An executor votes at most once per identity; repeats within
			// one answer are duplicates, not extra support.
			if seen[key] {
				continue
			}
			seen[key] = true
			if _, exists := groups[key]; !exists {
				keys = append(keys, key)
			}
			groups[key] = append(groups[key], member{
				executor:  cand.Executor,
				rank:      rank,
				position:  it.Position,
				canonical: sch.Canonical(it.Payload),
				selfConf:  selfConfidence(it),
			})
		}
	}

	items := make([]model.ExtractedItem, 0, len(keys))
	byPos := make(map[string]int, len(keys))
	for _, key := range keys {
		item := r.mergeGroup(unit.Stage, sch, key, groups[key], responders)
		if i, dup := byPos[item.Position]; dup {
			kept := resolveCollision(items[i], item)
			zap.L().Warn("consensus: identity groups collapsed to one position",
				zap.String("position", item.Position),
				zap.String("stage", unit.Stage.String()),
				zap.Int("kept_votes", kept.Votes))
			items[i] = kept
			continue
		}
		byPos[item.Position] = len(items)
		items = append(items, item)
	}

	sort.Slice(items, func(i, j int) bool {
		return lessPosition(items[i].Position, items[j].Position)
	})
	return items, nil
}

func (r *Resolver) rankOf(executor string) int {
	if rank, ok := r.rank[executor]; ok {
		return rank
	}
	return len(r.rank)
}

// mergeGroup reduces one identity group to a single item: the group's modal
// position, the winning payload, and agreement-derived confidence.
func (r *Resolver) mergeGroup(stage model.Stage, sch *schema.StageSchema, key string, members []member, responders int) model.ExtractedItem {
	pos := canonicalPosition(members)

	votes := make(map[string]*Vote, len(members))
	var order []string
	sums := make(map[string]float64, len(members))
	for _, m := range members {
		fp := fingerprint(m.canonical)
		v, ok := votes[fp]
		if !ok {
			v = &Vote{
				Payload:     m.canonical,
				Fingerprint: fp,
				Violations:  sch.Validate(m.canonical),
				bestRank:    m.rank,
			}
			votes[fp] = v
			order = append(order, fp)
		}
		v.Supporters = append(v.Supporters, m.executor)
		sums[fp] += m.selfConf
		if m.rank < v.bestRank {
			v.bestRank = m.rank
		}
	}

	list := make([]Vote, 0, len(order))
	for _, fp := range order {
		v := votes[fp]
		v.SelfConfidence = sums[fp] / float64(len(v.Supporters))
		list = append(list, *v)
	}
	sort.Slice(list, func(i, j int) bool { return lessVote(list[i], list[j]) })

	winner := list[0]
	if tied := leadingTies(list); len(tied) > 1 {
		winner = r.tie.Pick(Group{Key: key, Position: pos, Votes: tied})
	}
	if len(list) > 1 {
		zap.L().Debug("consensus: executors disagree on payload",
			zap.String("position", pos),
			zap.String("stage", stage.String()),
			zap.Int("distinct_payloads", len(list)),
			zap.Strings("winning_sources", winner.Supporters))
	}

	return model.ExtractedItem{
		Position:   pos,
		Stage:      stage,
		Payload:    winner.Payload,
		Confidence: float64(len(winner.Supporters)) / float64(responders),
		Lock:       model.LockUnlocked,
		Votes:      len(winner.Supporters),
		Responders: responders,
		Sources:    winner.Supporters,
	}
}

// leadingTies returns the votes sharing the top support count. A single
// leader means majority voting already decided the group.
func leadingTies(list []Vote) []Vote {
	lead := len(list[0].Supporters)
	var tied []Vote
	for _, v := range list {
		if len(v.Supporters) != lead {
			break
		}
		tied = append(tied, v)
	}
	return tied
}

// canonicalPosition picks the modal position over every group member, not
// just the winning vote, so a payload minority cannot shift the slot. Ties
// go to the smallest shelf, then slot, then label.
func canonicalPosition(members []member) string {
	counts := make(map[string]int, len(members))
	for _, m := range members {
		counts[renormalizePosition(m.position)]++
	}
	var best string
	for pos, n := range counts {
		if best == "" || n > counts[best] || (n == counts[best] && lessPosition(pos, best)) {
			best = pos
		}
	}
	return best
}

// renormalizePosition strips formatting drift such as zero-padded numbers.
func renormalizePosition(pos string) string {
	shelf, slot, ok := model.SplitPosition(pos)
	if !ok {
		return pos
	}
	if strings.Contains(pos, "/") {
		return model.SlotPosition(shelf, slot)
	}
	return model.ShelfPosition(shelf)
}

func lessPosition(a, b string) bool {
	as, asl, aok := model.SplitPosition(a)
	bs, bsl, bok := model.SplitPosition(b)
	if aok && bok {
		if as != bs {
			return as < bs
		}
		if asl != bsl {
			return asl < bsl
		}
	}
	return a < b
}

// resolveCollision keeps the stronger of two merged items whose groups
// canonicalized to the same position.
func resolveCollision(a, b model.ExtractedItem) model.ExtractedItem {
	if a.Votes != b.Votes {
		if a.Votes > b.Votes {
			return a
		}
		return b
	}
	if a.Confidence != b.Confidence {
		if a.Confidence > b.Confidence {
			return a
		}
		return b
	}
	if fingerprint(a.Payload) <= fingerprint(b.Payload) {
		return a
	}
	return b
}

// selfConfidence extracts an executor's own estimate for an item, falling
// back to the mean of its per-field confidences when no item-level figure
// was reported.
func selfConfidence(it model.CandidateItem) float64 {
	if it.Confidence > 0 {
		return it.Confidence
	}
	if len(it.FieldConfidence) == 0 {
		return 0
	}
	var sum float64
	for _, c := range it.FieldConfidence {
		sum += c
	}
	return sum / float64(len(it.FieldConfidence))
}

// fingerprint renders a canonical payload to a stable comparison key.
// encoding/json emits map keys in sorted order, so equal payloads always
// produce equal fingerprints.
func fingerprint(payload map[string]any) string {
	b, err := json.Marshal(payload)
	if err != nil {
		return "unencodable"
	}
	return string(b)
}
