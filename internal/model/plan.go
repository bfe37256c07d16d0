package model

// IterationPlan is the decide-phase output: a partition of every addressed
// position (everything in the merged result plus everything a mismatch
// names) into exactly one of Lock, Hold, or Reextract.
type IterationPlan struct {
	Lock      []string          `json:"lock"`      // lock now (or already locked and unchallenged)
	Hold      []string          `json:"hold"`      // stay unlocked, not worth re-extracting
	Reextract []ReextractTarget `json:"reextract"` // redo these, scoped
	Unlocks   []Unlock          `json:"unlocks,omitempty"`
}

// ReextractTarget is one position the next iteration must redo, routed to
// the stage whose executor can fix the mismatch kind.
type ReextractTarget struct {
	Position string       `json:"position"`
	Stage    Stage        `json:"stage"`
	Kind     MismatchKind `json:"kind"`
	Reason   string       `json:"reason"`
}

// Unlock records a previously locked position being released because the
// comparator contradicted it.
type Unlock struct {
	Position string       `json:"position"`
	Kind     MismatchKind `json:"kind"`
}

// Empty reports whether the plan schedules no further extraction work.
func (p *IterationPlan) Empty() bool {
	return len(p.Reextract) == 0
}

// Positions returns every position the plan addresses, across all three
// sets, in plan order.
func (p *IterationPlan) Positions() []string {
	out := make([]string, 0, len(p.Lock)+len(p.Hold)+len(p.Reextract))
	out = append(out, p.Lock...)
	out = append(out, p.Hold...)
	for _, t := range p.Reextract {
		out = append(out, t.Position)
	}
	return out
}

// RetryContext carries structured feedback to executors on a re-extraction
// pass: what the previous round believed about each disputed position and
// why the comparator rejected it. Turning it into prompt text is the
// executor's concern.
type RetryContext struct {
	Iteration int           `json:"iteration"`
	Targets   []RetryTarget `json:"targets"`
}

// RetryTarget is the per-position slice of a RetryContext. Prior is nil when
// the position was never extracted (a missing-item finding).
type RetryTarget struct {
	Position string         `json:"position"`
	Kind     MismatchKind   `json:"kind"`
	Reason   string         `json:"reason"`
	Prior    map[string]any `json:"prior,omitempty"`
}
