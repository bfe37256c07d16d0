package model

import "time"

// MismatchKind classifies a disagreement the visual comparator found between
// the rendered layout and the source photo.
type MismatchKind string

const (
	MismatchMissing       MismatchKind = "missing"        // present in photo, absent from layout
	MismatchExtra         MismatchKind = "extra"          // present in layout, absent from photo
	MismatchWrongPosition MismatchKind = "wrong_position" // right product, wrong slot
	MismatchWrongValue    MismatchKind = "wrong_value"    // right slot, wrong attribute
)

// Contradicts reports whether a mismatch of this kind is strong enough to
// unlock a locked item. Missing and extra findings are location disputes the
// comparator raises against unlocked neighbors too, so only the two "wrong"
// kinds count as direct contradictions.
func (k MismatchKind) Contradicts() bool {
	return k == MismatchWrongPosition || k == MismatchWrongValue
}

// Mismatch is one comparator finding, addressed to a position.
type Mismatch struct {
	Kind     MismatchKind `json:"kind"`
	Position string       `json:"position"`
	Field    string       `json:"field,omitempty"` // set for wrong_value
	Severity float64      `json:"severity"`        // 0-1
	Detail   string       `json:"detail,omitempty"`
}

// ComparatorReport is the visual comparator's verdict on a merged layout.
// OverallAccuracy uses the comparator's native 0-100 scale.
type ComparatorReport struct {
	OverallAccuracy float64            `json:"overall_accuracy"`
	Mismatches      []Mismatch         `json:"mismatches,omitempty"`
	PerPosition     map[string]float64 `json:"per_position,omitempty"` // 0-1 match scores
	Elapsed         time.Duration      `json:"elapsed"`
}

// MismatchesFor returns the report's findings addressed to pos.
func (r *ComparatorReport) MismatchesFor(pos string) []Mismatch {
	var out []Mismatch
	for _, m := range r.Mismatches {
		if m.Position == pos {
			out = append(out, m)
		}
	}
	return out
}
