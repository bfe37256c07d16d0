package model

import (
	"fmt"
	"strings"
)

// Stage identifies one pass of the extraction sequence. Stages always run in
// the order returned by ExtractionStages; StageValidation is the label the
// run carries while the comparator and the iteration planner are in control,
// and never appears on a WorkUnit.
type Stage string

const (
	StageStructure  Stage = "structure"
	StageItems      Stage = "items"
	StageDetails    Stage = "details"
	StageValidation Stage = "validation"
)

// ExtractionStages returns the stages that produce WorkUnits, in run order.
func ExtractionStages() []Stage {
	return []Stage{StageStructure, StageItems, StageDetails}
}

// Next returns the stage that follows s in the extraction sequence, or
// StageValidation after the last extraction stage.
func (s Stage) Next() Stage {
	switch s {
	case StageStructure:
		return StageItems
	case StageItems:
		return StageDetails
	default:
		return StageValidation
	}
}

func (s Stage) String() string { return string(s) }

// Valid reports whether s is one of the defined stages.
func (s Stage) Valid() bool {
	switch s {
	case StageStructure, StageItems, StageDetails, StageValidation:
		return true
	}
	return false
}

// ParseStage converts a string into a Stage, case-insensitively.
func ParseStage(s string) (Stage, error) {
	st := Stage(strings.ToLower(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("unknown stage %q", s)
	}
	return st, nil
}

// WorkUnit is one independently extractable slice of the image: the whole
// frame for structure, a single shelf band for items and details. Scoped
// re-extractions reuse the band's unit with Positions narrowed to the
// disputed slots.
type WorkUnit struct {
	ID           string `json:"id"`
	Stage        Stage  `json:"stage"`
	Scope        Scope  `json:"scope"`
	AttemptCount int    `json:"attempt_count"`
}

// Scope narrows a WorkUnit to a region of the image. Shelf 0 means the whole
// frame (structure stage); a non-empty Positions list restricts the unit to
// those slots only.
type Scope struct {
	Shelf     int      `json:"shelf,omitempty"`
	Positions []string `json:"positions,omitempty"`
}

// Scoped reports whether the unit targets a position subset rather than a
// full band.
func (s Scope) Scoped() bool {
	return len(s.Positions) > 0
}

// ShelfPosition formats the position label for shelf band n.
func ShelfPosition(n int) string {
	return fmt.Sprintf("shelf:%d", n)
}

// SlotPosition formats the position label for slot m on shelf band n.
func SlotPosition(n, m int) string {
	return fmt.Sprintf("shelf:%d/slot:%d", n, m)
}

// SplitPosition parses a position label into its shelf and slot numbers.
// slot is 0 and ok is true for a bare shelf label; ok is false when the
// label does not match either grammar.
func SplitPosition(pos string) (shelf, slot int, ok bool) {
	if n, err := fmt.Sscanf(pos, "shelf:%d/slot:%d", &shelf, &slot); err == nil && n == 2 {
		return shelf, slot, true
	}
	if n, err := fmt.Sscanf(pos, "shelf:%d", &shelf); err == nil && n == 1 && !strings.Contains(pos, "/") {
		return shelf, 0, true
	}
	return 0, 0, false
}
