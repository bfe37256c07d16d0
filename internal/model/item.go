package model

// LockState marks whether a position's value is frozen for subsequent
// iterations. Locked items are never re-extracted; unlocking requires a
// contradicting mismatch from the comparator.
type LockState string

const (
	LockUnlocked LockState = "unlocked"
	LockLocked   LockState = "locked"
)

// ExtractedItem is one consensus-resolved entry of the layout: a position,
// the merged payload for that position, and the agreement evidence behind it.
type ExtractedItem struct {
	Position   string         `json:"position"`
	Stage      Stage          `json:"stage"`
	Payload    map[string]any `json:"payload"`
	Confidence float64        `json:"confidence"` // agreeing / responding executors
	Lock       LockState      `json:"lock"`
	Votes      int            `json:"votes"`      // executors that agreed on this payload
	Responders int            `json:"responders"` // executors that returned a usable candidate
	Sources    []string       `json:"sources,omitempty"`
	LockedAt   int            `json:"locked_at,omitempty"` // iteration that locked it, 0 = never
}

// Locked reports whether the item is currently locked.
func (it *ExtractedItem) Locked() bool {
	return it.Lock == LockLocked
}
