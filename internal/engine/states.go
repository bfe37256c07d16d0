package engine

import "github.com/shelfsight/shelfscan/internal/model"

// State is one node of the run lifecycle. Extraction states repeat as the
// iteration loop narrows scope; the three terminal states admit no exits.
type State string

const (
	StateInit     State = "init"
	StateStage    State = "stage"
	StateCompare  State = "compare"
	StateDecide   State = "decide"
	StateDone     State = "done"
	StateEscalate State = "escalate"
	StateAborted  State = "aborted"
)

// Terminal reports whether the state ends the run.
func (s State) Terminal() bool {
	switch s {
	case StateDone, StateEscalate, StateAborted:
		return true
	}
	return false
}

// transitions is the allowed-edge table. DECIDE may loop back to STAGE with
// a narrowed scope or end the run; every state may abort (budget exhaustion
// and cancellation are legal from anywhere).
var transitions = map[State][]State{
	StateInit:    {StateStage, StateAborted},
	StateStage:   {StateStage, StateCompare, StateAborted},
	StateCompare: {StateDecide, StateAborted},
	StateDecide:  {StateStage, StateCompare, StateDone, StateEscalate, StateAborted},
}

// machine tracks the current lifecycle state for one run. Transitions
// outside the table are programming errors, surfaced as typed errors rather
// than silently tolerated.
type machine struct {
	current State
}

func newMachine() *machine {
	return &machine{current: StateInit}
}

func (m *machine) to(next State) error {
	for _, allowed := range transitions[m.current] {
		if allowed == next {
			m.current = next
			return nil
		}
	}
	return &model.InvalidTransitionError{From: string(m.current), To: string(next)}
}

// status maps a terminal state to the persisted run status.
func (s State) status() model.RunStatus {
	switch s {
	case StateDone:
		return model.RunStatusDone
	case StateEscalate:
		return model.RunStatusEscalated
	default:
		return model.RunStatusAborted
	}
}
