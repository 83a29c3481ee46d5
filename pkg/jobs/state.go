package jobs

import (
	"fmt"
	"strings"
)

// State is the lifecycle stage of a job. Values are ordered so that
// numeric comparisons follow the success path.
type State int

const (
	StateSubmitted State = iota
	StateReadyForScheduling
	StateScheduled
	StateRunning
	StateFinished
	StateReadyForRevert
	StateRevertScheduled
	StateReverting
	StateFailed
	StateCancelled
)

var stateNames = map[State]string{
	StateSubmitted:          "SUBMITTED",
	StateReadyForScheduling: "READY_FOR_SCHEDULING",
	StateScheduled:          "SCHEDULED",
	StateRunning:            "RUNNING",
	StateFinished:           "FINISHED",
	StateReadyForRevert:     "READY_FOR_REVERT",
	StateRevertScheduled:    "REVERT_SCHEDULED",
	StateReverting:          "REVERTING",
	StateFailed:             "FAILED",
	StateCancelled:          "CANCELLED",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func ParseState(name string) (State, error) {
	name = strings.ToUpper(strings.TrimSpace(name))
	for s, n := range stateNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown job state %q", name)
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	parsed, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

func (s State) Terminal() bool {
	return s == StateFinished || s == StateFailed || s == StateCancelled
}

// StateGroup is the coarse, UI-facing projection of State.
type StateGroup string

const (
	GroupScheduled StateGroup = "SCHEDULED"
	GroupRunning   StateGroup = "RUNNING"
	GroupFinished  StateGroup = "FINISHED"
	GroupFailed    StateGroup = "FAILED"
	GroupCancelled StateGroup = "CANCELLED"
)

func (s State) Group() StateGroup {
	switch s {
	case StateSubmitted, StateReadyForScheduling, StateScheduled:
		return GroupScheduled
	case StateRunning:
		return GroupRunning
	case StateFinished:
		return GroupFinished
	case StateFailed:
		return GroupFailed
	default:
		return GroupCancelled
	}
}

var transitions = map[State][]State{
	StateSubmitted:          {StateReadyForScheduling, StateFailed, StateCancelled},
	StateReadyForScheduling: {StateScheduled, StateFailed, StateCancelled},
	// FINISHED directly from SCHEDULED: the executor may report success
	// before a RUNNING phase is ever observed. CANCELLED only when no
	// remote execution exists.
	StateScheduled:       {StateRunning, StateFinished, StateFailed, StateReadyForRevert, StateCancelled},
	StateRunning:         {StateFinished, StateFailed, StateReadyForRevert},
	StateReadyForRevert:  {StateRevertScheduled, StateCancelled},
	StateRevertScheduled: {StateReverting, StateCancelled},
	StateReverting:       {StateCancelled},
}

// CanTransition reports whether from -> to is an edge of the lifecycle graph.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Predecessors lists every state with an edge into to. It is the
// expected-state set for a conditional transition.
func Predecessors(to State) []State {
	var out []State
	for s := StateSubmitted; s <= StateCancelled; s++ {
		if CanTransition(s, to) {
			out = append(out, s)
		}
	}
	return out
}

var (
	// PendingStates are jobs that never reached a remote execution.
	PendingStates = []State{StateSubmitted, StateReadyForScheduling}
	// InProgressStates is [READY_FOR_SCHEDULING, FINISHED).
	InProgressStates = []State{StateReadyForScheduling, StateScheduled, StateRunning}
	// MainExecutionStates have, or are about to have, a live main execution.
	MainExecutionStates = []State{StateScheduled, StateRunning}
	// RevertExecutionStates have, or are about to have, a live revert execution.
	RevertExecutionStates = []State{StateRevertScheduled, StateReverting}
	TerminalStates        = []State{StateFinished, StateFailed, StateCancelled}
)

func NonTerminalStates() []State {
	var out []State
	for s := StateSubmitted; s <= StateCancelled; s++ {
		if !s.Terminal() {
			out = append(out, s)
		}
	}
	return out
}
