package jobs

import (
	"encoding/json"
	"testing"
)

func TestTerminalStatesHaveNoOutgoingEdges(t *testing.T) {
	for _, from := range TerminalStates {
		for to := StateSubmitted; to <= StateCancelled; to++ {
			if CanTransition(from, to) {
				t.Fatalf("terminal state %s has an edge to %s", from, to)
			}
		}
	}
}

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from, to State
		ok       bool
	}{
		{StateSubmitted, StateReadyForScheduling, true},
		{StateSubmitted, StateScheduled, false},
		{StateReadyForScheduling, StateScheduled, true},
		{StateScheduled, StateFinished, true},
		{StateScheduled, StateCancelled, true},
		{StateRunning, StateCancelled, false},
		{StateRunning, StateReadyForRevert, true},
		{StateReadyForRevert, StateRevertScheduled, true},
		{StateReverting, StateCancelled, true},
		{StateReverting, StateRunning, false},
		{StateFinished, StateRunning, false},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.ok {
			t.Fatalf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.ok)
		}
	}
}

func TestPredecessors(t *testing.T) {
	got := Predecessors(StateRunning)
	if len(got) != 1 || got[0] != StateScheduled {
		t.Fatalf("expected only SCHEDULED before RUNNING, got %v", got)
	}
	if len(Predecessors(StateSubmitted)) != 0 {
		t.Fatalf("SUBMITTED should have no predecessors")
	}
}

func TestStateGroups(t *testing.T) {
	groups := map[State]StateGroup{
		StateSubmitted:          GroupScheduled,
		StateReadyForScheduling: GroupScheduled,
		StateScheduled:          GroupScheduled,
		StateRunning:            GroupRunning,
		StateFinished:           GroupFinished,
		StateFailed:             GroupFailed,
		StateReadyForRevert:     GroupCancelled,
		StateReverting:          GroupCancelled,
		StateCancelled:          GroupCancelled,
	}
	for s, want := range groups {
		if got := s.Group(); got != want {
			t.Fatalf("%s.Group() = %s, want %s", s, got, want)
		}
	}
}

func TestStateJSONUsesNames(t *testing.T) {
	b, err := json.Marshal(map[string]State{"state": StateRevertScheduled})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `{"state":"REVERT_SCHEDULED"}` {
		t.Fatalf("unexpected encoding %s", b)
	}
	var decoded struct {
		State State `json:"state"`
	}
	if err := json.Unmarshal([]byte(`{"state":"running"}`), &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.State != StateRunning {
		t.Fatalf("expected RUNNING, got %s", decoded.State)
	}
}
