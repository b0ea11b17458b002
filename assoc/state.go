// Package assoc implements the DICOM upper-layer association state
// machine described in spec.md §4.2: idle -> awaiting_associate_rq (or
// awaiting_associate_ac on the requestor side) -> established ->
// releasing -> closed, with an abort transition reachable from every
// non-terminal state. pdu.Layer drives one State per connection.
package assoc

import (
	"fmt"
	"sync"
)

// State names one point in the association lifecycle.
type State string

const (
	StateIdle                State = "idle"
	StateAwaitingAssociateRQ State = "awaiting_associate_rq"
	StateAwaitingAssociateAC State = "awaiting_associate_ac"
	StateEstablished         State = "established"
	StateReleasing           State = "releasing"
	StateClosed              State = "closed"
	StateAborted             State = "aborted"
)

// transitions enumerates every legal state change. Any change not
// listed here is rejected by Fire.
var transitions = map[State][]State{
	StateIdle:                {StateAwaitingAssociateRQ, StateAwaitingAssociateAC, StateAborted},
	StateAwaitingAssociateRQ: {StateEstablished, StateAborted, StateClosed},
	StateAwaitingAssociateAC: {StateEstablished, StateAborted, StateClosed},
	StateEstablished:         {StateReleasing, StateAborted},
	StateReleasing:           {StateClosed, StateAborted},
	StateClosed:              {},
	StateAborted:             {},
}

// TransitionError reports an attempted but disallowed state change.
type TransitionError struct {
	From, To State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("assoc: illegal transition %s -> %s", e.From, e.To)
}

// StateMachine is a single association's state, guarded for concurrent
// access from the PDU read loop and any timeout goroutine that aborts
// an idle association.
type StateMachine struct {
	mu      sync.Mutex
	current State
}

// NewStateMachine returns a StateMachine starting in StateIdle.
func NewStateMachine() *StateMachine {
	return &StateMachine{current: StateIdle}
}

// Current returns the association's current state.
func (sm *StateMachine) Current() State {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.current
}

// Fire attempts the transition to 'to', returning a *TransitionError if
// it is not legal from the current state. A terminal state (closed,
// aborted) never accepts a further Fire.
func (sm *StateMachine) Fire(to State) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	for _, candidate := range transitions[sm.current] {
		if candidate == to {
			sm.current = to
			return nil
		}
	}
	return &TransitionError{From: sm.current, To: to}
}

// Abort unconditionally moves the association to StateAborted. Unlike
// Fire, it always succeeds from a non-terminal state and is a no-op
// from a terminal one; callers use it from error paths where refusing
// the transition would leave the connection in limbo.
func (sm *StateMachine) Abort() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.current == StateClosed || sm.current == StateAborted {
		return
	}
	sm.current = StateAborted
}

// IsEstablished reports whether DIMSE traffic may currently flow.
func (sm *StateMachine) IsEstablished() bool {
	return sm.Current() == StateEstablished
}

// IsTerminal reports whether the association has reached a state from
// which no further transition is possible.
func (sm *StateMachine) IsTerminal() bool {
	switch sm.Current() {
	case StateClosed, StateAborted:
		return true
	default:
		return false
	}
}
