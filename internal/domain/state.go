package domain

// PositionState is the lifecycle state of a position.
type PositionState string

const (
	StatePendingEntry PositionState = "pending_entry"
	StateActive       PositionState = "active"
	StateExiting      PositionState = "exiting"
	StateClosed       PositionState = "closed"
)

// LiveStates are the states in which a position holds quantity.
var LiveStates = []PositionState{StatePendingEntry, StateActive, StateExiting}

// validTransitions lists the allowed moves of the position state machine.
// exiting -> active is the rollback taken when an exit attempt fails;
// pending_entry -> closed only happens for a rejected entry order.
var validTransitions = map[PositionState][]PositionState{
	StatePendingEntry: {StateActive, StateClosed},
	StateActive:       {StateExiting},
	StateExiting:      {StateClosed, StateActive},
	StateClosed:       {},
}

// CanTransition reports whether from -> to is a legal state change.
func CanTransition(from, to PositionState) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Live reports whether the state still carries open quantity.
func (s PositionState) Live() bool {
	return s == StatePendingEntry || s == StateActive || s == StateExiting
}

// GroupStatus is the lifecycle state of a position group.
type GroupStatus string

const (
	GroupFilling    GroupStatus = "filling"
	GroupActive     GroupStatus = "active"
	GroupExiting    GroupStatus = "exiting"
	GroupClosed     GroupStatus = "closed"
	GroupFailedExit GroupStatus = "failed_exit"
)
