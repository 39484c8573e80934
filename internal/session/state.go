// Package session owns conversation state and the streaming turn
// state machine, orchestrating quota admission, model transport and
// tool dispatch.
package session

// State is the lifecycle state of a conversation turn.
type State string

const (
	StateIdle          State = "IDLE"
	StateStreaming     State = "STREAMING"
	StateToolExecuting State = "TOOL_EXECUTING"
	StateCancelling    State = "CANCELLING"
	StateComplete      State = "COMPLETE"
	StateError         State = "ERROR"
)

// transitions is the set of legal state moves. COMPLETE and ERROR are
// terminal for the turn; the session returns to IDLE for the next one.
var transitions = map[State][]State{
	StateIdle:          {StateStreaming},
	StateStreaming:     {StateToolExecuting, StateCancelling, StateComplete, StateError},
	StateToolExecuting: {StateStreaming, StateCancelling, StateError},
	StateCancelling:    {StateComplete, StateError},
	StateComplete:      {StateIdle},
	StateError:         {StateIdle},
}

// CanTransitionTo reports whether moving from s to next is legal.
func (s State) CanTransitionTo(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the state ends the current turn.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateError
}
