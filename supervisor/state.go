package supervisor

import (
	"github.com/google/uuid"
)

// State is the lifecycle position of one execution.
type State uint8

const (
	StateCreated State = iota
	StateResolving
	StateCompiling
	StateRunning
	StateCompleted
	StateCancelled
	StateFailed
)

var stateNames = [...]string{
	StateCreated:   "created",
	StateResolving: "resolving",
	StateCompiling: "compiling",
	StateRunning:   "running",
	StateCompleted: "completed",
	StateCancelled: "cancelled",
	StateFailed:    "failed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Terminal reports whether no further transitions follow s.
func (s State) Terminal() bool {
	return s >= StateCompleted
}

// Transition is delivered to observers on every state change. Err is set
// when To is StateFailed.
type Transition struct {
	ID   uuid.UUID
	From State
	To   State
	Err  error
}

// Observer receives transitions in order, from the execution's goroutine.
type Observer func(Transition)
