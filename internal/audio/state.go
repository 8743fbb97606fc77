package audio

import "fmt"

// State represents the lifecycle position of a session
type State string

const (
	StateCreated  State = "CREATED"
	StatePrepared State = "PREPARED"
	StateRunning  State = "RUNNING"
	StateDraining State = "DRAINING"
	StateClosed   State = "CLOSED"
)

// ExitReason explains why the exchange loop returned without error
type ExitReason string

const (
	ExitShutdown       ExitReason = "shutdown"
	ExitEndOfStream    ExitReason = "end-of-stream"
	ExitBackendStopped ExitReason = "backend-stopped"
)

var transitions = map[State][]State{
	StateCreated:  {StatePrepared, StateClosed},
	StatePrepared: {StateRunning, StateClosed},
	StateRunning:  {StateDraining, StateClosed},
	StateDraining: {StateClosed},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to State) error {
	if !canTransition(from, to) {
		return fmt.Errorf("%w: cannot move from %s to %s", ErrInvalidState, from, to)
	}
	return nil
}
