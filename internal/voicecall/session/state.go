package session

import (
	"errors"
	"fmt"
)

var ErrInvalidTransition = errors.New("invalid session state transition")

// State is a session's position in the call lifecycle.
type State int

const (
	StateConnecting State = iota
	StateStreaming
	StateEscalating
	StateClosing
	// StateClosed is terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateStreaming:
		return "STREAMING"
	case StateEscalating:
		return "ESCALATING"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var transitions = map[State][]State{
	StateConnecting: {StateStreaming, StateClosed},
	StateStreaming:  {StateEscalating, StateClosing},
	StateEscalating: {StateClosing, StateClosed},
	StateClosing:    {StateClosed},
}

func canTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to State) error {
	if !canTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
