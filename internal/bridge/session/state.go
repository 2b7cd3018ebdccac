// Package session provides the per-call coordinator between the telephony
// media stream and the upstream speech peer, and the process-wide registry
// of active calls.
package session

import "fmt"

// State represents the connection state of a call session.
type State int

const (
	// StateCreated indicates the session exists but no upstream connect
	// has been attempted.
	StateCreated State = iota
	// StateConnecting indicates the upstream connect handshake is in flight.
	StateConnecting
	// StateConnected indicates the upstream connection is established.
	StateConnected
	// StateStreaming indicates caller audio is being forwarded upstream.
	StateStreaming
	// StateInterrupted indicates caller speech superseded an active AI turn
	// and its cancellation is pending confirmation.
	StateInterrupted
	// StateClosing indicates teardown is in progress.
	StateClosing
	// StateClosed indicates the session terminated cleanly. Terminal.
	StateClosed
	// StateFailed indicates an unrecoverable failure. Terminal.
	StateFailed
)

// String returns the string representation of State.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateStreaming:
		return "Streaming"
	case StateInterrupted:
		return "Interrupted"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	case StateFailed:
		return "Failed"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// IsTerminal returns true if no further transition is possible.
func (s State) IsTerminal() bool {
	return s == StateClosed || s == StateFailed
}

// canTransition reports whether moving from one state to another is legal.
// Closing is reachable from any non-terminal state; Failed from any
// non-terminal state; Streaming only from Connected or Interrupted.
func canTransition(from, to State) bool {
	if from.IsTerminal() {
		return false
	}
	switch to {
	case StateConnecting:
		return from == StateCreated
	case StateConnected:
		return from == StateConnecting
	case StateStreaming:
		return from == StateConnected || from == StateInterrupted
	case StateInterrupted:
		return from == StateStreaming
	case StateClosing:
		return from != StateClosing
	case StateClosed:
		return from == StateClosing
	case StateFailed:
		return true
	default:
		return false
	}
}
