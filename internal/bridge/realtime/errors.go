package realtime

import (
	"errors"
	"fmt"
)

// Sentinel errors for use with errors.Is.
var (
	// ErrAuthRejected indicates the speech peer refused our credentials.
	ErrAuthRejected = errors.New("authentication rejected")

	// ErrConnectTimeout indicates the connect handshake timed out.
	ErrConnectTimeout = errors.New("connect timeout")

	// ErrProtocolMismatch indicates the peer did not speak the expected protocol.
	ErrProtocolMismatch = errors.New("protocol mismatch")

	// ErrConnectExhausted indicates all reconnect attempts failed.
	ErrConnectExhausted = errors.New("reconnect attempts exhausted")

	// ErrClientClosed indicates an operation on a closed client.
	ErrClientClosed = errors.New("client closed")

	// ErrNotConnected indicates an operation requiring a live connection.
	ErrNotConnected = errors.New("not connected")

	// ErrProtocolViolation indicates an unexpected event shape from the peer.
	ErrProtocolViolation = errors.New("protocol violation")
)

// ConnectError reports a failed connection attempt with the number of
// attempts made. Unwraps to one of the sentinel errors above.
type ConnectError struct {
	Attempts int
	Cause    error
}

// Error returns the error message.
func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to speech peer failed after %d attempt(s): %v", e.Attempts, e.Cause)
}

// Unwrap returns the underlying cause.
func (e *ConnectError) Unwrap() error { return e.Cause }
