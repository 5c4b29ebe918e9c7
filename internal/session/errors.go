// ABOUTME: Typed errors for session lifecycle and registry operations
// ABOUTME: Conflict errors carry machine-readable codes for the HTTP layer

package session

import (
	"errors"
	"fmt"
)

// ErrNotFound indicates no session or record exists for the agent id.
var ErrNotFound = errors.New("session not found")

// ErrDestroyed indicates the session has been destroyed and accepts no
// further operations.
var ErrDestroyed = errors.New("session destroyed")

// Conflict codes
const (
	CodeReconnectInProgress    = "RECONNECT_IN_PROGRESS"
	CodeReconnectNotAuthorized = "RECONNECT_NOT_AUTHORIZED"
	CodeAlreadyConnected       = "ALREADY_CONNECTED"
	CodeSessionNotReady        = "SESSION_NOT_READY"
)

// ConflictError indicates an operation was requested while the session is
// in an incompatible state. The code is machine-readable.
type ConflictError struct {
	Code    string
	Message string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func conflict(code, message string) *ConflictError {
	return &ConflictError{Code: code, Message: message}
}

// PairingRequiredError is returned by a stored-credential reconnect when
// the network demands a fresh pairing instead. ImageAvailable reports
// whether a pairing image is already held by the session.
type PairingRequiredError struct {
	ImageAvailable bool
}

func (e *PairingRequiredError) Error() string {
	return "reconnect requires a new pairing code"
}

// TimeoutError indicates a bounded wait for a pairing code or ready state
// elapsed without an outcome.
type TimeoutError struct {
	Waiting string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out waiting for %s", e.Waiting)
}

// AuthFailedError carries the network's authentication failure message.
type AuthFailedError struct {
	Reason string
}

func (e *AuthFailedError) Error() string {
	return fmt.Sprintf("authentication failed: %s", e.Reason)
}
