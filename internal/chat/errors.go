package chat

import (
	"errors"
	"fmt"
)

// ErrOffline is returned when the connection manager has exhausted its
// reconnect attempts and the session is in a persistent offline state.
var ErrOffline = errors.New("realtime transport offline")

// ValidationError rejects bad input before any network call.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// AuthorizationError marks an operation attempted by a non-participant.
// It is fatal to that operation and never retried.
type AuthorizationError struct {
	UserID string
	Op     string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("user %s is not allowed to %s", e.UserID, e.Op)
}

// NotFoundError marks a conversation or message that no longer exists,
// e.g. deleted concurrently. Terminal for the view that hit it.
type NotFoundError struct {
	Kind string // "conversation" | "message"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// TransportError wraps a channel subscribe/drop failure. It feeds the
// reconnect path and is never shown to the user directly.
type TransportError struct {
	Channel string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error on channel %s: %v", e.Channel, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsNotFound reports whether err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsAuthorization reports whether err is (or wraps) an AuthorizationError.
func IsAuthorization(err error) bool {
	var ae *AuthorizationError
	return errors.As(err, &ae)
}
