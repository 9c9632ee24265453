package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by Send and friends while no connection is up.
	ErrNotConnected = errors.New("push channel is not connected")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("push channel is closed")

	// ErrAuth marks authentication failures. A fresh token is required before a
	// reconnect can succeed.
	ErrAuth = errors.New("authentication failed")

	// ErrReconnectExhausted is the status error once the reconnect budget is spent.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

	// ErrUnsupportedEvent is returned by drivers for control events they cannot carry.
	ErrUnsupportedEvent = errors.New("unsupported event")
)

// ConnectionError wraps a transport-level failure. It drives reconnect backoff and
// is never surfaced as a mutation failure.
type ConnectionError struct {
	Op  string // dial, handshake, send, receive
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection %s failed: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// AuthError carries the server's reason for rejecting a token.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	if e.Reason == "" {
		return ErrAuth.Error()
	}
	return fmt.Sprintf("%s: %s", ErrAuth.Error(), e.Reason)
}

// Is allows errors.Is(err, ErrAuth).
func (e *AuthError) Is(target error) bool {
	return target == ErrAuth
}
