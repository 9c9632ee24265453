package transport

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of the push connection.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusError        Status = "error"
)

// Validate checks if the Status is a valid enum value.
func (s Status) Validate() error {
	switch s {
	case StatusDisconnected, StatusConnecting, StatusConnected, StatusReconnecting, StatusError:
		return nil
	default:
		return fmt.Errorf("unknown connection status: %q", s)
	}
}

// StatusInfo is a status snapshot with the time it was entered and the error that
// caused it, if any.
type StatusInfo struct {
	Status   Status
	Since    time.Time
	Err      error
	Attempts int // Reconnect attempts made since the last successful connection
}

// Connected reports whether the snapshot is StatusConnected.
func (s StatusInfo) Connected() bool {
	return s.Status == StatusConnected
}
