package models

import "time"

// ConnectionState is the lifecycle state of the single device session.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "DISCONNECTED"
	StateConnecting   ConnectionState = "CONNECTING"
	StateConnected    ConnectionState = "CONNECTED"
	StateError        ConnectionState = "ERROR"
)

// ConnectionStatus is an immutable view of the connection at one instant.
type ConnectionStatus struct {
	State         ConnectionState `json:"connection_state"`
	Since         time.Time       `json:"since"`
	LastError     string          `json:"last_error,omitempty"`
	LastErrorAt   *time.Time      `json:"last_error_at,omitempty"`
	LastContactAt *time.Time      `json:"last_contact_at,omitempty"`
}

// Connected reports whether a live session exists.
func (s ConnectionStatus) Connected() bool { return s.State == StateConnected }
