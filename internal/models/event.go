package models

import "time"

// EventType names a push notification delivered to subscribers.
type EventType string

const (
	EventStateUpdate      EventType = "state_update"
	EventConnectionUpdate EventType = "connection_update"
	EventLog              EventType = "event_log"
)

// Event is one typed notification. Payload is a DeviceSnapshot, ConnectionStatus or LogEntry.
type Event struct {
	Type    EventType `json:"type"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}
