package models

import "time"

// CommandKind enumerates the control operations the dispatcher accepts.
type CommandKind string

const (
	KindSetTemperature CommandKind = "set-temperature"
	KindToggleActuator CommandKind = "toggle-actuator"
	KindToggleLight    CommandKind = "toggle-light"
)

// Origin identifies who submitted a command. It is metadata only and never affects ordering.
type Origin string

const (
	OriginUser      Origin = "user"
	OriginScheduler Origin = "scheduler"
)

// CommandPayload carries the kind-specific arguments; unused fields stay empty.
type CommandPayload struct {
	// set-temperature, in Fahrenheit
	Temperature *float64 `json:"temperature,omitempty"`

	// toggle-actuator; State "" toggles the current state
	ActuatorID string `json:"actuator_id,omitempty"`
	State      string `json:"state,omitempty"`
	Speed      string `json:"speed,omitempty"`

	// toggle-light; On nil toggles the current state
	On    *bool  `json:"on,omitempty"`
	Zone  string `json:"zone,omitempty"`
	Color string `json:"color,omitempty"`
}

// Command is created at submission and is not mutated once dispatch begins.
type Command struct {
	ID          string         `json:"id"`
	Kind        CommandKind    `json:"kind"`
	Payload     CommandPayload `json:"payload"`
	Origin      Origin         `json:"origin"`
	RuleID      string         `json:"rule_id,omitempty"`
	SubmittedAt time.Time      `json:"submitted_at"`
}

// CommandResult is the terminal outcome returned to the submitter.
type CommandResult struct {
	CommandID string `json:"command_id,omitempty"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
}
