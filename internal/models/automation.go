package models

import "time"

// Trigger kinds.
const (
	TriggerDaily   = "daily"
	TriggerOneShot = "once"
)

// Trigger is either a recurring time-of-day on a set of weekdays or a one-shot instant.
type Trigger struct {
	Type string `json:"type"` // daily | once

	// daily: "HH:MM" in the engine's local time zone; empty Days means every day
	At   string         `json:"at,omitempty"`
	Days []time.Weekday `json:"days,omitempty"`

	// once
	When *time.Time `json:"when,omitempty"`
}

// CommandTemplate is the action a rule submits when it fires.
type CommandTemplate struct {
	Kind    CommandKind    `json:"kind"`
	Payload CommandPayload `json:"payload"`
}

// AutomationRule is a persisted, ordered time-based rule.
type AutomationRule struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Enabled   bool            `json:"enabled"`
	Trigger   Trigger         `json:"trigger"`
	Action    CommandTemplate `json:"action"`
	LastFired *time.Time      `json:"last_fired,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}
