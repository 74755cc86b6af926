package service

import (
	"time"

	"spa_engine/internal/models"
)

// LogFilter selects a history tail.
type LogFilter struct {
	Category string // "", "command", "connection", "automation"
	Limit    int    // <= 0 means the default
}

// RuleInput is the user-editable part of an automation rule.
// A nil Enabled means enabled on create and unchanged on update.
type RuleInput struct {
	Name    string
	Enabled *bool
	Trigger models.Trigger
	Action  models.CommandTemplate
}

// Recorder is the history sink used by the engine components.
type Recorder interface {
	Record(cat models.LogCategory, msg string, fields map[string]any)
}

// Publisher accepts push events for fan-out.
type Publisher interface {
	Publish(ev models.Event)
}

type nopRecorder struct{}

func (nopRecorder) Record(models.LogCategory, string, map[string]any) {}

type nopPublisher struct{}

func (nopPublisher) Publish(models.Event) {}

// toUTC normalizes non-zero time to UTC, preserving zero values.
func toUTC(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC()
}
