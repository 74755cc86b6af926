package models

import "time"

// LogCategory partitions the history log into independent files.
type LogCategory string

const (
	CategoryCommand    LogCategory = "command"
	CategoryConnection LogCategory = "connection"
	CategoryAutomation LogCategory = "automation"
)

// Categories lists every history category in a stable order.
var Categories = []LogCategory{CategoryCommand, CategoryConnection, CategoryAutomation}

// Valid reports whether c is a known category.
func (c LogCategory) Valid() bool {
	for _, k := range Categories {
		if k == c {
			return true
		}
	}
	return false
}

// LogEntry is a single append-only history record.
type LogEntry struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"ts"`
	Category  LogCategory    `json:"category"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
}
