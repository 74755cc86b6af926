package models

import (
	"reflect"
	"time"
)

// Temperature units reported by the controller.
const (
	UnitsFahrenheit = "F"
	UnitsCelsius    = "C"
)

// Actuator operating states.
const (
	ActuatorOn  = "on"
	ActuatorOff = "off"
)

// DeviceSnapshot is the normalized state decoded from a single controller read.
// A published snapshot is never mutated; every refresh produces a new value.
type DeviceSnapshot struct {
	Temperature  Temperature  `json:"temps"`
	Heater       Heater       `json:"heater"`
	Actuators    []Actuator   `json:"pumps"`
	Lights       Lights       `json:"lights"`
	Faults       []Fault      `json:"errors"`
	Capabilities Capabilities `json:"capabilities"`
}

// Temperature values are normalized to Fahrenheit; Units records what the device reports natively.
type Temperature struct {
	CurrentF  *float64 `json:"current_f"`
	SetpointF *float64 `json:"setpoint_f"`
	Units     string   `json:"units"`
}

type Heater struct {
	On bool `json:"on"`
}

type Actuator struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	State string `json:"state"` // on | off
	Speed string `json:"speed,omitempty"`
}

type Lights struct {
	On    bool     `json:"on"`
	Color string   `json:"color,omitempty"`
	Zones []string `json:"zones,omitempty"`
}

type Fault struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

type Capabilities struct {
	CanSetTemp    bool     `json:"can_set_temp"`
	MinSetpointF  float64  `json:"min_setpoint_f,omitempty"`
	MaxSetpointF  float64  `json:"max_setpoint_f,omitempty"`
	ActuatorCount int      `json:"pumps_count"`
	HasLights     bool     `json:"has_lights"`
	Features      []string `json:"features,omitempty"`
}

// Actuator returns the actuator with the given id.
func (s *DeviceSnapshot) Actuator(id string) (Actuator, bool) {
	for _, a := range s.Actuators {
		if a.ID == id {
			return a, true
		}
	}
	return Actuator{}, false
}

// Equal reports whether two snapshots describe the same observable device state.
func (s *DeviceSnapshot) Equal(o *DeviceSnapshot) bool {
	if s == nil || o == nil {
		return s == o
	}
	return reflect.DeepEqual(*s, *o)
}

// StateView answers the snapshot query: the latest snapshot (nil before the first read)
// annotated with the current connection status.
type StateView struct {
	Snapshot    *DeviceSnapshot  `json:"state"`
	Connection  ConnectionStatus `json:"meta"`
	LastUpdated *time.Time       `json:"last_updated,omitempty"`
}
