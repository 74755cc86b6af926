package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"spa_engine/internal/models"
)

// Accessor keys in a raw state frame.
const (
	KeyTempUnits     = "TempUnits"
	KeyDisplayedTemp = "DisplayedTempG"
	KeyWaterTemp     = "RhWaterTemp"
	KeyRealSetpoint  = "RealSetPointG"
	KeySetpoint      = "SetpointG"
	KeyMinSetpoint   = "MinSetPointG"
	KeyMaxSetpoint   = "MaxSetPointG"
	KeyHeating       = "Heating"
)

// noFaultStates are error_state values meaning "no active faults".
var noFaultStates = map[string]struct{}{
	"":                      {},
	"None":                  {},
	"No errors or warnings": {},
}

// Frame is the wire shape of a raw state read.
type Frame struct {
	Accessors  map[string]any `json:"accessors"`
	Pumps      []FramePump    `json:"pumps"`
	Lights     []FrameLight   `json:"lights"`
	ErrorState string         `json:"error_state"`
	Faults     []models.Fault `json:"faults,omitempty"`
	Features   []string       `json:"features,omitempty"`
}

type FramePump struct {
	Key  string `json:"key"`
	Name string `json:"name"`
	On   bool   `json:"on"`
	Mode string `json:"mode,omitempty"`
}

type FrameLight struct {
	Key   string `json:"key"`
	Name  string `json:"name"`
	On    bool   `json:"on"`
	Color string `json:"color,omitempty"`
}

// Decode turns a raw frame into a normalized snapshot. Any structural problem yields an
// error wrapping ErrMalformed.
func Decode(raw []byte) (models.DeviceSnapshot, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return models.DeviceSnapshot{}, fmt.Errorf("%w: empty frame", ErrMalformed)
	}
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return models.DeviceSnapshot{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if f.Accessors == nil {
		return models.DeviceSnapshot{}, fmt.Errorf("%w: missing accessors", ErrMalformed)
	}

	units := models.UnitsFahrenheit
	if u, ok := f.Accessors[KeyTempUnits].(string); ok && strings.HasPrefix(strings.ToUpper(u), "C") {
		units = models.UnitsCelsius
	}

	current, err := firstNumber(f.Accessors, KeyDisplayedTemp, KeyWaterTemp)
	if err != nil {
		return models.DeviceSnapshot{}, err
	}
	setpoint, err := firstNumber(f.Accessors, KeyRealSetpoint, KeySetpoint)
	if err != nil {
		return models.DeviceSnapshot{}, err
	}
	minSP, err := firstNumber(f.Accessors, KeyMinSetpoint)
	if err != nil {
		return models.DeviceSnapshot{}, err
	}
	maxSP, err := firstNumber(f.Accessors, KeyMaxSetpoint)
	if err != nil {
		return models.DeviceSnapshot{}, err
	}

	snap := models.DeviceSnapshot{
		Temperature: models.Temperature{
			CurrentF:  toFahrenheit(current, units),
			SetpointF: toFahrenheit(setpoint, units),
			Units:     units,
		},
		Actuators: make([]models.Actuator, 0, len(f.Pumps)),
		Faults:    decodeFaults(f),
	}
	if on, ok := f.Accessors[KeyHeating].(bool); ok {
		snap.Heater.On = on
	}

	for i, p := range f.Pumps {
		id := p.Key
		if id == "" {
			id = p.Name
		}
		if id == "" {
			id = fmt.Sprintf("pump-%d", i+1)
		}
		state := models.ActuatorOff
		if p.On {
			state = models.ActuatorOn
		}
		snap.Actuators = append(snap.Actuators, models.Actuator{ID: id, Label: p.Name, State: state, Speed: p.Mode})
	}

	for _, l := range f.Lights {
		if l.On {
			snap.Lights.On = true
		}
		if snap.Lights.Color == "" && l.Color != "" {
			snap.Lights.Color = l.Color
		}
		if l.Key != "" && len(f.Lights) > 1 {
			snap.Lights.Zones = append(snap.Lights.Zones, l.Key)
		}
	}

	snap.Capabilities = models.Capabilities{
		CanSetTemp:    setpoint != nil,
		ActuatorCount: len(snap.Actuators),
		HasLights:     len(f.Lights) > 0,
	}
	if len(f.Features) > 0 {
		snap.Capabilities.Features = append([]string(nil), f.Features...)
	}
	if v := toFahrenheit(minSP, units); v != nil {
		snap.Capabilities.MinSetpointF = *v
	}
	if v := toFahrenheit(maxSP, units); v != nil {
		snap.Capabilities.MaxSetpointF = *v
	}
	return snap, nil
}

func decodeFaults(f Frame) []models.Fault {
	out := make([]models.Fault, 0, len(f.Faults))
	if len(f.Faults) > 0 {
		return append(out, f.Faults...)
	}
	if _, ok := noFaultStates[strings.TrimSpace(f.ErrorState)]; ok {
		return out
	}
	for _, entry := range strings.Split(f.ErrorState, ",") {
		code := strings.TrimSpace(entry)
		if code == "" {
			continue
		}
		out = append(out, models.Fault{Code: code, Message: code, Severity: "unknown"})
	}
	return out
}

// firstNumber returns the first present accessor among keys. A present but non-numeric value
// is malformed.
func firstNumber(acc map[string]any, keys ...string) (*float64, error) {
	for _, k := range keys {
		v, ok := acc[k]
		if !ok || v == nil {
			continue
		}
		n, ok := v.(float64)
		if !ok {
			return nil, fmt.Errorf("%w: accessor %s is %T, want number", ErrMalformed, k, v)
		}
		return &n, nil
	}
	return nil, nil
}

func toFahrenheit(v *float64, units string) *float64 {
	if v == nil {
		return nil
	}
	f := *v
	if units == models.UnitsCelsius {
		f = f*9.0/5.0 + 32.0
	}
	return &f
}
