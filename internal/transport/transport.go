// Package transport defines the boundary to the spa controller: discovery, a stateful
// session, and the raw state frame format. Callers bound every call with a context deadline.
package transport

import (
	"context"
	"errors"
)

var (
	ErrNotFound      = errors.New("device not found")
	ErrRejected      = errors.New("operation rejected by device")
	ErrSessionClosed = errors.New("session closed")
	ErrMalformed     = errors.New("malformed state frame")
)

// Operation keys understood by controllers.
const (
	OpSetpoint = "setpoint"
	OpActuator = "actuator"
	OpLight    = "light"
)

// Endpoint is a discovered controller.
type Endpoint struct {
	Address    string `json:"address"`
	HardwareID string `json:"hardware_id,omitempty"`
	Name       string `json:"name,omitempty"`
}

// Operation is a single write against the controller.
type Operation struct {
	Key    string `json:"key"`
	Target string `json:"target,omitempty"`
	Value  any    `json:"value"`
	Units  string `json:"units,omitempty"`
	Color  string `json:"color,omitempty"`
}

// Transport locates controllers and opens sessions to them.
type Transport interface {
	Discover(ctx context.Context, address string) (Endpoint, error)
	DiscoverByID(ctx context.Context, hardwareID string) (Endpoint, error)
	Connect(ctx context.Context, ep Endpoint) (Session, error)
}

// Session is a live channel to one controller. Implementations must tolerate one Read
// running concurrently with one Write; callers never issue two of the same kind at once.
type Session interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, op Operation) error
	Close() error
}
