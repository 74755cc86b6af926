package service

import "errors"

// Validation and connectivity reasons surfaced to callers in CommandResult.Error.
var (
	ErrNotConnected     = errors.New("not connected")
	ErrExceedsMaximum   = errors.New("exceeds maximum")
	ErrOutOfRange       = errors.New("outside device range")
	ErrUnknownActuator  = errors.New("unknown actuator")
	ErrUnsupported      = errors.New("not supported by device")
	ErrInvalidCommand   = errors.New("invalid command")
	ErrStateUnavailable = errors.New("device state unavailable")
)

var (
	ErrDispatcherStopped = errors.New("dispatcher stopped")
	ErrRuleNotFound      = errors.New("automation rule not found")
	ErrInvalidRule       = errors.New("invalid automation rule")
	ErrInvalidFilter     = errors.New("invalid log filter")
)
