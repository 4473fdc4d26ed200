package relay

import "errors"

var (
	ErrInvalidState = errors.New("invalid relay state")
	ErrNilActuator  = errors.New("relay: actuator is required")
	ErrActuator     = errors.New("relay: actuator write failed")
)
