package mqttctrl

import "errors"

var (
	ErrInvalidQoS       = errors.New("mqtt: QoS must be 0 or 1")
	ErrConnectionFailed = errors.New("mqtt: connection failed")
	ErrNotConnected     = errors.New("mqtt: not connected")
	ErrPublishFailed    = errors.New("mqtt: publish failed")
	ErrSubscribeFailed  = errors.New("mqtt: subscribe failed")
	ErrTimeout          = errors.New("mqtt: operation timed out")
	ErrMalformedCommand = errors.New("mqtt: malformed command payload")
	ErrMissingCommand   = errors.New("mqtt: command payload has no state or command key")
	ErrUnknownCommand   = errors.New("mqtt: unknown command")
	ErrInboundQueueFull = errors.New("mqtt: inbound queue full")
)
