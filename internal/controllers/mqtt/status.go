package mqttctrl

// Status is the connection state of the transport.
type Status int

const (
	StatusDisabled Status = iota
	StatusConnecting
	StatusConnected
	StatusDisconnected
)

func (s Status) String() string {
	switch s {
	case StatusDisabled:
		return "disabled"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}
