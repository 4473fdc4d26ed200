package relay

import (
	"fmt"
	"time"
)

// State is the relay output: On energises the coil.
type State bool

const (
	Off State = false
	On  State = true
)

func (s State) String() string {
	if s {
		return "on"
	}
	return "off"
}

// ParseState accepts exactly "on" or "off".
func ParseState(s string) (State, error) {
	switch s {
	case "on":
		return On, nil
	case "off":
		return Off, nil
	default:
		return Off, fmt.Errorf("%w: %q", ErrInvalidState, s)
	}
}

// Status is the event emitted after every mutating call.
type Status struct {
	State     State
	Timestamp time.Time
	Source    string
}

// StatusPayload is the wire form shared by the MQTT status topic and the websocket stream.
type StatusPayload struct {
	State     string  `json:"state"`
	Timestamp float64 `json:"timestamp"`
	Source    string  `json:"source"`
}

func (s Status) Payload() StatusPayload {
	return StatusPayload{
		State:     s.State.String(),
		Timestamp: float64(s.Timestamp.Unix()) + float64(s.Timestamp.Nanosecond())/float64(time.Second),
		Source:    s.Source,
	}
}
