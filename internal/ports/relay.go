package ports

import "github.com/Agrid-Dev/picorelay/internal/relay"

// RelayService is the control-plane port used by controllers (HTTP/MQTT/Modbus).
type RelayService interface {
	State() relay.State
	TurnOn() error
	TurnOff() error
}

// LinkStatus reports whether the MQTT link is currently up.
type LinkStatus interface {
	Connected() bool
}
