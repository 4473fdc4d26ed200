// Package device holds device identity and the last-resort reset.
package device

import (
	"fmt"
	"log/slog"

	"github.com/Agrid-Dev/picorelay/internal/logging"
)

type Device struct {
	ID string
}

func New(id string) *Device {
	return &Device{ID: id}
}

// Resetter restarts the device. A successful hardware reset does not return.
type Resetter interface {
	Reset() error
}

// ExitResetter leaves the restart to the service manager: Reset only logs and
// returns, and the caller exits the process with a non-zero code.
type ExitResetter struct {
	Log *slog.Logger
}

func (r ExitResetter) Reset() error {
	logging.OrDiscard(r.Log).Warn("device reset requested, exiting for service manager restart")
	return nil
}

// NewResetter maps the configured reset mode to an implementation.
func NewResetter(mode string, log *slog.Logger) (Resetter, error) {
	switch mode {
	case "", "exit":
		return ExitResetter{Log: log}, nil
	case "reboot":
		return RebootResetter{Log: log}, nil
	default:
		return nil, fmt.Errorf("unknown reset mode %q", mode)
	}
}
