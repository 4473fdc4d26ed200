//go:build !linux

package device

import (
	"errors"
	"log/slog"
)

type RebootResetter struct {
	Log *slog.Logger
}

func (RebootResetter) Reset() error {
	return errors.New("reboot is only supported on linux")
}
