//go:build !linux

package timesync

import (
	"errors"
	"time"
)

// SystemClock is unsupported off Linux; Set always fails and the sync result says so.
type SystemClock struct{}

func (SystemClock) Set(time.Time) error {
	return errors.New("setting the system clock is only supported on linux")
}
