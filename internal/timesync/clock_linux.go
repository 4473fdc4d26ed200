//go:build linux

package timesync

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// SystemClock sets the kernel wall clock. Requires CAP_SYS_TIME.
type SystemClock struct{}

func (SystemClock) Set(t time.Time) error {
	tv := unix.NsecToTimeval(t.UnixNano())
	if err := unix.Settimeofday(&tv); err != nil {
		return fmt.Errorf("settimeofday: %w", err)
	}
	return nil
}
