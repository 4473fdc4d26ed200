//go:build linux

package device

import (
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"

	"github.com/Agrid-Dev/picorelay/internal/logging"
)

// RebootResetter flushes filesystems and restarts the machine. Requires CAP_SYS_BOOT.
type RebootResetter struct {
	Log *slog.Logger
}

func (r RebootResetter) Reset() error {
	logging.OrDiscard(r.Log).Warn("rebooting device")
	unix.Sync()
	if err := unix.Reboot(unix.LINUX_REBOOT_CMD_RESTART); err != nil {
		return fmt.Errorf("reboot: %w", err)
	}
	return nil
}
