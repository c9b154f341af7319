//go:build unix

package pulse

import (
	"errors"

	"golang.org/x/sys/unix"
)

// ProcessAlive sends signal 0 to pid. Permission errors mean the process
// exists under another user.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return true
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
