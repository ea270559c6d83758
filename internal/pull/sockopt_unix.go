//go:build unix

package pull

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// controlSocket enables address reuse. After sending agent data the
// socket lingers in TIME_WAIT; without reuse that would block re-binding
// when the controller restarts (agent update or manual restart).
func controlSocket(network, address string, c syscall.RawConn) error {
	var sockErr error
	if err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	}); err != nil {
		return err
	}
	return sockErr
}
