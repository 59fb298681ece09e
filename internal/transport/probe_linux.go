//go:build linux

package transport

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// probeAvailable returns the bytes queued for reading. A pending socket
// error, such as a reset from the peer, is returned instead.
func probeAvailable(conn net.Conn) (int, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return 0, nil
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return 0, err
	}

	var (
		n    int
		perr error
	)
	err = raw.Control(func(fd uintptr) {
		soerr, err := unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_ERROR)
		if err != nil {
			perr = err
			return
		}
		if soerr != 0 {
			perr = syscall.Errno(soerr)
			return
		}
		n, perr = unix.IoctlGetInt(int(fd), unix.SIOCINQ)
	})
	if err != nil {
		return 0, err
	}
	return n, perr
}
