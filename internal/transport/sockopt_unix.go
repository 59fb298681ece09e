//go:build unix

package transport

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// bindControl returns a net.Dialer/net.ListenConfig Control function that
// sets SO_REUSEADDR and, when rcvBuf is positive, SO_RCVBUF before the socket
// is bound. Sockets accepted from a listener inherit its receive buffer.
func bindControl(reuseAddr bool, rcvBuf int) func(network, address string, c syscall.RawConn) error {
	if !reuseAddr && rcvBuf <= 0 {
		return nil
	}
	return func(_, _ string, c syscall.RawConn) error {
		var serr error
		err := c.Control(func(fd uintptr) {
			if reuseAddr {
				serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			}
			if serr == nil && rcvBuf > 0 {
				serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, rcvBuf)
			}
		})
		if err != nil {
			return err
		}
		return serr
	}
}

func setOOBInline(sc syscall.Conn, on bool) error {
	return withFD(sc, func(fd int) error {
		return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_OOBINLINE, boolInt(on))
	})
}

func getBufferSize(sc syscall.Conn, recv bool) (int, error) {
	opt := unix.SO_SNDBUF
	if recv {
		opt = unix.SO_RCVBUF
	}
	var n int
	err := withFD(sc, func(fd int) error {
		var err error
		n, err = unix.GetsockoptInt(fd, unix.SOL_SOCKET, opt)
		return err
	})
	return n, err
}

func setBufferSize(sc syscall.Conn, recv bool, n int) error {
	opt := unix.SO_SNDBUF
	if recv {
		opt = unix.SO_RCVBUF
	}
	return withFD(sc, func(fd int) error {
		return unix.SetsockoptInt(fd, unix.SOL_SOCKET, opt, n)
	})
}

func withFD(sc syscall.Conn, fn func(fd int) error) error {
	raw, err := sc.SyscallConn()
	if err != nil {
		return err
	}
	var ferr error
	if err := raw.Control(func(fd uintptr) { ferr = fn(int(fd)) }); err != nil {
		return err
	}
	return ferr
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
