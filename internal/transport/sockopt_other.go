//go:build !unix

package transport

import "syscall"

func bindControl(bool, int) func(network, address string, c syscall.RawConn) error {
	return nil
}

func setOOBInline(syscall.Conn, bool) error {
	return ErrUnsupportedOpt
}

func getBufferSize(syscall.Conn, bool) (int, error) {
	return 0, ErrUnsupportedOpt
}

func setBufferSize(syscall.Conn, bool, int) error {
	return ErrUnsupportedOpt
}
