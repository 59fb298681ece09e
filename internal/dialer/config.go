package dialer

import (
	"net"
	"syscall"
	"time"
)

type Config struct {
	DialTimeout time.Duration
	KeepAlive   net.KeepAliveConfig

	// LocalAddr, when set, binds the outbound socket before connecting.
	LocalAddr net.Addr

	// Control is passed to net.Dialer and runs before the socket connects.
	Control func(network, address string, c syscall.RawConn) error
}
