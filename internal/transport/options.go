package transport

import (
	"fmt"
	"net"
	"strconv"
	"syscall"
	"time"
)

// Option names a socket option.
type Option int

const (
	SoReuseAddr Option = iota
	SoKeepAlive
	SoLinger
	SoRcvBuf
	SoSndBuf
	TCPNoDelay
	SoOOBInline
	SoTimeout
)

func (o Option) String() string {
	switch o {
	case SoReuseAddr:
		return "SO_REUSEADDR"
	case SoKeepAlive:
		return "SO_KEEPALIVE"
	case SoLinger:
		return "SO_LINGER"
	case SoRcvBuf:
		return "SO_RCVBUF"
	case SoSndBuf:
		return "SO_SNDBUF"
	case TCPNoDelay:
		return "TCP_NODELAY"
	case SoOOBInline:
		return "SO_OOBINLINE"
	case SoTimeout:
		return "SO_TIMEOUT"
	default:
		return "Option(" + strconv.Itoa(int(o)) + ")"
	}
}

func (o Option) valid() bool {
	return o >= SoReuseAddr && o <= SoTimeout
}

// options holds the values set on a transport. Values set before the native
// handle exists are applied once it does.
//
// Value types: bool for SoReuseAddr, SoKeepAlive, TCPNoDelay and
// SoOOBInline; int for SoRcvBuf and SoSndBuf; int seconds for SoLinger
// (negative disables); time.Duration for SoTimeout.
type options struct {
	set map[Option]any
}

func (o *options) store(opt Option, value any) error {
	if err := checkOptionValue(opt, value); err != nil {
		return err
	}
	if o.set == nil {
		o.set = make(map[Option]any)
	}
	o.set[opt] = value
	return nil
}

func (o *options) load(opt Option) (any, bool) {
	v, ok := o.set[opt]
	return v, ok
}

func (o *options) bool(opt Option) bool {
	v, _ := o.set[opt].(bool)
	return v
}

func (o *options) timeout() time.Duration {
	v, _ := o.set[SoTimeout].(time.Duration)
	return v
}

func checkOptionValue(opt Option, value any) error {
	var ok bool
	switch opt {
	case SoReuseAddr, SoKeepAlive, TCPNoDelay, SoOOBInline:
		_, ok = value.(bool)
	case SoLinger:
		_, ok = value.(int)
	case SoRcvBuf, SoSndBuf:
		var n int
		n, ok = value.(int)
		ok = ok && n > 0
	case SoTimeout:
		var d time.Duration
		d, ok = value.(time.Duration)
		ok = ok && d >= 0
	default:
		return fmt.Errorf("%w: %s", ErrInvalidOption, opt)
	}
	if !ok {
		return fmt.Errorf("%w: %s does not accept %v (%T)", ErrInvalidOption, opt, value, value)
	}
	return nil
}

// applyConnOption pushes one option to a live connection. SoTimeout and
// SoReuseAddr are not per-connection settings and are ignored here.
func applyConnOption(conn net.Conn, opt Option, value any) error {
	tc, isTCP := conn.(*net.TCPConn)
	switch opt {
	case SoKeepAlive:
		if isTCP {
			return tc.SetKeepAlive(value.(bool))
		}
	case SoLinger:
		if isTCP {
			return tc.SetLinger(value.(int))
		}
	case SoRcvBuf:
		if isTCP {
			return tc.SetReadBuffer(value.(int))
		}
	case SoSndBuf:
		if isTCP {
			return tc.SetWriteBuffer(value.(int))
		}
	case TCPNoDelay:
		if isTCP {
			return tc.SetNoDelay(value.(bool))
		}
	case SoOOBInline:
		if sc, ok := conn.(syscall.Conn); ok {
			return setOOBInline(sc, value.(bool))
		}
	}
	return nil
}

// applyAll pushes every stored option to conn, stopping at the first error.
func (o *options) applyAll(conn net.Conn) error {
	for opt, v := range o.set {
		if err := applyConnOption(conn, opt, v); err != nil {
			return fmt.Errorf("apply %s: %w", opt, err)
		}
	}
	return nil
}

// queryConnOption reads an option from the kernel where the stored value
// may differ from the effective one.
func queryConnOption(conn net.Conn, opt Option) (any, bool) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return nil, false
	}
	switch opt {
	case SoRcvBuf, SoSndBuf:
		n, err := getBufferSize(sc, opt == SoRcvBuf)
		if err != nil {
			return nil, false
		}
		return n, true
	}
	return nil, false
}

// defaultOption is returned by GetOption for options never set.
func defaultOption(opt Option) any {
	switch opt {
	case SoLinger:
		return -1
	case SoRcvBuf, SoSndBuf:
		return 0
	case SoTimeout:
		return time.Duration(0)
	default:
		return false
	}
}
