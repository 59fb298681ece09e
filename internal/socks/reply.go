package socks

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"time"
)

// replyAttempts bounds the number of reads ReadReply makes to fill a buffer.
const replyAttempts = 3

// replyPoll is the pause between partial reads, capped by the time left
// before the deadline.
const replyPoll = 10 * time.Millisecond

// ReadReply reads exactly len(buf) bytes from conn. It makes at most
// replyAttempts reads, pausing between partial reads, and fails with
// ErrTimeout once deadline passes. A zero deadline never expires.
func ReadReply(conn net.Conn, buf []byte, deadline time.Time) (int, error) {
	return readReply(conn, buf, deadline, time.Sleep)
}

func readReply(conn net.Conn, buf []byte, deadline time.Time, sleep func(time.Duration)) (int, error) {
	received := 0
	for attempt := 0; received < len(buf) && attempt < replyAttempts; attempt++ {
		if attempt > 0 {
			pause := replyPoll
			if !deadline.IsZero() {
				pause = min(pause, time.Until(deadline))
			}
			if pause > 0 {
				sleep(pause)
			}
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return received, ErrTimeout
		}
		if err := conn.SetReadDeadline(deadline); err != nil {
			return received, fmt.Errorf("set reply deadline: %w", err)
		}

		n, err := conn.Read(buf[received:])
		received += n
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return received, ErrTimeout
			}
			if errors.Is(err, io.EOF) {
				break
			}
			return received, fmt.Errorf("read reply: %w", err)
		}
	}
	if received < len(buf) {
		return received, fmt.Errorf("%w: short reply, got %d of %d bytes", ErrProtocol, received, len(buf))
	}
	return received, nil
}

// readReply4 reads the fixed 8 byte SOCKS4 reply.
func (c *Client) readReply4() (Addr, error) {
	var buf [8]byte
	if _, err := readReply(c.conn, buf[:], c.deadline, c.sleep); err != nil {
		return Addr{}, err
	}
	if buf[0] != 0 && buf[0] != Version4 {
		return Addr{}, fmt.Errorf("%w: unexpected socks4 reply version %d", ErrProtocol, buf[0])
	}
	if buf[1] != Status4Granted {
		return Addr{}, replyError(Version4, buf[1])
	}
	ip := netip.AddrFrom4([4]byte(buf[4:8]))
	return Addr{IP: ip, Port: binary.BigEndian.Uint16(buf[2:4])}, nil
}

// readReply5 reads a SOCKS5 reply header and, on success, the bound address.
func (c *Client) readReply5() (Addr, error) {
	var hdr [4]byte
	if _, err := readReply(c.conn, hdr[:], c.deadline, c.sleep); err != nil {
		return Addr{}, err
	}
	if hdr[0] != Version5 {
		return Addr{}, fmt.Errorf("%w: unexpected socks5 reply version %d", ErrProtocol, hdr[0])
	}
	if hdr[1] != Status5OK {
		return Addr{}, replyError(Version5, hdr[1])
	}

	var addrLen int
	switch hdr[3] {
	case AtypIPv4:
		addrLen = 4
	case AtypIPv6:
		addrLen = 16
	case AtypDomain:
		var l [1]byte
		if _, err := readReply(c.conn, l[:], c.deadline, c.sleep); err != nil {
			return Addr{}, err
		}
		addrLen = int(l[0])
	default:
		return Addr{}, fmt.Errorf("%w: unknown address type %d", ErrProtocol, hdr[3])
	}

	rest := make([]byte, addrLen+2)
	if _, err := readReply(c.conn, rest, c.deadline, c.sleep); err != nil {
		return Addr{}, err
	}
	port := binary.BigEndian.Uint16(rest[addrLen:])

	switch hdr[3] {
	case AtypIPv4:
		return Addr{IP: netip.AddrFrom4([4]byte(rest[:4])), Port: port}, nil
	case AtypIPv6:
		return Addr{IP: netip.AddrFrom16([16]byte(rest[:16])).Unmap(), Port: port}, nil
	default:
		return Addr{Host: string(rest[:addrLen]), Port: port}, nil
	}
}
