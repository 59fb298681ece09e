package socket

import (
	"context"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/die-net/netsock/internal/transport"
)

// DatagramSocket is a UDP socket. Creating one takes a slot from the
// factory's datagram guard and Close returns it.
type DatagramSocket struct {
	id     string
	logger zerolog.Logger
	impl   *transport.UDP
}

func (d *DatagramSocket) ID() string { return d.id }

func (d *DatagramSocket) IsBound() bool {
	return d.impl.LocalAddr() != nil
}

func (d *DatagramSocket) IsClosed() bool {
	return d.impl.State() == transport.Closed
}

func (d *DatagramSocket) LocalAddr() net.Addr {
	return d.impl.LocalAddr()
}

func (d *DatagramSocket) Bind(ctx context.Context, host string, port uint16) error {
	if err := d.impl.Bind(ctx, host, port); err != nil {
		return err
	}
	d.logger.Debug().Stringer("addr", d.impl.LocalAddr()).Msg("datagram bound")
	return nil
}

func (d *DatagramSocket) ReadFrom(p []byte) (int, net.Addr, error) {
	return d.impl.ReadFrom(p)
}

func (d *DatagramSocket) WriteTo(p []byte, addr net.Addr) (int, error) {
	return d.impl.WriteTo(p, addr)
}

func (d *DatagramSocket) SetSoTimeout(timeout time.Duration) error {
	return d.impl.SetOption(transport.SoTimeout, timeout)
}

func (d *DatagramSocket) Close() error {
	return d.impl.Close()
}
