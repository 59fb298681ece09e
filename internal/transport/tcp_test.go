package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/die-net/netsock/internal/retry"
	"github.com/die-net/netsock/internal/testutil"
)

func listenerPort(t *testing.T, ln net.Listener) uint16 {
	t.Helper()
	_, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return uint16(p)
}

type countingConn struct {
	net.Conn
	closes atomic.Int32
}

func (c *countingConn) Close() error {
	c.closes.Add(1)
	return c.Conn.Close()
}

func TestTCPConnectEcho(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	port := listenerPort(t, echoLn)

	env := newTestEnv(t, nil)
	tr := env.NewTCP()
	require.Equal(t, Unbound, tr.State())

	require.NoError(t, tr.Connect(ctx, "target.test", port, time.Second))
	require.Equal(t, Connected, tr.State())
	require.Equal(t, echoLn.Addr().String(), tr.RemoteAddr().String())
	require.NotNil(t, tr.LocalAddr())

	testutil.AssertEcho(t, tr, tr, []byte("hello"))

	require.ErrorIs(t, tr.Connect(ctx, "127.0.0.1", port, time.Second), ErrAlreadyConnected)
	require.ErrorIs(t, tr.Bind(ctx, "127.0.0.1", 0), ErrAlreadyBound)

	require.NoError(t, tr.Close())
	require.Equal(t, Closed, tr.State())
	require.NoError(t, tr.Close())

	_, err := tr.Read(make([]byte, 1))
	require.ErrorIs(t, err, ErrSocketClosed)
	_, err = tr.Write([]byte("x"))
	require.ErrorIs(t, err, ErrSocketClosed)
	require.ErrorIs(t, tr.Connect(ctx, "127.0.0.1", port, time.Second), ErrSocketClosed)
	require.ErrorIs(t, tr.SetOption(TCPNoDelay, true), ErrSocketClosed)
}

func TestTCPConnectWildcardUsesLocalHost(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)

	// The test resolver cannot resolve the host name, so the local host is
	// the loopback address the echo server listens on.
	tr := newTestEnv(t, nil).NewTCP()
	defer tr.Close()
	require.NoError(t, tr.Connect(ctx, "0.0.0.0", listenerPort(t, echoLn), time.Second))
	require.Equal(t, echoLn.Addr().String(), tr.RemoteAddr().String())
}

func TestTCPConnectFailureCloses(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	_, port, err := net.SplitHostPort(testutil.ClosedTCPAddr(t))
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)

	tr := newTestEnv(t, nil).NewTCP()
	err = tr.Connect(ctx, "127.0.0.1", uint16(p), time.Second)
	require.ErrorIs(t, err, retry.ErrNetworkUnreachable)
	require.Equal(t, Closed, tr.State())

	tr = newTestEnv(t, nil).NewTCP()
	err = tr.Connect(ctx, "nowhere.test", 80, time.Second)
	require.Error(t, err)
	require.Equal(t, Closed, tr.State())
}

func TestTCPBindThenConnect(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)

	tr := newTestEnv(t, nil).NewTCP()
	defer tr.Close()

	require.NoError(t, tr.Bind(ctx, "127.0.0.1", 0))
	require.Equal(t, Bound, tr.State())
	require.ErrorIs(t, tr.Bind(ctx, "127.0.0.1", 0), ErrAlreadyBound)

	require.NoError(t, tr.SetOption(SoReuseAddr, true))
	require.NoError(t, tr.Connect(ctx, "127.0.0.1", listenerPort(t, echoLn), time.Second))

	la, ok := tr.LocalAddr().(*net.TCPAddr)
	require.True(t, ok)
	require.Equal(t, "127.0.0.1", la.IP.String())
}

func TestTCPNotConnected(t *testing.T) {
	t.Parallel()

	tr := newTestEnv(t, nil).NewTCP()
	defer tr.Close()

	_, err := tr.Read(make([]byte, 1))
	require.ErrorIs(t, err, ErrNotConnected)
	_, err = tr.Available()
	require.ErrorIs(t, err, ErrNotConnected)
	require.ErrorIs(t, tr.ShutdownInput(), ErrNotConnected)
}

func TestTCPCloseDuringReadClosesOnce(t *testing.T) {
	t.Parallel()

	a, b := net.Pipe()
	defer b.Close()
	cc := &countingConn{Conn: a}

	tr := newTestEnv(t, nil).newAcceptedTCP(cc, a.RemoteAddr())

	done := make(chan error, 1)
	go func() {
		_, err := tr.Read(make([]byte, 1))
		done <- err
	}()

	require.Eventually(t, func() bool { return tr.ref.count() == 1 }, 2*time.Second, time.Millisecond)
	require.NoError(t, tr.Close())

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrSocketClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("read did not return after close")
	}

	require.NoError(t, tr.Close())
	require.Equal(t, int32(1), cc.closes.Load())
	require.Equal(t, Closed, tr.State())
}

func TestTCPConcurrentIOAndClose(t *testing.T) {
	t.Parallel()

	for range 20 {
		a, b := net.Pipe()
		cc := &countingConn{Conn: a}
		tr := newTestEnv(t, nil).newAcceptedTCP(cc, a.RemoteAddr())

		go func() { _, _ = io.Copy(io.Discard, b) }()

		var wg sync.WaitGroup
		for range 4 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					if _, err := tr.Write([]byte("x")); err != nil {
						return
					}
				}
			}()
		}
		for range 3 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = tr.Close()
			}()
		}
		wg.Wait()

		require.Equal(t, int32(1), cc.closes.Load())
		_ = b.Close()
	}
}

func TestTCPReadTimeout(t *testing.T) {
	t.Parallel()

	a, b := net.Pipe()
	defer b.Close()
	tr := newTestEnv(t, nil).newAcceptedTCP(a, a.RemoteAddr())
	defer tr.Close()

	require.NoError(t, tr.SetOption(SoTimeout, 20*time.Millisecond))
	v, err := tr.GetOption(SoTimeout)
	require.NoError(t, err)
	require.Equal(t, 20*time.Millisecond, v)

	_, err = tr.Read(make([]byte, 1))
	require.ErrorIs(t, err, ErrTimeout)

	// A per-call timeout overrides SO_TIMEOUT, and the transport stays usable.
	go func() { _, _ = b.Write([]byte("x")) }()
	buf := make([]byte, 1)
	n, err := tr.ReadTimeout(buf, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, byte('x'), buf[0])
}

func TestTCPShutdown(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	tr := newTestEnv(t, nil).NewTCP()
	defer tr.Close()
	require.NoError(t, tr.Connect(ctx, "127.0.0.1", listenerPort(t, echoLn), time.Second))

	require.NoError(t, tr.ShutdownOutput())
	require.NoError(t, tr.ShutdownOutput())
	_, err := tr.Write([]byte("x"))
	require.ErrorIs(t, err, net.ErrClosed)

	require.NoError(t, tr.ShutdownInput())
	_, err = tr.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)

	n, err := tr.Available()
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestTCPAvailableTwoStrikes(t *testing.T) {
	t.Parallel()

	probeErr := errors.New("connection reset by peer")

	tests := []struct {
		name      string
		results   []probeResult
		wantN     int
		wantState ResetState
		wantCalls int
	}{
		{
			name:      "healthy",
			results:   []probeResult{{n: 7}},
			wantN:     7,
			wantState: NotReset,
			wantCalls: 1,
		},
		{
			name:      "transient error",
			results:   []probeResult{{err: probeErr}, {n: 3}},
			wantN:     3,
			wantState: ResetPending,
			wantCalls: 2,
		},
		{
			name:      "error then empty",
			results:   []probeResult{{err: probeErr}, {n: 0}},
			wantState: Reset,
			wantCalls: 2,
		},
		{
			name:      "two errors",
			results:   []probeResult{{err: probeErr}, {err: probeErr}},
			wantState: Reset,
			wantCalls: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			a, b := net.Pipe()
			defer b.Close()
			tr := newTestEnv(t, nil).newAcceptedTCP(a, a.RemoteAddr())
			defer tr.Close()

			p := &scriptedProbe{results: tt.results}
			tr.probe = p.probe

			n, err := tr.Available()
			require.NoError(t, err)
			require.Equal(t, tt.wantN, n)
			require.Equal(t, tt.wantState, tr.ResetState())
			require.Equal(t, tt.wantCalls, p.calls)

			if tt.wantState == Reset {
				// Once reset, no further probing happens.
				n, err := tr.Available()
				require.NoError(t, err)
				require.Zero(t, n)
				require.Equal(t, tt.wantCalls, p.calls)
			}
		})
	}
}

type probeResult struct {
	n   int
	err error
}

type scriptedProbe struct {
	results []probeResult
	calls   int
}

func (p *scriptedProbe) probe(net.Conn) (int, error) {
	r := p.results[p.calls]
	p.calls++
	return r.n, r.err
}

func TestTCPAvailableOnSocket(t *testing.T) {
	t.Parallel()

	if runtime.GOOS != "linux" {
		t.Skip("receive queue probe is linux only")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	tr := newTestEnv(t, nil).NewTCP()
	defer tr.Close()
	require.NoError(t, tr.Connect(ctx, "127.0.0.1", listenerPort(t, echoLn), time.Second))

	_, err := tr.Write([]byte("ping"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		n, err := tr.Available()
		return err == nil && n == 4
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, NotReset, tr.ResetState())
}

func TestTCPOptions(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	tr := newTestEnv(t, nil).NewTCP()
	defer tr.Close()

	require.NoError(t, tr.SetOption(TCPNoDelay, true))
	require.NoError(t, tr.SetOption(SoKeepAlive, true))
	require.NoError(t, tr.SetOption(SoLinger, 5))
	require.ErrorIs(t, tr.SetOption(SoRcvBuf, "big"), ErrInvalidOption)
	require.ErrorIs(t, tr.SetOption(SoRcvBuf, -1), ErrInvalidOption)
	require.ErrorIs(t, tr.SetOption(SoTimeout, -time.Second), ErrInvalidOption)
	require.ErrorIs(t, tr.SetOption(Option(99), true), ErrInvalidOption)

	v, err := tr.GetOption(SoLinger)
	require.NoError(t, err)
	require.Equal(t, 5, v)
	v, err = tr.GetOption(SoOOBInline)
	require.NoError(t, err)
	require.Equal(t, false, v)
	_, err = tr.GetOption(Option(99))
	require.ErrorIs(t, err, ErrInvalidOption)

	require.NoError(t, tr.Connect(ctx, "127.0.0.1", listenerPort(t, echoLn), time.Second))

	v, err = tr.GetOption(TCPNoDelay)
	require.NoError(t, err)
	require.Equal(t, true, v)

	require.NoError(t, tr.SetOption(SoRcvBuf, 64*1024))
	v, err = tr.GetOption(SoRcvBuf)
	require.NoError(t, err)
	require.Positive(t, v.(int))
}
