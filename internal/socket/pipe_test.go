package socket

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/netsock/internal/testutil"
)

func TestPipeHalfClose(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	f := newTestFactory(t, nil)

	ss := f.NewServerSocket()
	defer ss.Close()
	require.NoError(t, ss.Bind(ctx, "127.0.0.1", 0, 0))

	client := f.NewSocket()
	defer client.Close()
	require.NoError(t, client.Connect(ctx, "127.0.0.1", portOf(t, ss.LocalAddr()), time.Second))

	inbound, err := ss.Accept(ctx)
	require.NoError(t, err)
	upstream := f.NewSocket()
	require.NoError(t, upstream.Connect(ctx, "echo.test", portOf(t, echoLn.Addr()), time.Second))

	var g errgroup.Group
	g.Go(func() error { return Pipe(ctx, inbound, upstream) })

	testutil.AssertEcho(t, client, client, []byte("relayed"))

	// EOF travels client -> echo server and back.
	require.NoError(t, client.ShutdownOutput())
	rest, err := io.ReadAll(client)
	require.NoError(t, err)
	require.Empty(t, rest)

	require.NoError(t, g.Wait())
	require.True(t, inbound.IsClosed())
	require.True(t, upstream.IsClosed())
}

func TestPipeContextCancel(t *testing.T) {
	t.Parallel()

	a1, a2 := net.Pipe()
	b1, b2 := net.Pipe()
	defer a1.Close()
	defer b2.Close()

	ctx, cancel := context.WithCancel(context.Background())
	var g errgroup.Group
	g.Go(func() error { return Pipe(ctx, a2, b1) })

	go func() { _, _ = a1.Write([]byte("ping")) }()
	buf := make([]byte, 4)
	_, err := io.ReadFull(b2, buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf))

	cancel()
	require.ErrorIs(t, g.Wait(), context.Canceled)

	_, err = a1.Read(buf)
	require.ErrorIs(t, err, io.EOF)
}
