package proxy

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		in      string
		want    Descriptor
		wantErr bool
	}{
		{name: "direct", in: "direct://", want: NoProxy},
		{name: "http default port", in: "http://proxy.example", want: Descriptor{Type: HTTP, Address: "proxy.example:80"}},
		{name: "socks default version", in: "socks://proxy.example", want: Descriptor{Type: SOCKS, Address: "proxy.example:1080", SocksVersion: 5}},
		{name: "socks4", in: "socks4://proxy.example:9050", want: Descriptor{Type: SOCKS, Address: "proxy.example:9050", SocksVersion: 4}},
		{name: "socks5 ipv6", in: "socks5://[::1]:1080", want: Descriptor{Type: SOCKS, Address: "[::1]:1080", SocksVersion: 5}},
		{name: "scheme case-insensitive", in: "SOCKS5://proxy.example", want: Descriptor{Type: SOCKS, Address: "proxy.example:1080", SocksVersion: 5}},
		{name: "unsupported scheme", in: "gopher://example.com", wantErr: true},
		{name: "missing scheme", in: "example.com:80", wantErr: true},
		{name: "missing host", in: "http://", wantErr: true},
		{name: "non-empty path", in: "http://example.com/foo", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := ParseURL(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestDescriptorString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "DIRECT", NoProxy.String())
	require.Equal(t, "HTTP @ p:80", Descriptor{Type: HTTP, Address: "p:80"}.String())
	require.Equal(t, "SOCKS4 @ s:1080", Descriptor{Type: SOCKS, Address: "s:1080", SocksVersion: 4}.String())

	host, port, err := Descriptor{Type: SOCKS, Address: "[::1]:1080"}.HostPort()
	require.NoError(t, err)
	require.Equal(t, "::1", host)
	require.Equal(t, 1080, port)

	_, _, err = Descriptor{Type: SOCKS, Address: "nope"}.HostPort()
	require.Error(t, err)
}
