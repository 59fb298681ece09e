package resolver

import (
	"context"
	"net"
	"net/netip"
	"strings"
)

// Provider is a name service consulted on cache misses.
type Provider interface {
	LookupHost(ctx context.Context, host string) ([]netip.Addr, error)
	LookupAddr(ctx context.Context, addr netip.Addr) (string, error)
}

// SystemProvider resolves through a net.Resolver.
type SystemProvider struct {
	Resolver *net.Resolver
}

func (p SystemProvider) resolver() *net.Resolver {
	if p.Resolver != nil {
		return p.Resolver
	}
	return net.DefaultResolver
}

func (p SystemProvider) LookupHost(ctx context.Context, host string) ([]netip.Addr, error) {
	addrs, err := p.resolver().LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, err
	}
	for i, a := range addrs {
		addrs[i] = a.Unmap()
	}
	return addrs, nil
}

func (p SystemProvider) LookupAddr(ctx context.Context, addr netip.Addr) (string, error) {
	names, err := p.resolver().LookupAddr(ctx, addr.String())
	if err != nil {
		return "", err
	}
	if len(names) == 0 {
		return "", ErrUnknownHost
	}
	return strings.TrimSuffix(names[0], "."), nil
}

// StaticProvider serves a fixed host table, like an /etc/hosts source placed
// ahead of the system provider.
type StaticProvider map[string][]netip.Addr

func (p StaticProvider) LookupHost(_ context.Context, host string) ([]netip.Addr, error) {
	addrs := p[strings.ToLower(host)]
	if len(addrs) == 0 {
		return nil, ErrUnknownHost
	}
	return append([]netip.Addr(nil), addrs...), nil
}

func (p StaticProvider) LookupAddr(_ context.Context, addr netip.Addr) (string, error) {
	for host, addrs := range p {
		for _, a := range addrs {
			if a == addr {
				return host, nil
			}
		}
	}
	return "", ErrUnknownHost
}
