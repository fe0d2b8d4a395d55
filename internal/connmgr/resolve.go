package connmgr

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"

	ma "github.com/multiformats/go-multiaddr"
)

// Resolver looks up the IP addresses of a host name. *net.Resolver
// satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// parseBootstrap splits a bootstrap entry into host and port. Entries are
// multiaddrs (/dns4/seed.example.org/tcp/30303, /ip4/1.2.3.4/tcp/30303);
// plain host:port is accepted as well.
func parseBootstrap(entry string) (string, uint16, error) {
	if !strings.HasPrefix(entry, "/") {
		host, port, err := net.SplitHostPort(entry)
		if err != nil {
			return "", 0, fmt.Errorf("bootstrap %q: %w", entry, err)
		}
		p, err := strconv.ParseUint(port, 10, 16)
		if err != nil {
			return "", 0, fmt.Errorf("bootstrap %q: bad port: %w", entry, err)
		}
		return host, uint16(p), nil
	}

	m, err := ma.NewMultiaddr(entry)
	if err != nil {
		return "", 0, fmt.Errorf("bootstrap %q: %w", entry, err)
	}
	var host string
	for _, code := range []int{ma.P_IP4, ma.P_IP6, ma.P_DNS4, ma.P_DNS6, ma.P_DNS} {
		if v, err := m.ValueForProtocol(code); err == nil && v != "" {
			host = v
			break
		}
	}
	if host == "" {
		return "", 0, fmt.Errorf("bootstrap %q: no host component", entry)
	}
	port, err := m.ValueForProtocol(ma.P_TCP)
	if err != nil {
		return "", 0, fmt.Errorf("bootstrap %q: no tcp component", entry)
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("bootstrap %q: bad port: %w", entry, err)
	}
	return host, uint16(p), nil
}

// resolve turns a bootstrap entry into endpoints. Literal addresses skip
// the resolver.
func (m *Manager) resolve(ctx context.Context, entry string) ([]netip.AddrPort, error) {
	host, port, err := parseBootstrap(entry)
	if err != nil {
		return nil, err
	}
	if ip, err := netip.ParseAddr(host); err == nil {
		return []netip.AddrPort{netip.AddrPortFrom(ip.Unmap(), port)}, nil
	}
	ips, err := m.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, err
	}
	eps := make([]netip.AddrPort, 0, len(ips))
	for _, ip := range ips {
		eps = append(eps, netip.AddrPortFrom(ip.Unmap(), port))
	}
	return eps, nil
}
