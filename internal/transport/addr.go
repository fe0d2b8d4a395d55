package transport

import (
	"fmt"
	"net"
	"net/netip"

	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

// ToMultiaddr converts a TCP endpoint to /ip4|ip6/<addr>/tcp/<port>.
func ToMultiaddr(ep netip.AddrPort) (ma.Multiaddr, error) {
	return manet.FromNetAddr(net.TCPAddrFromAddrPort(ep))
}

// FromMultiaddr converts a TCP multiaddr to an endpoint.
func FromMultiaddr(m ma.Multiaddr) (netip.AddrPort, error) {
	addr, err := manet.ToNetAddr(m)
	if err != nil {
		return netip.AddrPort{}, err
	}
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("not a tcp address: %s", m)
	}
	ap := tcp.AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
}
