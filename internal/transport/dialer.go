package transport

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"go.uber.org/ratelimit"

	"github.com/Klingon-tech/klingnet-node/internal/peer"
)

// DefaultDialTimeout bounds a single outbound dial.
const DefaultDialTimeout = 10 * time.Second

// Dialer creates outbound TCP transports. Dials are paced by an optional
// rate limiter so a burst of connection attempts is spread out.
type Dialer struct {
	d       manet.Dialer
	limiter ratelimit.Limiter
}

// NewDialer returns a dialer. perSecond <= 0 disables pacing.
func NewDialer(timeout time.Duration, perSecond int) *Dialer {
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	d := &Dialer{d: manet.Dialer{Dialer: net.Dialer{Timeout: timeout}}}
	if perSecond > 0 {
		d.limiter = ratelimit.New(perSecond, ratelimit.WithoutSlack)
	} else {
		d.limiter = ratelimit.NewUnlimited()
	}
	return d
}

// Outbound returns an unopened transport to ep.
func (d *Dialer) Outbound(ep netip.AddrPort) peer.Transport {
	return &TCP{remote: ep, dialer: d}
}

func (d *Dialer) dial(ctx context.Context, ep netip.AddrPort) (manet.Conn, error) {
	m, err := ToMultiaddr(ep)
	if err != nil {
		return nil, err
	}
	d.limiter.Take()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c, err := d.d.DialContext(ctx, m)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", m, err)
	}
	return c, nil
}

// Listener accepts inbound TCP transports.
type Listener struct {
	l manet.Listener
}

// Listen opens a listener on a multiaddr such as /ip4/0.0.0.0/tcp/30303.
func Listen(addr string) (*Listener, error) {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return nil, fmt.Errorf("parse listen address %q: %w", addr, err)
	}
	l, err := manet.Listen(m)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", m, err)
	}
	return &Listener{l: l}, nil
}

// Accept waits for the next inbound connection.
func (l *Listener) Accept() (peer.Transport, error) {
	for {
		c, err := l.l.Accept()
		if err != nil {
			return nil, err
		}
		t, err := newAccepted(c)
		if err != nil {
			c.Close()
			continue
		}
		return t, nil
	}
}

// Multiaddr returns the bound address.
func (l *Listener) Multiaddr() ma.Multiaddr { return l.l.Multiaddr() }

// Close stops accepting. Blocked Accept calls return net.ErrClosed.
func (l *Listener) Close() error { return l.l.Close() }
