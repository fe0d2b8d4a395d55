// Package peer wraps a byte transport in a connection with a receive loop
// and lifecycle callbacks, and provides non-owning handles to connections.
package peer

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"time"

	klog "github.com/Klingon-tech/klingnet-node/internal/log"
)

// ErrNotConnected is returned by Send on a stopped connection.
var ErrNotConnected = errors.New("peer: not connected")

// Transport is a framed, bidirectional byte stream to a single remote
// endpoint. Send and Stop may be called concurrently with Receive.
type Transport interface {
	// Open establishes the stream. It is a no-op for accepted streams.
	Open(ctx context.Context) error
	// Receive blocks until the next frame arrives or the stream ends.
	Receive() ([]byte, error)
	Send(frame []byte) error
	Stop()
	RemoteEndpoint() netip.AddrPort
	IsValid() bool
}

// Direction is which side initiated a connection.
type Direction int

const (
	Inbound Direction = iota
	Outbound
)

func (d Direction) String() string {
	if d == Outbound {
		return "outbound"
	}
	return "inbound"
}

// Callbacks are invoked from the connection goroutine. Any may be nil.
type Callbacks struct {
	OnOpen    func(c *Conn)
	OnMessage func(c *Conn, frame []byte)
	OnClose   func(c *Conn, err error)
}

// Conn is a live peer connection. The goroutine started by Start holds
// the only long-lived reference to it; tables track connections through
// a Handle.
type Conn struct {
	transport Transport
	dir       Direction
	cb        Callbacks
	endpoint  netip.AddrPort

	ctx    context.Context
	cancel context.CancelFunc

	startOnce sync.Once
	stopOnce  sync.Once

	mu       sync.Mutex
	openedAt time.Time
}

// NewInbound wraps an accepted transport.
func NewInbound(t Transport, cb Callbacks) *Conn {
	return newConn(t, Inbound, cb)
}

// NewOutbound wraps a transport that still has to be opened.
func NewOutbound(t Transport, cb Callbacks) *Conn {
	return newConn(t, Outbound, cb)
}

func newConn(t Transport, dir Direction, cb Callbacks) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		transport: t,
		dir:       dir,
		cb:        cb,
		endpoint:  t.RemoteEndpoint(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start opens the transport and runs the receive loop in a new goroutine.
func (c *Conn) Start() {
	c.startOnce.Do(func() { go c.run() })
}

func (c *Conn) run() {
	logger := klog.Net.With().
		Str("peer", c.endpoint.String()).
		Str("dir", c.dir.String()).
		Logger()

	if err := c.transport.Open(c.ctx); err != nil {
		logger.Debug().Err(err).Msg("Connection failed")
		c.stop(err)
		return
	}
	c.mu.Lock()
	c.openedAt = time.Now()
	c.mu.Unlock()

	logger.Debug().Msg("Connection open")
	if c.cb.OnOpen != nil {
		c.cb.OnOpen(c)
	}

	for {
		frame, err := c.transport.Receive()
		if err != nil {
			logger.Debug().Err(err).Msg("Connection closed")
			c.stop(err)
			return
		}
		if c.cb.OnMessage != nil {
			c.cb.OnMessage(c, frame)
		}
	}
}

// Stop closes the connection. It is safe to call more than once.
func (c *Conn) Stop() {
	c.stop(nil)
}

func (c *Conn) stop(err error) {
	c.stopOnce.Do(func() {
		c.cancel()
		c.transport.Stop()
		if c.cb.OnClose != nil {
			c.cb.OnClose(c, err)
		}
	})
}

// Send writes one frame to the peer.
func (c *Conn) Send(frame []byte) error {
	if !c.transport.IsValid() {
		return ErrNotConnected
	}
	return c.transport.Send(frame)
}

// IsValid reports whether the underlying transport is still usable.
func (c *Conn) IsValid() bool {
	return c.transport.IsValid()
}

// Endpoint returns the remote endpoint.
func (c *Conn) Endpoint() netip.AddrPort { return c.endpoint }

// Direction returns which side initiated the connection.
func (c *Conn) Direction() Direction { return c.dir }

// OpenedAt returns when the transport opened, or the zero time.
func (c *Conn) OpenedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.openedAt
}
