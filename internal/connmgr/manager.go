// Package connmgr maintains the node's TCP peer connections: it seeds the
// address book from bootstrap entries, admits inbound peers, and keeps a
// diverse set of outbound peers topped up on a periodic tick.
package connmgr

import (
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-node/internal/addrbook"
	klog "github.com/Klingon-tech/klingnet-node/internal/log"
	"github.com/Klingon-tech/klingnet-node/internal/peer"
	"github.com/Klingon-tech/klingnet-node/internal/status"
	"github.com/Klingon-tech/klingnet-node/internal/strand"
)

const (
	// MaxBootstrapEntries caps how many bootstrap entries are resolved.
	MaxBootstrapEntries = 100

	firstTickDelay = time.Second
	tickInterval   = 8 * time.Second
	retryBackoff   = 10 * time.Minute
	maxSelectBias  = 60
	biasPerPeer    = 10
)

// Config holds connection manager settings.
type Config struct {
	Listen                string   // Multiaddr to accept on; empty disables inbound.
	Bootstrap             []string // Multiaddr or host:port entries.
	MinimumTCPConnections int
	MaxInbound            int
}

// AddressBook is the source of candidate peers and ban state.
type AddressBook interface {
	Add(rec addrbook.Record, source netip.Addr) bool
	Select(bias int) (addrbook.Record, bool)
	IsBanned(ip netip.Addr) bool
	Attempt(ep netip.AddrPort)
	Good(ep netip.AddrPort)
}

// Dialer creates unopened outbound transports.
type Dialer interface {
	Outbound(ep netip.AddrPort) peer.Transport
}

// Listener yields inbound transports.
type Listener interface {
	Accept() (peer.Transport, error)
	Close() error
}

// MessageHandler receives every frame read from any peer.
type MessageHandler func(from netip.AddrPort, frame []byte)

// Option configures a Manager.
type Option func(*Manager)

// WithStrand runs callbacks on s instead of a private strand. The caller
// owns s and stops it after the Manager.
func WithStrand(s *strand.Strand) Option {
	return func(m *Manager) { m.strand, m.ownStrand = s, false }
}

// WithResolver replaces net.DefaultResolver.
func WithResolver(r Resolver) Option {
	return func(m *Manager) { m.resolver = r }
}

// WithListenFunc replaces the function that opens the inbound listener.
func WithListenFunc(fn func(addr string) (Listener, error)) Option {
	return func(m *Manager) { m.listen = fn }
}

// WithMessageHandler sets the handler for inbound frames.
func WithMessageHandler(h MessageHandler) Option {
	return func(m *Manager) { m.onMessage = h }
}

// Manager is the peer connection manager.
type Manager struct {
	cfg       Config
	book      AddressBook
	dialer    Dialer
	sink      status.Sink
	resolver  Resolver
	listen    func(addr string) (Listener, error)
	onMessage MessageHandler

	strand    *strand.Strand
	ownStrand bool
	logger    zerolog.Logger
	now       func() time.Time
	rng       *rand.Rand

	mu    sync.Mutex
	conns map[netip.AddrPort]*peer.Handle

	runMu    sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	timer    *strand.Timer
	listener Listener
	wg       sync.WaitGroup
}

// New creates a connection manager. Call Start to begin connecting.
func New(cfg Config, book AddressBook, dialer Dialer, sink status.Sink, opts ...Option) *Manager {
	if sink == nil {
		sink = status.Discard
	}
	m := &Manager{
		cfg:      cfg,
		book:     book,
		dialer:   dialer,
		sink:     sink,
		resolver: net.DefaultResolver,
		logger:   klog.Net,
		now:      time.Now,
		rng:      rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x636f6e6e)),
		conns:    make(map[netip.AddrPort]*peer.Handle),
		ctx:      context.Background(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.strand == nil {
		m.strand, m.ownStrand = strand.New(), true
	}
	return m
}

// Start seeds the address book from the bootstrap list, opens the
// listener and schedules the first tick.
func (m *Manager) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	m.ctx, m.cancel = context.WithCancel(ctx)

	list := make([]string, len(m.cfg.Bootstrap))
	copy(list, m.cfg.Bootstrap)
	m.rng.Shuffle(len(list), func(i, j int) { list[i], list[j] = list[j], list[i] })
	if len(list) > MaxBootstrapEntries {
		m.logger.Warn().
			Int("entries", len(list)).
			Int("max", MaxBootstrapEntries).
			Msg("Too many bootstrap entries, truncating")
		list = list[:MaxBootstrapEntries]
	}

	if m.cfg.Listen != "" && m.listen != nil {
		l, err := m.listen(m.cfg.Listen)
		if err != nil {
			m.cancel()
			return err
		}
		m.listener = l
		m.wg.Add(1)
		go m.acceptLoop(m.ctx, l)
		m.logger.Info().Str("addr", m.cfg.Listen).Msg("Accepting inbound peers")
	}

	ctx = m.ctx
	m.strand.Post(func() { m.doResolve(ctx, list) })
	m.schedule(ctx, firstTickDelay)
	return nil
}

// doResolve resolves the head of list and adds the results to the address
// book, then continues with the tail. Lookups run one at a time.
func (m *Manager) doResolve(ctx context.Context, list []string) {
	if len(list) == 0 || ctx.Err() != nil {
		return
	}
	head, tail := list[0], list[1:]
	go func() {
		eps, err := m.resolve(ctx, head)
		m.strand.Post(func() {
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				m.logger.Warn().Err(err).Str("entry", head).Msg("Bootstrap resolution failed")
			} else {
				now := m.now()
				for _, ep := range eps {
					m.book.Add(addrbook.Record{Addr: ep, LastSeen: now}, netip.Addr{})
				}
				m.logger.Debug().Str("entry", head).Int("addrs", len(eps)).Msg("Bootstrap resolved")
			}
			m.doResolve(ctx, tail)
		})
	}()
}

func (m *Manager) schedule(ctx context.Context, d time.Duration) {
	if ctx.Err() != nil {
		return
	}
	m.timer = m.strand.AfterFunc(d, func() {
		if ctx.Err() != nil {
			return
		}
		m.Tick()
		m.runMu.Lock()
		m.schedule(ctx, tickInterval)
		m.runMu.Unlock()
	})
}

func (m *Manager) acceptLoop(ctx context.Context, l Listener) {
	defer m.wg.Done()
	for {
		t, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			m.logger.Warn().Err(err).Msg("Accept failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		posted := m.strand.Post(func() {
			if ctx.Err() != nil {
				t.Stop()
				return
			}
			m.HandleAccept(t)
		})
		if !posted {
			t.Stop()
		}
	}
}

// HandleAccept admits an inbound transport unless its IP already has a
// connection, is banned, or the table is full. Rejected transports are
// stopped.
func (m *Manager) HandleAccept(t peer.Transport) bool {
	ep := t.RemoteEndpoint()
	ip := ep.Addr().Unmap()

	m.mu.Lock()
	defer m.mu.Unlock()

	for existing, h := range m.conns {
		if existing.Addr().Unmap() == ip && h.Alive() {
			m.logger.Debug().Str("peer", ep.String()).Msg("Rejected inbound: duplicate IP")
			t.Stop()
			return false
		}
	}
	if m.book.IsBanned(ip) {
		m.logger.Debug().Str("peer", ep.String()).Msg("Rejected inbound: banned")
		t.Stop()
		return false
	}
	if len(m.conns) >= m.cfg.MaxInbound {
		m.logger.Debug().Str("peer", ep.String()).Msg("Rejected inbound: at capacity")
		t.Stop()
		return false
	}

	c := peer.NewInbound(t, m.callbacks())
	m.conns[ep] = peer.NewHandle(c)
	c.Start()
	m.logger.Info().Str("peer", ep.String()).Msg("Inbound peer connected")
	return true
}

// Connect starts an outbound connection to ep. It returns false if ep is
// banned or already in the table.
func (m *Manager) Connect(ep netip.AddrPort) bool {
	if m.book.IsBanned(ep.Addr()) {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if h, ok := m.conns[ep]; ok && h.Alive() {
		return false
	}
	m.book.Attempt(ep)
	c := peer.NewOutbound(m.dialer.Outbound(ep), m.callbacks())
	m.conns[ep] = peer.NewHandle(c)
	c.Start()
	m.logger.Debug().Str("peer", ep.String()).Msg("Connecting")
	return true
}

func (m *Manager) callbacks() peer.Callbacks {
	return peer.Callbacks{
		OnOpen: func(c *peer.Conn) {
			if c.Direction() == peer.Outbound {
				m.book.Good(c.Endpoint())
			}
		},
		OnMessage: func(c *peer.Conn, frame []byte) {
			if m.onMessage != nil {
				m.onMessage(c.Endpoint(), frame)
			}
		},
	}
}

// Broadcast sends frame to every live connection. Dead entries are
// removed from the table.
func (m *Manager) Broadcast(frame []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for ep, h := range m.conns {
		c := h.Get()
		if c == nil {
			if raw := h.Raw(); raw != nil {
				raw.Stop()
			}
			delete(m.conns, ep)
			continue
		}
		if err := c.Send(frame); err != nil {
			m.logger.Debug().Err(err).Str("peer", ep.String()).Msg("Broadcast send failed")
		}
	}
}

// Disconnect stops every connection to ip and reports how many were live.
func (m *Manager) Disconnect(ip netip.Addr) int {
	ip = ip.Unmap()
	m.mu.Lock()
	var stop []*peer.Conn
	for ep, h := range m.conns {
		if ep.Addr().Unmap() != ip {
			continue
		}
		if c := h.Raw(); c != nil {
			stop = append(stop, c)
		}
		delete(m.conns, ep)
	}
	m.mu.Unlock()

	n := 0
	for _, c := range stop {
		if c.IsValid() {
			n++
		}
		c.Stop()
	}
	if n > 0 {
		m.logger.Info().Str("ip", ip.String()).Int("conns", n).Msg("Disconnected peer")
	}
	return n
}

// Tick prunes dead connections, tops up outbound connections toward the
// configured minimum and publishes connection status.
func (m *Manager) Tick() {
	for _, ep := range m.candidates() {
		m.Connect(ep)
	}
	m.publish()
}

// candidates prunes the table and picks endpoints to dial.
func (m *Manager) candidates() []netip.AddrPort {
	m.mu.Lock()
	defer m.mu.Unlock()

	groups := make(map[string]bool)
	for ep, h := range m.conns {
		c := h.Get()
		if c == nil {
			if raw := h.Raw(); raw != nil {
				raw.Stop()
			}
			delete(m.conns, ep)
			continue
		}
		groups[addrbook.GroupKey(ep.Addr())] = true
	}

	n := len(m.conns)
	if n >= m.cfg.MinimumTCPConnections+1 {
		return nil
	}
	bias := min(n*biasPerPeer, maxSelectBias)
	now := m.now()

	var out []netip.AddrPort
	for i := 0; i < m.cfg.MinimumTCPConnections-n; i++ {
		rec, ok := m.book.Select(bias)
		if !ok {
			break
		}
		if !rec.IsValid() || rec.IsLocal() {
			continue
		}
		g := rec.Group()
		if groups[g] {
			continue
		}
		if now.Sub(rec.LastAttempt) < retryBackoff {
			continue
		}
		groups[g] = true
		out = append(out, rec.Addr)
	}
	return out
}

func (m *Manager) publish() {
	n := m.PeerCount()
	label := status.NetworkConnecting
	if n > 0 {
		label = status.NetworkConnected
	}
	m.sink.Publish(map[string]string{
		status.KeyNetworkStatus:  label,
		status.KeyTCPConnections: strconv.Itoa(n),
	})
}

// Stop cancels resolution and the tick timer, closes the listener and
// stops every live connection.
func (m *Manager) Stop() {
	m.runMu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	m.timer.Stop()
	if m.listener != nil {
		m.listener.Close()
		m.listener = nil
	}
	m.runMu.Unlock()
	m.wg.Wait()

	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[netip.AddrPort]*peer.Handle)
	m.mu.Unlock()

	for _, h := range conns {
		if c := h.Raw(); c != nil {
			c.Stop()
		}
	}
	if m.ownStrand {
		m.strand.Stop()
	}
	m.logger.Info().Int("closed", len(conns)).Msg("Connection manager stopped")
}

// TCPConnections returns a snapshot of the live connections.
func (m *Manager) TCPConnections() map[netip.AddrPort]*peer.Conn {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[netip.AddrPort]*peer.Conn, len(m.conns))
	for ep, h := range m.conns {
		if c := h.Get(); c != nil {
			out[ep] = c
		}
	}
	return out
}

// PeerCount returns the number of live connections.
func (m *Manager) PeerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, h := range m.conns {
		if h.Alive() {
			n++
		}
	}
	return n
}
