// Package node wires storage, the address book, chain state, the wallet,
// the connection manager and the miner into a runnable node.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-node/config"
	"github.com/Klingon-tech/klingnet-node/internal/addrbook"
	"github.com/Klingon-tech/klingnet-node/internal/chain"
	"github.com/Klingon-tech/klingnet-node/internal/connmgr"
	klog "github.com/Klingon-tech/klingnet-node/internal/log"
	"github.com/Klingon-tech/klingnet-node/internal/miner"
	"github.com/Klingon-tech/klingnet-node/internal/status"
	"github.com/Klingon-tech/klingnet-node/internal/storage"
	"github.com/Klingon-tech/klingnet-node/internal/strand"
	"github.com/Klingon-tech/klingnet-node/internal/transport"
	"github.com/Klingon-tech/klingnet-node/internal/wallet"
)

// Node errors.
var (
	ErrAlreadyStarted = errors.New("node already started")
	ErrNoWallet       = errors.New("wallet disabled")
)

// Option configures a Node.
type Option func(*options)

type options struct {
	db      storage.DB
	genesis *config.Genesis
}

// WithDB uses db instead of opening the on-disk database. The Node closes
// it on Stop.
func WithDB(db storage.DB) Option {
	return func(o *options) { o.db = db }
}

// WithGenesis replaces the network's built-in genesis.
func WithGenesis(g *config.Genesis) Option {
	return func(o *options) { o.genesis = g }
}

// Node is a fully-initialized node.
type Node struct {
	cfg     *config.Config
	genesis *config.Genesis
	logger  zerolog.Logger
	life    Lifecycle

	// Core
	db     storage.DB
	book   *addrbook.Book
	chain  *chain.State
	wallet *wallet.Wallet // nil when disabled

	// Async context and status
	strand   *strand.Strand
	registry *prometheus.Registry
	sink     status.Sink

	// Networking
	conns *connmgr.Manager // nil when P2P is disabled

	// Mining
	miner *miner.Manager // nil when mining is disabled

	metrics *metricsServer
	done    chan struct{}
	wg      sync.WaitGroup
	cancel  context.CancelFunc

	started atomic.Bool
	stopMu  sync.Mutex
	closed  bool
}

// New creates and initializes a Node: storage, address book, chain state,
// wallet, status sinks, connection manager and miner. It starts nothing;
// call Start for that.
func New(cfg *config.Config, opts ...Option) (*Node, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logger := klog.WithComponent("node")

	// ── 1. Genesis ──────────────────────────────────────────────────
	genesis := o.genesis
	if genesis == nil {
		genesis = config.GenesisFor(cfg.Network)
	}
	if err := genesis.Validate(); err != nil {
		return nil, fmt.Errorf("genesis: %w", err)
	}
	gen, err := chainGenesis(genesis)
	if err != nil {
		return nil, err
	}
	logger.Info().
		Str("chain_id", genesis.ChainID).
		Str("network", string(cfg.Network)).
		Msg("Starting Klingnet Node")

	// ── 2. Open storage ─────────────────────────────────────────────
	db := o.db
	if db == nil {
		path := expandHome(cfg.DBDir())
		bdb, err := storage.NewBadger(path)
		if err != nil {
			return nil, fmt.Errorf("open database at %s: %w", path, err)
		}
		db = bdb
		logger.Info().Str("path", path).Msg("Database opened")
	}

	n := &Node{
		cfg:      cfg,
		genesis:  genesis,
		logger:   logger,
		db:       db,
		strand:   strand.New(),
		registry: newRegistry(),
		done:     make(chan struct{}),
	}
	fail := func(err error) (*Node, error) {
		n.strand.Stop()
		db.Close()
		return nil, err
	}

	// ── 3. Address book ─────────────────────────────────────────────
	n.book, err = addrbook.New(db)
	if err != nil {
		return fail(fmt.Errorf("address book: %w", err))
	}
	if cfg.P2P.ClearBans {
		for _, b := range n.book.BanList() {
			n.book.Unban(b.IP)
		}
		logger.Info().Msg("Cleared peer bans")
	}

	// ── 4. Chain state ──────────────────────────────────────────────
	n.chain, err = chain.New(gen, db)
	if err != nil {
		return fail(fmt.Errorf("chain state: %w", err))
	}
	logger.Info().
		Uint64("height", n.chain.Height()).
		Str("tip", n.chain.BestHash().Short()).
		Msg("Chain loaded")

	// ── 5. Wallet ───────────────────────────────────────────────────
	if cfg.Wallet.Enabled {
		n.wallet, err = openWallet(cfg, genesis)
		if err != nil {
			return fail(fmt.Errorf("wallet: %w", err))
		}
	}

	// ── 6. Status sinks ─────────────────────────────────────────────
	promSink, err := status.NewPrometheusSink(n.registry)
	if err != nil {
		return fail(fmt.Errorf("status metrics: %w", err))
	}
	n.sink = status.Multi{status.LogSink{Logger: klog.Status}, promSink}

	// ── 7. Connection manager ───────────────────────────────────────
	if cfg.P2P.Enabled {
		n.conns = connmgr.New(connmgr.Config{
			Listen:                cfg.P2P.Listen,
			Bootstrap:             cfg.P2P.Bootstrap,
			MinimumTCPConnections: cfg.P2P.MinOutbound,
			MaxInbound:            cfg.P2P.MaxInbound,
		}, n.book, transport.NewDialer(0, cfg.P2P.DialRate), n.sink,
			connmgr.WithStrand(n.strand),
			connmgr.WithListenFunc(listenTCP),
			connmgr.WithMessageHandler(n.handleFrame),
		)
	}

	// ── 8. Miner ────────────────────────────────────────────────────
	if cfg.Mining.Enabled {
		if n.wallet == nil {
			return fail(ErrNoWallet)
		}
		var peers miner.PeerCounter = noPeers{}
		if n.conns != nil {
			peers = n.conns
		}
		n.miner = miner.New(miner.Config{
			Threads:       cfg.Mining.Threads,
			CoinbaseFlags: []byte(cfg.Mining.CoinbaseFlags),
		}, miner.Deps{
			Chain:     n.chain,
			Wallet:    minerWallet{n.wallet},
			Pipeline:  pipelineFunc(n.processBlock),
			Requests:  n.chain,
			Peers:     peers,
			Lifecycle: &n.life,
			Sink:      n.sink,
			Strand:    n.strand,
		})
	}

	return n, nil
}

func listenTCP(addr string) (connmgr.Listener, error) {
	l, err := transport.Listen(addr)
	if err != nil {
		return nil, err
	}
	return l, nil
}

// Start launches background work in dependency order: address book
// pruning, networking, metrics, then block production. A Node can only be
// started once.
func (n *Node) Start() error {
	if !n.started.CompareAndSwap(false, true) || !n.life.transition(StateStopped, StateStarting) {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.book.RunPruneLoop(n.done)
	}()

	if n.conns != nil {
		if err := n.conns.Start(ctx); err != nil {
			n.Stop()
			return fmt.Errorf("connection manager: %w", err)
		}
	}

	if n.cfg.Metrics.Enabled {
		m, err := startMetrics(n.cfg.Metrics.Addr, n.registry)
		if err != nil {
			n.Stop()
			return fmt.Errorf("metrics: %w", err)
		}
		n.metrics = m
		n.logger.Info().Str("addr", m.addr.String()).Msg("Metrics endpoint started")
	}

	// Mining loops exit immediately unless the node is running.
	n.life.set(StateRunning)

	if n.miner != nil {
		if err := n.miner.Start(); err != nil {
			n.Stop()
			return fmt.Errorf("miner: %w", err)
		}
	}

	n.logger.Info().Msg("Node started")
	return nil
}

// Stop shuts everything down in reverse order and closes the database.
// It also releases a Node that was never started, and is safe to call more
// than once.
func (n *Node) Stop() {
	n.stopMu.Lock()
	defer n.stopMu.Unlock()

	if n.closed {
		return
	}
	n.closed = true
	n.life.set(StateStopping)

	if n.miner != nil {
		if err := n.miner.Stop(); err != nil && !errors.Is(err, miner.ErrNotStarted) {
			n.logger.Warn().Err(err).Msg("Miner stop failed")
		}
	}
	if n.conns != nil {
		n.conns.Stop()
	}
	if n.metrics != nil {
		n.metrics.stop()
		n.metrics = nil
	}
	if n.cancel != nil {
		n.cancel()
	}
	close(n.done)
	n.wg.Wait()

	n.strand.Stop()
	if err := n.db.Close(); err != nil {
		n.logger.Warn().Err(err).Msg("Database close failed")
	}

	n.life.set(StateStopped)
	n.logger.Info().Msg("Node stopped")
}

// State returns the lifecycle state.
func (n *Node) State() LifecycleState { return n.life.State() }

// Height returns the best chain height.
func (n *Node) Height() uint64 { return n.chain.Height() }

// Chain returns the chain state.
func (n *Node) Chain() *chain.State { return n.chain }

// AddressBook returns the address book.
func (n *Node) AddressBook() *addrbook.Book { return n.book }

// Wallet returns the wallet, or nil when disabled.
func (n *Node) Wallet() *wallet.Wallet { return n.wallet }

// Registry returns the Prometheus registry the status sink writes to.
func (n *Node) Registry() *prometheus.Registry { return n.registry }

// PeerCount returns the number of live peer connections.
func (n *Node) PeerCount() int {
	if n.conns == nil {
		return 0
	}
	return n.conns.PeerCount()
}

// HashesPerSecond returns the last sampled proof-of-work hash rate.
func (n *Node) HashesPerSecond() float64 {
	if n.miner == nil {
		return 0
	}
	return n.miner.HashesPerSecond()
}

// MetricsAddr returns the metrics listen address, or nil when not serving.
func (n *Node) MetricsAddr() net.Addr {
	if n.metrics == nil {
		return nil
	}
	return n.metrics.addr
}

// UnlockWallet unlocks a keystore wallet.
func (n *Node) UnlockWallet(passphrase []byte) error {
	if n.wallet == nil {
		return ErrNoWallet
	}
	return n.wallet.Unlock(passphrase)
}
