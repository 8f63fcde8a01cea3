// Package node implements the weeb3 node session: it owns the shared peer
// table and accounting, and exposes fetching content by address and by feed.
package node

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/raulk/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/WebFirstLanguage/weeb3/internal/metrics"
	"github.com/WebFirstLanguage/weeb3/pkg/accounting"
	"github.com/WebFirstLanguage/weeb3/pkg/constants"
	"github.com/WebFirstLanguage/weeb3/pkg/feeds"
	"github.com/WebFirstLanguage/weeb3/pkg/identity"
	"github.com/WebFirstLanguage/weeb3/pkg/joiner"
	"github.com/WebFirstLanguage/weeb3/pkg/manifest"
	"github.com/WebFirstLanguage/weeb3/pkg/retrieval"
	"github.com/WebFirstLanguage/weeb3/pkg/swarm"
	"github.com/WebFirstLanguage/weeb3/pkg/topology"
	"github.com/WebFirstLanguage/weeb3/pkg/transport"
	"github.com/WebFirstLanguage/weeb3/pkg/transport/quic"
	"github.com/WebFirstLanguage/weeb3/pkg/transport/tcp"
)

// ErrNotRunning is returned by fetches on a node that is not started.
var ErrNotRunning = errors.New("node is not running")

// State represents the current state of the node
type State int

const (
	// StateStopped indicates the node is not running
	StateStopped State = iota
	// StateStarting indicates the node is in the process of starting
	StateStarting
	// StateRunning indicates the node is running normally
	StateRunning
	// StateStopping indicates the node is in the process of stopping
	StateStopping
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Options configures a node. Zero values take defaults.
type Options struct {
	Identity  *identity.Identity
	NetworkID uint64

	// Network overrides the stream network, mainly for tests.
	Network  retrieval.Network
	Registry *transport.Registry
	Stream   *retrieval.StreamConfig

	Retrieval        *retrieval.Config
	Joiner           *joiner.Config
	CreditLimit      uint64
	BasePrice        uint64
	RefreshRate      uint64
	RefreshBuffer    int
	// CacheSize is the chunk cache capacity; negative disables the cache.
	CacheSize        int
	ProbeConcurrency int

	// ListenAddr is a multiaddr to serve cached chunks on; empty disables.
	ListenAddr string

	Interpreter manifest.Interpreter
	Clock       clock.Clock
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
}

func (o *Options) setDefaults() {
	if o.NetworkID == 0 {
		o.NetworkID = constants.NetworkID
	}
	if o.Retrieval == nil {
		o.Retrieval = retrieval.DefaultConfig()
	}
	if o.Joiner == nil {
		o.Joiner = joiner.DefaultConfig()
	}
	if o.CreditLimit == 0 {
		o.CreditLimit = constants.DefaultCreditLimit
	}
	if o.BasePrice == 0 {
		o.BasePrice = constants.DefaultBasePrice
	}
	if o.RefreshRate == 0 {
		o.RefreshRate = constants.RefreshRate
	}
	if o.RefreshBuffer == 0 {
		o.RefreshBuffer = constants.RefreshChannelBuffer
	}
	if o.CacheSize == 0 {
		o.CacheSize = constants.DefaultCacheSize
	}
	if o.ProbeConcurrency == 0 {
		o.ProbeConcurrency = constants.DefaultProbeConcurrency
	}
	if o.Registry == nil {
		o.Registry = transport.NewRegistry()
		o.Registry.Register(quic.New(nil))
		o.Registry.Register(tcp.New(nil))
	}
	if o.Interpreter == nil {
		o.Interpreter = manifest.ForkInterpreter{}
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Metrics == nil {
		o.Metrics = metrics.New(nil)
	}
}

// Result is the outcome of a one-shot fetch.
type Result struct {
	Data []byte
	Err  error
}

// Info describes a node.
type Info struct {
	Owner     string        `json:"owner"`
	Overlay   string        `json:"overlay"`
	NetworkID uint64        `json:"networkId"`
	State     string        `json:"state"`
	Peers     int           `json:"peers"`
	Listen    string        `json:"listen,omitempty"`
	Uptime    time.Duration `json:"uptime"`
}

// Node is a retrieval session.
type Node struct {
	mu    sync.RWMutex
	state State

	opts     Options
	identity *identity.Identity
	overlay  swarm.Address

	peers      *topology.PeerTable
	accounting *accounting.Accounting
	refresher  *accounting.Refresher
	retriever  *retrieval.Retriever
	cache      *retrieval.CachingGetter
	joiner     *joiner.Joiner
	finder     *feeds.Finder
	network    retrieval.Network
	stream     *retrieval.StreamNetwork
	listener   transport.Listener

	started time.Time
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	errs    chan error

	logger  *zap.Logger
	metrics *metrics.Metrics
}

// New creates a stopped node.
func New(opts Options) (*Node, error) {
	if opts.Identity == nil {
		return nil, fmt.Errorf("node requires an identity")
	}
	opts.setDefaults()

	n := &Node{
		state:    StateStopped,
		opts:     opts,
		identity: opts.Identity,
		overlay:  opts.Identity.Overlay(opts.NetworkID),
		peers:    topology.NewPeerTable(),
		logger:   opts.Logger.Named("node"),
		metrics:  opts.Metrics,
	}

	n.accounting = accounting.New(opts.RefreshBuffer, opts.Clock, opts.Logger)
	n.refresher = accounting.NewRefresher(n.accounting, opts.RefreshRate, opts.Logger)
	n.refresher.OnRefresh = func(_ string, amount uint64) {
		n.metrics.RefreshedCredit.Add(float64(amount))
	}

	n.network = opts.Network
	if n.network == nil {
		n.stream = retrieval.NewStreamNetwork(opts.Identity, opts.Registry, opts.Stream, opts.Logger,
			retrieval.WithDialClock(opts.Clock))
		n.network = n.stream
	}

	n.retriever = retrieval.New(n.peers, n.accounting,
		accounting.ProximityPricer{BasePrice: opts.BasePrice},
		n.network, opts.Retrieval,
		retrieval.WithClock(opts.Clock),
		retrieval.WithLogger(opts.Logger),
		retrieval.WithMetrics(opts.Metrics))

	cache, err := retrieval.NewCachingGetter(n.retriever, opts.CacheSize, opts.Metrics)
	if err != nil {
		return nil, err
	}
	n.cache = cache
	n.joiner = joiner.New(n.cache, opts.Joiner, opts.Logger)
	n.finder = feeds.NewFinder(n.cache, n.joiner, opts.ProbeConcurrency, opts.Logger, opts.Metrics)
	return n, nil
}

// State returns the current state of the node
func (n *Node) State() State {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

// Identity returns the node's identity
func (n *Node) Identity() *identity.Identity {
	return n.identity
}

// Overlay returns the node's overlay address
func (n *Node) Overlay() swarm.Address {
	return n.overlay
}

// Start runs the refresher and, when configured, the chunk server.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	switch n.state {
	case StateRunning:
		return fmt.Errorf("node is already running")
	case StateStarting:
		return fmt.Errorf("node is already starting")
	case StateStopping:
		return fmt.Errorf("node is stopping")
	}
	n.state = StateStarting

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	if n.opts.ListenAddr != "" {
		l, err := n.listen(runCtx)
		if err != nil {
			cancel()
			n.state = StateStopped
			return fmt.Errorf("failed to listen: %w", err)
		}
		n.listener = l
	}

	n.cancel = cancel
	n.errs = make(chan error, 1)
	n.started = n.opts.Clock.Now()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.refresher.Run(runCtx)
	}()

	if n.listener != nil {
		server := retrieval.NewServer(n.identity, n.cache, n.opts.Logger)
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if err := server.Serve(runCtx, n.listener); err != nil {
				n.errs <- err
			}
		}()
	}

	n.state = StateRunning
	n.logger.Info("node started",
		zap.String("owner", n.identity.Owner().String()),
		zap.Stringer("overlay", n.overlay),
		zap.Uint64("network_id", n.opts.NetworkID))
	return nil
}

func (n *Node) listen(ctx context.Context) (transport.Listener, error) {
	u, err := transport.ParseUnderlay(n.opts.ListenAddr)
	if err != nil {
		return nil, err
	}
	tr, ok := n.opts.Registry.Get(u.Transport)
	if !ok {
		return nil, fmt.Errorf("no %s transport registered", u.Transport)
	}
	tlsConfig, err := transport.SelfSignedTLSConfig(constants.ALPN)
	if err != nil {
		return nil, err
	}
	return tr.Listen(ctx, u.Addr, tlsConfig)
}

// Stop cancels background work and waits for it to finish or ctx to end.
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	switch n.state {
	case StateStopped:
		n.mu.Unlock()
		return fmt.Errorf("node is already stopped")
	case StateStopping:
		n.mu.Unlock()
		return fmt.Errorf("node is already stopping")
	}
	n.state = StateStopping
	n.cancel()
	listener := n.listener
	n.listener = nil
	n.mu.Unlock()

	var err error
	if listener != nil {
		// The server also closes it on cancel; the second close may fail
		listener.Close()
	}

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		err = multierr.Append(err, fmt.Errorf("timeout waiting for node to stop: %w", ctx.Err()))
	}

	select {
	case serr := <-n.errs:
		err = multierr.Append(err, serr)
	default:
	}

	n.mu.Lock()
	n.state = StateStopped
	n.mu.Unlock()
	n.logger.Info("node stopped")
	return err
}

func (n *Node) running() error {
	if n.State() != StateRunning {
		return ErrNotRunning
	}
	return nil
}

// Info returns a snapshot of the node's identity and state.
func (n *Node) Info() Info {
	n.mu.RLock()
	defer n.mu.RUnlock()

	info := Info{
		Owner:     n.identity.Owner().String(),
		Overlay:   n.overlay.String(),
		NetworkID: n.opts.NetworkID,
		State:     n.state.String(),
		Peers:     n.peers.Len(),
	}
	if n.state == StateRunning {
		info.Uptime = n.opts.Clock.Since(n.started)
	}
	if n.listener != nil {
		info.Listen = n.listener.Addr().String()
	}
	return info
}

// ListenAddr returns the chunk server's address, or empty when not serving.
func (n *Node) ListenAddr() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.listener == nil {
		return ""
	}
	return n.listener.Addr().String()
}

// Connect registers peer with its overlay and, when the node dials its own
// streams, its underlay multiaddr. The peer gets a fresh ledger.
func (n *Node) Connect(peer swarm.PeerID, overlay, underlay string) error {
	if peer == "" {
		return fmt.Errorf("empty peer id")
	}
	ob, err := hex.DecodeString(overlay)
	if err != nil || len(ob) != constants.AddressSize {
		return fmt.Errorf("invalid overlay %q", overlay)
	}
	if n.stream != nil {
		if underlay == "" {
			return fmt.Errorf("peer %s has no underlay", peer)
		}
		if err := n.stream.AddPeer(peer, underlay); err != nil {
			return err
		}
	}

	n.peers.Add(overlay, peer)
	n.accounting.Connect(peer, n.opts.CreditLimit)
	n.logger.Debug("peer connected", zap.String("peer", peer.String()), zap.String("overlay", overlay))
	return nil
}

// Disconnect forgets peer. It reports whether the peer was known.
func (n *Node) Disconnect(peer swarm.PeerID) bool {
	removed := n.peers.Remove(peer)
	n.accounting.Disconnect(peer)
	if n.stream != nil {
		n.stream.RemovePeer(peer)
	}
	return removed
}

// Peers returns the peer table in insertion order.
func (n *Node) Peers() []topology.Entry {
	return n.peers.Snapshot()
}

// Balances returns the ledgers of all connected peers.
func (n *Node) Balances() []accounting.Balance {
	return n.accounting.Balances()
}
