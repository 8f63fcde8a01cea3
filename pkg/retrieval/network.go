package retrieval

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
	"github.com/raulk/clock"
	"go.uber.org/zap"

	"github.com/WebFirstLanguage/weeb3/pkg/constants"
	"github.com/WebFirstLanguage/weeb3/pkg/swarm"
	"github.com/WebFirstLanguage/weeb3/pkg/transport"
	"github.com/WebFirstLanguage/weeb3/pkg/wire"
)

// StreamConfig configures the stream network client.
type StreamConfig struct {
	DialAttempts   int
	DialMinBackoff time.Duration
	DialMaxBackoff time.Duration
	MaxFrameSize   int
	TLSConfig      *tls.Config
}

// DefaultStreamConfig returns the default stream client configuration.
func DefaultStreamConfig() *StreamConfig {
	return &StreamConfig{
		DialAttempts:   3,
		DialMinBackoff: 100 * time.Millisecond,
		DialMaxBackoff: 2 * time.Second,
		MaxFrameSize:   constants.MaxFrameSize,
		TLSConfig:      transport.ClientTLSConfig(constants.ALPN),
	}
}

// StreamNetwork implements Network over the registered transports. Each
// request opens a fresh stream to the peer's underlay, writes a signed
// RETRIEVAL_REQUEST frame and reads one CHUNK_DELIVERY or error frame.
type StreamNetwork struct {
	signer   wire.Signer
	from     string
	registry *transport.Registry
	config   *StreamConfig
	logger   *zap.Logger
	clock    clock.Clock

	mu   sync.RWMutex
	book map[swarm.PeerID]transport.Underlay

	seq atomic.Uint64
}

// StreamOption configures a StreamNetwork.
type StreamOption func(*StreamNetwork)

// WithDialClock sets the clock used for dial backoff.
func WithDialClock(c clock.Clock) StreamOption { return func(n *StreamNetwork) { n.clock = c } }

// NewStreamNetwork creates a stream client signing requests with signer.
func NewStreamNetwork(signer wire.Signer, registry *transport.Registry, config *StreamConfig, logger *zap.Logger, opts ...StreamOption) *StreamNetwork {
	if config == nil {
		config = DefaultStreamConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	owner := signer.Owner()
	n := &StreamNetwork{
		signer:   signer,
		from:     hex.EncodeToString(owner[:]),
		registry: registry,
		config:   config,
		logger:   logger.Named("network"),
		clock:    clock.New(),
		book:     make(map[swarm.PeerID]transport.Underlay),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// AddPeer records the underlay multiaddr of peer.
func (n *StreamNetwork) AddPeer(peer swarm.PeerID, underlay string) error {
	u, err := transport.ParseUnderlay(underlay)
	if err != nil {
		return err
	}
	if err := u.Dialable(); err != nil {
		return err
	}
	if _, ok := n.registry.Get(u.Transport); !ok {
		return fmt.Errorf("no %s transport registered for %s", u.Transport, peer)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.book[peer] = u
	return nil
}

// RemovePeer forgets the underlay of peer.
func (n *StreamNetwork) RemovePeer(peer swarm.PeerID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.book, peer)
}

func (n *StreamNetwork) underlay(peer swarm.PeerID) (transport.Underlay, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	u, ok := n.book[peer]
	return u, ok
}

// Fetch implements Network.
func (n *StreamNetwork) Fetch(ctx context.Context, peer swarm.PeerID, addr swarm.Address) ([]byte, error) {
	u, ok := n.underlay(peer)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, peer)
	}
	tr, ok := n.registry.Get(u.Transport)
	if !ok {
		return nil, fmt.Errorf("no %s transport registered", u.Transport)
	}

	conn, err := n.dial(ctx, tr, u.Addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	// Unblock reads and writes when ctx ends
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	seq := n.seq.Add(1)
	req, err := wire.NewRetrievalRequest(n.from, seq, addr)
	if err != nil {
		return nil, err
	}
	if err := req.Sign(n.signer); err != nil {
		return nil, err
	}
	if err := wire.WriteFrame(conn, req); err != nil {
		return nil, err
	}

	resp, err := wire.ReadFrame(conn, n.config.MaxFrameSize)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return n.handleResponse(resp, seq, addr)
}

func (n *StreamNetwork) handleResponse(resp *wire.BaseFrame, seq uint64, addr swarm.Address) ([]byte, error) {
	if err := resp.Validate(); err != nil {
		return nil, err
	}
	if _, err := resp.Verify(); err != nil {
		return nil, err
	}
	if resp.Seq != seq {
		return nil, fmt.Errorf("response sequence mismatch: got %d, want %d", resp.Seq, seq)
	}

	if wire.IsErrorFrame(resp) {
		werr, err := wire.ExtractError(resp)
		if err != nil {
			return nil, err
		}
		return nil, werr
	}
	if !resp.IsKind(constants.KindChunkDelivery) {
		return nil, fmt.Errorf("unexpected %s frame", wire.KindName(resp.Kind))
	}

	var body wire.ChunkDeliveryBody
	if err := resp.DecodeBody(&body); err != nil {
		return nil, err
	}
	if !bytes.Equal(body.Addr, addr[:]) {
		return nil, fmt.Errorf("delivery for %x, requested %s", body.Addr, addr)
	}
	return body.Data, nil
}

// dial connects to addr, retrying with jittered exponential backoff.
func (n *StreamNetwork) dial(ctx context.Context, tr transport.Transport, addr string) (transport.Conn, error) {
	b := &backoff.Backoff{
		Min:    n.config.DialMinBackoff,
		Max:    n.config.DialMaxBackoff,
		Factor: 2,
		Jitter: true,
	}

	for attempt := 1; ; attempt++ {
		conn, err := tr.Dial(ctx, addr, n.config.TLSConfig)
		if err == nil {
			return conn, nil
		}
		if attempt >= n.config.DialAttempts || ctx.Err() != nil {
			return nil, fmt.Errorf("dial %s://%s failed after %d attempts: %w", tr.Name(), addr, attempt, err)
		}

		wait := b.Duration()
		n.logger.Debug("dial failed, retrying",
			zap.String("addr", addr),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err))

		timer := n.clock.Timer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}
