package retrieval

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/raulk/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/WebFirstLanguage/weeb3/pkg/constants"
	"github.com/WebFirstLanguage/weeb3/pkg/identity"
	"github.com/WebFirstLanguage/weeb3/pkg/swarm"
	"github.com/WebFirstLanguage/weeb3/pkg/transport"
	"github.com/WebFirstLanguage/weeb3/pkg/transport/quic"
	"github.com/WebFirstLanguage/weeb3/pkg/transport/tcp"
	"github.com/WebFirstLanguage/weeb3/pkg/wire"
)

func newTestSigner(t *testing.T) *identity.Identity {
	t.Helper()
	id, err := identity.GenerateIdentity()
	require.NoError(t, err)
	return id
}

// startServer serves store over TCP and returns the listener's underlay.
func startServer(t *testing.T, store Store) string {
	t.Helper()
	l := serveStore(t, tcp.New(nil), store)
	return fmt.Sprintf("/ip4/127.0.0.1/tcp/%d", l.Addr().(*net.TCPAddr).Port)
}

// startQUICServer serves store over QUIC and returns the listener's underlay.
func startQUICServer(t *testing.T, store Store) string {
	t.Helper()
	l := serveStore(t, quic.New(nil), store)
	return fmt.Sprintf("/ip4/127.0.0.1/udp/%d/quic-v1", l.Addr().(*net.UDPAddr).Port)
}

func serveStore(t *testing.T, tr transport.Transport, store Store) transport.Listener {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	tlsConfig, err := transport.SelfSignedTLSConfig(constants.ALPN)
	require.NoError(t, err)
	l, err := tr.Listen(ctx, "127.0.0.1:0", tlsConfig)
	require.NoError(t, err)

	srv := NewServer(newTestSigner(t), store, zaptest.NewLogger(t))
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(ctx, l)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return l
}

func newTestNetwork(t *testing.T, opts ...StreamOption) *StreamNetwork {
	t.Helper()
	registry := transport.NewRegistry()
	registry.Register(tcp.New(nil))
	return newTestNetworkWith(t, registry, opts...)
}

func newTestNetworkWith(t *testing.T, registry *transport.Registry, opts ...StreamOption) *StreamNetwork {
	t.Helper()
	config := DefaultStreamConfig()
	config.DialAttempts = 2
	config.DialMinBackoff = 10 * time.Millisecond
	config.DialMaxBackoff = 20 * time.Millisecond
	return NewStreamNetwork(newTestSigner(t), registry, config, zaptest.NewLogger(t), opts...)
}

func TestStreamNetworkFetch(t *testing.T) {
	ch := testChunk(t)
	store := NewMemStore()
	store.Put(ch)

	n := newTestNetwork(t)
	require.NoError(t, n.AddPeer("A", startServer(t, store)))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	data, err := n.Fetch(ctx, "A", ch.Address)
	require.NoError(t, err)
	require.Equal(t, ch.Data, data)
}

func TestStreamNetworkFetchOverQUIC(t *testing.T) {
	ch := testChunk(t)
	store := NewMemStore()
	store.Put(ch)

	registry := transport.NewRegistry()
	registry.Register(quic.New(nil))
	n := newTestNetworkWith(t, registry)
	require.NoError(t, n.AddPeer("A", startQUICServer(t, store)))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for i := 0; i < 20; i++ {
		data, err := n.Fetch(ctx, "A", ch.Address)
		require.NoError(t, err, "fetch %d", i)
		require.Equal(t, ch.Data, data)
	}

	_, err := n.Fetch(ctx, "A", testChunk(t).Address)
	require.True(t, wire.IsCode(err, constants.ErrorNotFound), "got %v", err)
}

func TestStreamNetworkNotFound(t *testing.T) {
	n := newTestNetwork(t)
	require.NoError(t, n.AddPeer("A", startServer(t, NewMemStore())))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := n.Fetch(ctx, "A", testChunk(t).Address)
	require.Error(t, err)
	require.True(t, wire.IsCode(err, constants.ErrorNotFound))
}

func TestStreamNetworkUnknownPeer(t *testing.T) {
	n := newTestNetwork(t)
	_, err := n.Fetch(context.Background(), "ghost", swarm.Address{})
	require.ErrorIs(t, err, ErrUnknownPeer)

	require.NoError(t, n.AddPeer("A", "/ip4/127.0.0.1/tcp/1634"))
	n.RemovePeer("A")
	_, err = n.Fetch(context.Background(), "A", swarm.Address{})
	require.ErrorIs(t, err, ErrUnknownPeer)
}

func TestStreamNetworkRejectsUnsupportedUnderlay(t *testing.T) {
	n := newTestNetwork(t)
	require.Error(t, n.AddPeer("A", "not a multiaddr"))
	// Only TCP is registered
	require.Error(t, n.AddPeer("A", "/ip4/127.0.0.1/udp/1634/quic-v1"))
	// Port 0 can be listened on but not dialed
	require.Error(t, n.AddPeer("A", "/ip4/127.0.0.1/tcp/0"))
}

func TestStreamNetworkDialFailure(t *testing.T) {
	// Reserve a port, then close it so nothing listens there
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	n := newTestNetwork(t)
	require.NoError(t, n.AddPeer("A", fmt.Sprintf("/ip4/127.0.0.1/tcp/%d", port)))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = n.Fetch(ctx, "A", swarm.Address{})
	require.ErrorContains(t, err, "after 2 attempts")
}

func TestStreamNetworkDialBackoffUsesClock(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	clk := clock.NewMock()
	registry := transport.NewRegistry()
	registry.Register(tcp.New(nil))
	config := DefaultStreamConfig()
	config.DialAttempts = 2
	config.DialMinBackoff = time.Hour
	config.DialMaxBackoff = time.Hour
	n := NewStreamNetwork(newTestSigner(t), registry, config, zaptest.NewLogger(t), WithDialClock(clk))
	require.NoError(t, n.AddPeer("A", fmt.Sprintf("/ip4/127.0.0.1/tcp/%d", port)))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	errs := make(chan error, 1)
	go func() {
		_, err := n.Fetch(ctx, "A", swarm.Address{})
		errs <- err
	}()

	// The hour long backoff only passes on the mock clock
	select {
	case <-errs:
		t.Fatal("fetch returned before the backoff elapsed")
	case <-time.After(100 * time.Millisecond):
	}
	var fetchErr error
	require.Eventually(t, func() bool {
		clk.Add(time.Hour)
		select {
		case fetchErr = <-errs:
			return true
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
	require.ErrorContains(t, fetchErr, "after 2 attempts")
}

func TestRetrieverOverStreamNetwork(t *testing.T) {
	ch := testChunk(t)
	store := NewMemStore()
	store.Put(ch)

	n := newTestNetwork(t)
	require.NoError(t, n.AddPeer("A", startServer(t, store)))

	h := newHarness(t, nil)
	h.connect("A", overlayAtPO(ch.Address, 4), 1000)
	h.retriever.network = n

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	data, err := h.retriever.Get(ctx, ch.Address)
	require.NoError(t, err)
	require.Equal(t, ch.Data, data)
	requireSettled(t, h.accounting, "A", testPrice)
}
