package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/WebFirstLanguage/weeb3/pkg/accounting"
	"github.com/WebFirstLanguage/weeb3/pkg/constants"
	"github.com/WebFirstLanguage/weeb3/pkg/swarm"
	"github.com/WebFirstLanguage/weeb3/pkg/topology"
	"github.com/WebFirstLanguage/weeb3/pkg/wire"
)

const testPrice = 10

// fakeNetwork serves chunks from per-peer handlers and records every call.
type fakeNetwork struct {
	mu    sync.Mutex
	calls []swarm.PeerID
	serve func(ctx context.Context, peer swarm.PeerID, addr swarm.Address) ([]byte, error)
}

func (n *fakeNetwork) Fetch(ctx context.Context, peer swarm.PeerID, addr swarm.Address) ([]byte, error) {
	n.mu.Lock()
	n.calls = append(n.calls, peer)
	n.mu.Unlock()
	return n.serve(ctx, peer, addr)
}

func (n *fakeNetwork) Calls() []swarm.PeerID {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]swarm.PeerID(nil), n.calls...)
}

// serveFrom returns a handler delivering ch from the listed peers only.
func serveFrom(ch swarm.Chunk, peers ...swarm.PeerID) func(context.Context, swarm.PeerID, swarm.Address) ([]byte, error) {
	holders := make(map[swarm.PeerID]bool)
	for _, p := range peers {
		holders[p] = true
	}
	return func(_ context.Context, peer swarm.PeerID, addr swarm.Address) ([]byte, error) {
		if holders[peer] && addr == ch.Address {
			return ch.Data, nil
		}
		return nil, wire.ErrNotFound(addr.String())
	}
}

func overlayAtPO(addr swarm.Address, po int) string {
	o := addr
	o[po/8] ^= 0x80 >> uint(po%8)
	return o.String()
}

func testChunk(t *testing.T) swarm.Chunk {
	t.Helper()
	ch, err := swarm.NewCAC([]byte("hello retrieval"))
	require.NoError(t, err)
	return ch
}

type harness struct {
	peers      *topology.PeerTable
	accounting *accounting.Accounting
	network    *fakeNetwork
	retriever  *Retriever
}

func newHarness(t *testing.T, config *Config) *harness {
	t.Helper()
	if config == nil {
		config = DefaultConfig()
		config.RoundTime = 10 * time.Millisecond
	}
	h := &harness{
		peers:      topology.NewPeerTable(),
		accounting: accounting.New(constants.RefreshChannelBuffer, nil, zaptest.NewLogger(t)),
		network:    &fakeNetwork{},
	}
	h.retriever = New(h.peers, h.accounting, accounting.FixedPricer(testPrice), h.network, config,
		WithLogger(zaptest.NewLogger(t)))
	return h
}

// connect adds peer to the table and opens its ledger.
func (h *harness) connect(peer swarm.PeerID, overlay string, limit uint64) {
	h.peers.Add(overlay, peer)
	h.accounting.Connect(peer, limit)
}

func requireSettled(t *testing.T, a *accounting.Accounting, peer swarm.PeerID, committed uint64) {
	t.Helper()
	b, err := a.Balance(peer)
	require.NoError(t, err)
	require.Equal(t, uint64(0), b.Reserved, "reservation of %s left open", peer)
	require.Equal(t, committed, b.Committed)
}

func TestRetrieveAsksClosestPeerFirst(t *testing.T) {
	ch := testChunk(t)
	h := newHarness(t, nil)
	h.connect("A", overlayAtPO(ch.Address, 3), 1000)
	h.connect("B", overlayAtPO(ch.Address, 5), 1000)
	h.network.serve = serveFrom(ch, "A", "B")

	got, err := h.retriever.RetrieveChunk(context.Background(), ch.Address)
	require.NoError(t, err)
	require.Equal(t, ch.Data, got.Data)
	require.Equal(t, []swarm.PeerID{"B"}, h.network.Calls())

	requireSettled(t, h.accounting, "B", testPrice)
	requireSettled(t, h.accounting, "A", 0)
}

func TestRetrieveFallsBackToNextClosest(t *testing.T) {
	ch := testChunk(t)
	h := newHarness(t, nil)
	h.connect("A", overlayAtPO(ch.Address, 3), 1000)
	h.connect("B", overlayAtPO(ch.Address, 5), 1000)
	h.network.serve = serveFrom(ch, "A")

	data, err := h.retriever.Get(context.Background(), ch.Address)
	require.NoError(t, err)
	require.Equal(t, ch.Data, data)
	require.Equal(t, []swarm.PeerID{"B", "A"}, h.network.Calls())

	requireSettled(t, h.accounting, "B", 0)
	requireSettled(t, h.accounting, "A", testPrice)
}

func TestRetrieveWithoutPeers(t *testing.T) {
	h := newHarness(t, nil)
	h.network.serve = func(context.Context, swarm.PeerID, swarm.Address) ([]byte, error) {
		t.Fatal("network must not be called")
		return nil, nil
	}

	_, err := h.retriever.Get(context.Background(), testChunk(t).Address)
	require.ErrorIs(t, err, ErrNoPeer)
	require.Empty(t, h.network.Calls())
}

func TestRetrieveNeverReturnsInvalidData(t *testing.T) {
	ch := testChunk(t)
	h := newHarness(t, nil)
	h.connect("A", overlayAtPO(ch.Address, 3), 1000)
	h.connect("B", overlayAtPO(ch.Address, 5), 1000)

	h.network.serve = func(context.Context, swarm.PeerID, swarm.Address) ([]byte, error) {
		forged := append([]byte(nil), ch.Data...)
		forged[len(forged)-1] ^= 0xff
		return forged, nil
	}

	_, err := h.retriever.Get(context.Background(), ch.Address)
	require.ErrorIs(t, err, ErrExhausted)
	require.ErrorIs(t, err, ErrInvalidChunk)
	require.Len(t, h.network.Calls(), 2)

	requireSettled(t, h.accounting, "A", 0)
	requireSettled(t, h.accounting, "B", 0)
}

func TestRetrieveStopsAtMaxErrors(t *testing.T) {
	ch := testChunk(t)
	config := DefaultConfig()
	config.MaxErrors = 2
	h := newHarness(t, config)
	for po := 1; po <= 5; po++ {
		h.connect(swarm.PeerID(fmt.Sprintf("peer-%d", po)), overlayAtPO(ch.Address, po), 1000)
	}
	h.network.serve = func(context.Context, swarm.PeerID, swarm.Address) ([]byte, error) {
		return nil, errors.New("connection reset")
	}

	_, err := h.retriever.Get(context.Background(), ch.Address)
	require.ErrorIs(t, err, ErrExhausted)
	require.Len(t, h.network.Calls(), 2)

	var rerr *RetrievalError
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, ErrCodeNetworkFailure, rerr.Code)
}

func TestRetrieveErrorBudgetCappedByLedgers(t *testing.T) {
	ch := testChunk(t)
	h := newHarness(t, nil)
	h.connect("A", overlayAtPO(ch.Address, 3), 1000)
	h.network.serve = serveFrom(ch)

	_, err := h.retriever.Get(context.Background(), ch.Address)
	require.ErrorIs(t, err, ErrExhausted)
	require.Len(t, h.network.Calls(), 1)

	var rerr *RetrievalError
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, ErrCodeNotFound, rerr.Code)
}

func TestRetrieveSkipsPeerWithoutLedger(t *testing.T) {
	ch := testChunk(t)
	h := newHarness(t, nil)
	h.connect("A", overlayAtPO(ch.Address, 3), 1000)
	h.peers.Add(overlayAtPO(ch.Address, 7), "stranger")
	h.network.serve = serveFrom(ch, "A", "stranger")

	data, err := h.retriever.Get(context.Background(), ch.Address)
	require.NoError(t, err)
	require.Equal(t, ch.Data, data)
	require.Equal(t, []swarm.PeerID{"A"}, h.network.Calls())
}

func TestRetrieveTimeout(t *testing.T) {
	ch := testChunk(t)
	config := DefaultConfig()
	config.FetchTimeout = 20 * time.Millisecond
	h := newHarness(t, config)
	h.connect("A", overlayAtPO(ch.Address, 3), 1000)
	h.network.serve = func(ctx context.Context, _ swarm.PeerID, _ swarm.Address) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	_, err := h.retriever.Get(context.Background(), ch.Address)
	require.ErrorIs(t, err, ErrExhausted)
	require.True(t, IsTimeoutError(err))
	requireSettled(t, h.accounting, "A", 0)
}

func TestRetrieveOverdraftRequestsRefresh(t *testing.T) {
	ch := testChunk(t)
	config := DefaultConfig()
	config.RoundTime = 10 * time.Millisecond
	config.RefreshRate = 7
	h := newHarness(t, config)
	h.connect("A", overlayAtPO(ch.Address, 3), testPrice-1)
	h.network.serve = serveFrom(ch, "A")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := h.retriever.Get(ctx, ch.Address)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Empty(t, h.network.Calls())

	select {
	case req := <-h.accounting.Refreshes():
		require.Equal(t, swarm.PeerID("A"), req.Peer)
		require.Equal(t, uint64(7*constants.OverdraftRefreshMultiplier), req.Amount)
	default:
		t.Fatal("expected a refresh request for the overdrawn peer")
	}
}

func TestRetrieveOverdraftRecoversAfterRefresh(t *testing.T) {
	ch := testChunk(t)
	h := newHarness(t, nil)
	h.connect("A", overlayAtPO(ch.Address, 3), testPrice)
	h.network.serve = serveFrom(ch, "A")

	// Use up all credit
	ok, err := h.accounting.Reserve("A", testPrice)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, h.accounting.Commit("A", testPrice))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	refresher := accounting.NewRefresher(h.accounting, 1_000_000, zaptest.NewLogger(t))
	go refresher.Run(ctx)

	data, err := h.retriever.Get(ctx, ch.Address)
	require.NoError(t, err)
	require.Equal(t, ch.Data, data)
	require.Equal(t, []swarm.PeerID{"A"}, h.network.Calls())
	requireSettled(t, h.accounting, "A", testPrice)
}

func TestRetrieveOverdrawnPeerYieldsToOthers(t *testing.T) {
	ch := testChunk(t)
	h := newHarness(t, nil)
	h.connect("A", overlayAtPO(ch.Address, 3), 1000)
	h.connect("B", overlayAtPO(ch.Address, 5), testPrice-1)
	h.network.serve = serveFrom(ch, "A", "B")

	data, err := h.retriever.Get(context.Background(), ch.Address)
	require.NoError(t, err)
	require.Equal(t, ch.Data, data)
	require.Equal(t, []swarm.PeerID{"A"}, h.network.Calls())
	requireSettled(t, h.accounting, "B", 0)
}

func TestRetrieveContextCancelled(t *testing.T) {
	ch := testChunk(t)
	h := newHarness(t, nil)
	h.connect("A", overlayAtPO(ch.Address, 3), 1000)
	h.network.serve = serveFrom(ch, "A")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.retriever.Get(ctx, ch.Address)
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, h.network.Calls())
}

func TestRetrieveSingleOwnerChunk(t *testing.T) {
	signer := newTestSigner(t)
	wrapped := testChunk(t)
	soc, err := swarm.NewSOC(make([]byte, constants.SOCIDSize), wrapped, signer)
	require.NoError(t, err)

	h := newHarness(t, nil)
	h.connect("A", overlayAtPO(soc.Address, 3), 1000)
	h.network.serve = serveFrom(soc, "A")

	data, err := h.retriever.Get(context.Background(), soc.Address)
	require.NoError(t, err)
	require.Equal(t, soc.Data, data)
}

type countingGetter struct {
	mu    sync.Mutex
	calls int
	data  map[swarm.Address][]byte
}

func (g *countingGetter) Get(_ context.Context, addr swarm.Address) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	data, ok := g.data[addr]
	if !ok {
		return nil, ErrNoPeer
	}
	return data, nil
}

func TestCachingGetter(t *testing.T) {
	ch := testChunk(t)
	inner := &countingGetter{data: map[swarm.Address][]byte{ch.Address: ch.Data}}

	c, err := NewCachingGetter(inner, 8, nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		data, err := c.Get(context.Background(), ch.Address)
		require.NoError(t, err)
		require.Equal(t, ch.Data, data)
	}
	require.Equal(t, 1, inner.calls)
	require.Equal(t, 1, c.Len())

	cached, ok := c.Chunk(ch.Address)
	require.True(t, ok)
	require.Equal(t, ch.Data, cached)

	// Failures are not cached
	_, err = c.Get(context.Background(), swarm.Address{1})
	require.ErrorIs(t, err, ErrNoPeer)
	_, err = c.Get(context.Background(), swarm.Address{1})
	require.ErrorIs(t, err, ErrNoPeer)
	require.Equal(t, 3, inner.calls)
}

func TestCachingGetterDisabled(t *testing.T) {
	ch := testChunk(t)
	inner := &countingGetter{data: map[swarm.Address][]byte{ch.Address: ch.Data}}

	c, err := NewCachingGetter(inner, 0, nil)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err := c.Get(context.Background(), ch.Address)
		require.NoError(t, err)
	}
	require.Equal(t, 2, inner.calls)
	_, ok := c.Chunk(ch.Address)
	require.False(t, ok)
}
