package topology

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/WebFirstLanguage/weeb3/pkg/swarm"
)

// overlayAtPO returns an overlay hex that shares exactly po leading bits with addr.
func overlayAtPO(addr swarm.Address, po int) string {
	o := addr
	o[po/8] ^= 0x80 >> uint(po%8)
	return o.String()
}

func TestClosestPrefersHigherProximity(t *testing.T) {
	addr := swarm.MustParseHexAddress("a0b1c2d3e4f5061728394a5b6c7d8e9fa0b1c2d3e4f5061728394a5b6c7d8e9f")

	table := NewPeerTable()
	table.Add(overlayAtPO(addr, 3), "A")
	table.Add(overlayAtPO(addr, 5), "B")

	first, ok := Closest(table.Snapshot(), addr, nil)
	require.True(t, ok)
	require.Equal(t, swarm.PeerID("B"), first.Peer)

	second, ok := Closest(table.Snapshot(), addr, map[swarm.PeerID]struct{}{"B": {}})
	require.True(t, ok)
	require.Equal(t, swarm.PeerID("A"), second.Peer)

	_, ok = Closest(table.Snapshot(), addr, map[swarm.PeerID]struct{}{"A": {}, "B": {}})
	require.False(t, ok)
}

func TestClosestTieGoesToLater(t *testing.T) {
	addr := swarm.Address{}
	table := NewPeerTable()
	// Both overlays differ from addr at bit 4
	table.Add("08000000", "first")
	table.Add("0800ffff", "second")

	e, ok := Closest(table.Snapshot(), addr, nil)
	require.True(t, ok)
	require.Equal(t, swarm.PeerID("second"), e.Peer)
}

func TestClosestEmptyAndInvalid(t *testing.T) {
	_, ok := Closest(nil, swarm.Address{}, nil)
	require.False(t, ok)

	table := NewPeerTable()
	table.Add("not-hex", "bad")
	_, ok = Closest(table.Snapshot(), swarm.Address{}, nil)
	require.False(t, ok)
}

func TestClosestNeverReturnsSkipped(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 200; round++ {
		var addr swarm.Address
		rng.Read(addr[:])

		table := NewPeerTable()
		n := 1 + rng.Intn(12)
		skip := make(map[swarm.PeerID]struct{})
		for i := 0; i < n; i++ {
			var overlay swarm.Address
			rng.Read(overlay[:])
			peer := swarm.PeerID(fmt.Sprintf("peer-%d", i))
			table.Add(overlay.String(), peer)
			if rng.Intn(2) == 0 {
				skip[peer] = struct{}{}
			}
		}

		e, ok := Closest(table.Snapshot(), addr, skip)
		if len(skip) == n {
			require.False(t, ok)
			continue
		}
		require.True(t, ok)
		_, skipped := skip[e.Peer]
		require.False(t, skipped, "selector returned skipped peer %s", e.Peer)

		// No eligible peer is strictly closer
		chosen, _ := swarm.ParseHexAddress(e.Overlay)
		best := swarm.Proximity(addr[:], chosen[:])
		for _, other := range table.Snapshot() {
			if _, skipped := skip[other.Peer]; skipped {
				continue
			}
			o, _ := swarm.ParseHexAddress(other.Overlay)
			require.LessOrEqual(t, swarm.Proximity(addr[:], o[:]), best)
		}
	}
}

func TestPeerTable(t *testing.T) {
	table := NewPeerTable()
	table.Add("aa", "p1")
	table.Add("bb", "p2")
	table.Add("cc", "p3")
	require.Equal(t, 3, table.Len())

	// Re-adding a peer moves it to its new overlay
	table.Add("dd", "p2")
	require.Equal(t, 3, table.Len())
	overlay, ok := table.Lookup("p2")
	require.True(t, ok)
	require.Equal(t, "dd", overlay)

	require.True(t, table.Remove("p1"))
	require.False(t, table.Remove("p1"))

	snap := table.Snapshot()
	require.Equal(t, []Entry{{Overlay: "cc", Peer: "p3"}, {Overlay: "dd", Peer: "p2"}}, snap)

	// Snapshot is a copy
	snap[0].Peer = "mutated"
	overlay, ok = table.Lookup("p3")
	require.True(t, ok)
	require.Equal(t, "cc", overlay)
}
