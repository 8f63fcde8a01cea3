// Package topology holds the table of connected peers keyed by overlay
// address and selects the peer closest to a chunk address.
package topology

import (
	"encoding/hex"
	"sync"

	"github.com/WebFirstLanguage/weeb3/pkg/swarm"
)

// Entry is one row of the peer table.
type Entry struct {
	Overlay string       `json:"overlay"` // hex encoded overlay address
	Peer    swarm.PeerID `json:"peer"`
}

// PeerTable maps overlay hex strings to peer ids. A peer id appears under at
// most one overlay.
type PeerTable struct {
	mu      sync.RWMutex
	entries []Entry
	index   map[string]int
}

// NewPeerTable creates an empty table.
func NewPeerTable() *PeerTable {
	return &PeerTable{index: make(map[string]int)}
}

// Add records peer under overlay, replacing any previous overlay of the
// same peer.
func (t *PeerTable) Add(overlay string, peer swarm.PeerID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.removePeerLocked(peer)
	if i, ok := t.index[overlay]; ok {
		t.entries[i].Peer = peer
		return
	}
	t.index[overlay] = len(t.entries)
	t.entries = append(t.entries, Entry{Overlay: overlay, Peer: peer})
}

// Remove drops peer from the table. It reports whether the peer was present.
func (t *PeerTable) Remove(peer swarm.PeerID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.removePeerLocked(peer)
}

func (t *PeerTable) removePeerLocked(peer swarm.PeerID) bool {
	for i, e := range t.entries {
		if e.Peer != peer {
			continue
		}
		t.entries = append(t.entries[:i], t.entries[i+1:]...)
		delete(t.index, e.Overlay)
		for j := i; j < len(t.entries); j++ {
			t.index[t.entries[j].Overlay] = j
		}
		return true
	}
	return false
}

// Lookup returns the overlay of peer.
func (t *PeerTable) Lookup(peer swarm.PeerID) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, e := range t.entries {
		if e.Peer == peer {
			return e.Overlay, true
		}
	}
	return "", false
}

// Len returns the number of peers.
func (t *PeerTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Snapshot copies the table in insertion order. Selection runs on the copy so
// concurrent changes never affect a decision in progress.
func (t *PeerTable) Snapshot() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Closest returns the entry with the highest proximity to addr among those
// not in skip. On equal proximity the later entry wins. Overlays that are not
// valid hex are ignored.
func Closest(snapshot []Entry, addr swarm.Address, skip map[swarm.PeerID]struct{}) (Entry, bool) {
	var (
		best   Entry
		bestPO int
		found  bool
	)
	for _, e := range snapshot {
		if _, skipped := skip[e.Peer]; skipped {
			continue
		}
		overlay, err := hex.DecodeString(e.Overlay)
		if err != nil {
			continue
		}
		po := int(swarm.Proximity(addr[:], overlay))
		if !found || po >= bestPO {
			best, bestPO, found = e, po, true
		}
	}
	return best, found
}
