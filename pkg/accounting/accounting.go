// Package accounting tracks per-peer bandwidth credit. Every chunk request
// reserves its price against the peer's credit limit before going on the
// wire and either commits or cancels that reservation once the outcome is
// known.
package accounting

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/raulk/clock"
	"go.uber.org/zap"

	"github.com/WebFirstLanguage/weeb3/pkg/swarm"
)

var (
	// ErrUnknownPeer is returned when a peer has no ledger entry.
	ErrUnknownPeer = errors.New("unknown peer")
	// ErrOverdraft is returned by operations that would exceed a credit limit.
	ErrOverdraft = errors.New("credit limit exceeded")
)

// RefreshRequest asks for a peer's debt to be refreshed by Amount.
type RefreshRequest struct {
	Peer   swarm.PeerID
	Amount uint64
}

// Ledger is the bookkeeping for one peer. Its fields are guarded by mu.
type Ledger struct {
	mu          sync.Mutex
	reserved    uint64
	committed   uint64
	limit       uint64
	lastRefresh time.Time
}

// Balance is a point-in-time copy of a ledger.
type Balance struct {
	Peer      swarm.PeerID `json:"peer"`
	Reserved  uint64       `json:"reserved"`
	Committed uint64       `json:"committed"`
	Limit     uint64       `json:"limit"`
}

// Accounting is the table of ledgers plus the refresh channel. The table lock
// only guards inserts and lookups; each ledger has its own lock.
type Accounting struct {
	mu      sync.RWMutex
	ledgers map[swarm.PeerID]*Ledger

	refresh chan RefreshRequest
	logger  *zap.Logger
	clock   clock.Clock
}

// New creates an accounting table whose refresh channel holds buffer
// pending requests. A nil clock uses the wall clock.
func New(buffer int, clk clock.Clock, logger *zap.Logger) *Accounting {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Accounting{
		ledgers: make(map[swarm.PeerID]*Ledger),
		refresh: make(chan RefreshRequest, buffer),
		logger:  logger.Named("accounting"),
		clock:   clk,
	}
}

// Connect creates a ledger for peer with the given credit limit. An existing
// ledger keeps its balance and takes the new limit.
func (a *Accounting) Connect(peer swarm.PeerID, limit uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if l, ok := a.ledgers[peer]; ok {
		l.mu.Lock()
		l.limit = limit
		l.mu.Unlock()
		return
	}
	a.ledgers[peer] = &Ledger{limit: limit, lastRefresh: a.clock.Now()}
}

// Disconnect removes the peer's ledger.
func (a *Accounting) Disconnect(peer swarm.PeerID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.ledgers, peer)
}

// Peers returns the number of ledgers.
func (a *Accounting) Peers() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.ledgers)
}

func (a *Accounting) ledger(peer swarm.PeerID) (*Ledger, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	l, ok := a.ledgers[peer]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, peer)
	}
	return l, nil
}

// Reserve sets aside price against peer's credit. It returns false when
// reserved+committed+price would exceed the limit.
func (a *Accounting) Reserve(peer swarm.PeerID, price uint64) (bool, error) {
	l, err := a.ledger(peer)
	if err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.reserved+l.committed+price > l.limit {
		return false, nil
	}
	l.reserved += price
	return true, nil
}

// Commit turns a reservation into debt.
func (a *Accounting) Commit(peer swarm.PeerID, price uint64) error {
	l, err := a.ledger(peer)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.reserved = sub(l.reserved, price)
	l.committed += price
	return nil
}

// Cancel releases a reservation.
func (a *Accounting) Cancel(peer swarm.PeerID, price uint64) error {
	l, err := a.ledger(peer)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.reserved = sub(l.reserved, price)
	return nil
}

// RequestRefresh queues a refresh for peer without blocking. Requests are
// dropped when the channel is full.
func (a *Accounting) RequestRefresh(peer swarm.PeerID, amount uint64) bool {
	select {
	case a.refresh <- RefreshRequest{Peer: peer, Amount: amount}:
		return true
	default:
		a.logger.Warn("refresh channel full, dropping request",
			zap.String("peer", peer.String()),
			zap.Uint64("amount", amount))
		return false
	}
}

// Refreshes is the receiving side of the refresh channel.
func (a *Accounting) Refreshes() <-chan RefreshRequest {
	return a.refresh
}

// Balance returns a copy of peer's ledger.
func (a *Accounting) Balance(peer swarm.PeerID) (Balance, error) {
	l, err := a.ledger(peer)
	if err != nil {
		return Balance{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return Balance{Peer: peer, Reserved: l.reserved, Committed: l.committed, Limit: l.limit}, nil
}

// Balances returns every ledger sorted by peer id.
func (a *Accounting) Balances() []Balance {
	a.mu.RLock()
	peers := make([]swarm.PeerID, 0, len(a.ledgers))
	for p := range a.ledgers {
		peers = append(peers, p)
	}
	a.mu.RUnlock()

	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	out := make([]Balance, 0, len(peers))
	for _, p := range peers {
		if b, err := a.Balance(p); err == nil {
			out = append(out, b)
		}
	}
	return out
}

// applyRefresh reduces peer's debt by at most amount and at most what the
// refresh rate allows since the last refresh. It returns the amount applied.
func (a *Accounting) applyRefresh(peer swarm.PeerID, amount, rate uint64) (uint64, error) {
	l, err := a.ledger(peer)
	if err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := a.clock.Now()
	elapsed := now.Sub(l.lastRefresh)
	if elapsed < 0 {
		elapsed = 0
	}
	allowance := uint64(float64(rate) * elapsed.Seconds())

	applied := amount
	if allowance < applied {
		applied = allowance
	}
	if l.committed < applied {
		applied = l.committed
	}
	if applied == 0 {
		return 0, nil
	}
	l.committed -= applied
	l.lastRefresh = now
	return applied, nil
}

func sub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}
