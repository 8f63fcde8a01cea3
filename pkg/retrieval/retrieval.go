// Package retrieval fetches single chunks from the peer closest to their
// address, paying for each delivery through the accounting gate. Failed
// attempts move on to the next closest peer; peers that are out of credit
// are asked to refresh and retried after a pacing delay.
package retrieval

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/raulk/clock"
	"go.uber.org/zap"

	"github.com/WebFirstLanguage/weeb3/internal/metrics"
	"github.com/WebFirstLanguage/weeb3/pkg/accounting"
	"github.com/WebFirstLanguage/weeb3/pkg/constants"
	"github.com/WebFirstLanguage/weeb3/pkg/swarm"
	"github.com/WebFirstLanguage/weeb3/pkg/topology"
	"github.com/WebFirstLanguage/weeb3/pkg/wire"
)

// Network delivers the raw bytes stored at addr by peer.
type Network interface {
	Fetch(ctx context.Context, peer swarm.PeerID, addr swarm.Address) ([]byte, error)
}

// Config tunes the fetch loop.
type Config struct {
	// MaxErrors caps failed deliveries per chunk; it is further capped by
	// the number of peers with a ledger.
	MaxErrors int
	// RoundTime is the minimum duration of a round that ends with every
	// eligible peer overdrawn.
	RoundTime time.Duration
	// FetchTimeout bounds a single request to a peer.
	FetchTimeout time.Duration
	// RefreshRate is the per-second refresh rate; overdrawn peers are asked
	// for OverdraftRefreshMultiplier times this amount.
	RefreshRate uint64
}

// DefaultConfig returns the default fetch loop configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxErrors:    constants.DefaultMaxErrors,
		RoundTime:    constants.RetrieveRoundTime,
		FetchTimeout: constants.DefaultFetchTimeout,
		RefreshRate:  constants.RefreshRate,
	}
}

// Retriever runs the chunk fetch state machine. It holds no per-call state;
// every RetrieveChunk call keeps its own skip and overdraft lists.
type Retriever struct {
	peers      *topology.PeerTable
	accounting *accounting.Accounting
	pricer     accounting.Pricer
	network    Network
	config     *Config

	clock   clock.Clock
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// Option configures a Retriever.
type Option func(*Retriever)

// WithClock sets the clock used for round pacing.
func WithClock(c clock.Clock) Option { return func(r *Retriever) { r.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(r *Retriever) { r.logger = l } }

// WithMetrics sets the metrics collectors.
func WithMetrics(m *metrics.Metrics) Option { return func(r *Retriever) { r.metrics = m } }

// New creates a retriever over the shared peer table and accounting.
func New(peers *topology.PeerTable, acc *accounting.Accounting, pricer accounting.Pricer, network Network, config *Config, opts ...Option) *Retriever {
	if config == nil {
		config = DefaultConfig()
	}
	r := &Retriever{
		peers:      peers,
		accounting: acc,
		pricer:     pricer,
		network:    network,
		config:     config,
		clock:      clock.New(),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.metrics == nil {
		r.metrics = metrics.New(nil)
	}
	r.logger = r.logger.Named("retrieval")
	return r
}

// Get returns the validated data of the chunk at addr.
func (r *Retriever) Get(ctx context.Context, addr swarm.Address) ([]byte, error) {
	ch, err := r.RetrieveChunk(ctx, addr)
	if err != nil {
		return nil, err
	}
	return ch.Data, nil
}

// RetrieveChunk fetches and validates the chunk at addr. Only data that
// validates as a content-addressed or single owner chunk for addr is ever
// returned.
func (r *Retriever) RetrieveChunk(ctx context.Context, addr swarm.Address) (swarm.Chunk, error) {
	maxErrors := r.config.MaxErrors
	if n := r.accounting.Peers(); n < maxErrors {
		maxErrors = n
	}

	var (
		skip       = make(map[swarm.PeerID]struct{})
		overdraft  []swarm.PeerID
		errorCount int
		lastErr    error
		roundStart = r.clock.Now()
	)

	for {
		if err := ctx.Err(); err != nil {
			return swarm.Chunk{}, err
		}

		entry, found := topology.Closest(r.peers.Snapshot(), addr, skip)
		if !found {
			if len(overdraft) == 0 {
				r.metrics.RetrievalFailures.WithLabelValues(metrics.ReasonNoPeer).Inc()
				if lastErr != nil {
					return swarm.Chunk{}, fmt.Errorf("%w for %s: last error: %w", ErrNoPeer, addr, lastErr)
				}
				return swarm.Chunk{}, fmt.Errorf("%w for %s", ErrNoPeer, addr)
			}

			for _, peer := range overdraft {
				if r.accounting.RequestRefresh(peer, r.config.RefreshRate*constants.OverdraftRefreshMultiplier) {
					r.metrics.RefreshRequests.Inc()
				}
				delete(skip, peer)
			}
			r.logger.Debug("all eligible peers overdrawn, waiting for refresh",
				zap.Stringer("address", addr),
				zap.Int("peers", len(overdraft)))
			overdraft = overdraft[:0]

			if err := r.pace(ctx, roundStart); err != nil {
				return swarm.Chunk{}, err
			}
			roundStart = r.clock.Now()
			continue
		}

		skip[entry.Peer] = struct{}{}

		overlay, _ := hex.DecodeString(entry.Overlay)
		price := r.pricer.Price(overlay, addr)

		ok, err := r.accounting.Reserve(entry.Peer, price)
		if err != nil {
			r.logger.Debug("skipping peer without ledger", zap.String("peer", entry.Peer.String()))
			continue
		}
		if !ok {
			r.metrics.Overdrafts.Inc()
			overdraft = append(overdraft, entry.Peer)
			continue
		}

		chunk, err := r.fetch(ctx, entry.Peer, addr)
		if err == nil {
			if cerr := r.accounting.Commit(entry.Peer, price); cerr != nil {
				r.logger.Warn("commit failed", zap.String("peer", entry.Peer.String()), zap.Error(cerr))
			}
			r.metrics.RetrievalSuccess.Inc()
			r.metrics.BytesRetrieved.Add(float64(len(chunk.Data)))
			return chunk, nil
		}

		if cerr := r.accounting.Cancel(entry.Peer, price); cerr != nil {
			r.logger.Warn("cancel failed", zap.String("peer", entry.Peer.String()), zap.Error(cerr))
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return swarm.Chunk{}, ctxErr
		}

		r.metrics.RetrievalFailures.WithLabelValues(failureReason(err)).Inc()
		r.logger.Debug("chunk request failed",
			zap.Stringer("address", addr),
			zap.String("peer", entry.Peer.String()),
			zap.Error(err))

		errorCount++
		lastErr = err
		if errorCount >= maxErrors {
			r.metrics.RetrievalFailures.WithLabelValues(metrics.ReasonExhausted).Inc()
			return swarm.Chunk{}, fmt.Errorf("%w after %d errors for %s: %w", ErrExhausted, errorCount, addr, lastErr)
		}
	}
}

// pace waits out the remainder of the round that started at roundStart.
func (r *Retriever) pace(ctx context.Context, roundStart time.Time) error {
	wait := r.config.RoundTime - r.clock.Since(roundStart)
	if wait <= 0 {
		return nil
	}
	timer := r.clock.Timer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// fetch performs one request with its own timeout and validates the result.
func (r *Retriever) fetch(ctx context.Context, peer swarm.PeerID, addr swarm.Address) (swarm.Chunk, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, r.config.FetchTimeout)
	defer cancel()

	r.metrics.RetrievalAttempts.Inc()
	r.metrics.InFlight.Inc()
	start := r.clock.Now()
	data, err := r.network.Fetch(fetchCtx, peer, addr)
	r.metrics.FetchLatency.Observe(r.clock.Since(start).Seconds())
	r.metrics.InFlight.Dec()

	if err != nil {
		var rerr *RetrievalError
		if errors.As(err, &rerr) {
			return swarm.Chunk{}, rerr
		}
		var werr *wire.Error
		if errors.As(err, &werr) {
			return swarm.Chunk{}, WrapWireError(werr, addr, peer)
		}
		if ctx.Err() == nil && errors.Is(fetchCtx.Err(), context.DeadlineExceeded) {
			return swarm.Chunk{}, NewTimeoutError(addr, peer, r.config.FetchTimeout)
		}
		return swarm.Chunk{}, NewNetworkError(addr, peer, err)
	}

	if !swarm.Valid(addr, data) {
		return swarm.Chunk{}, NewInvalidChunkError(addr, peer)
	}
	return swarm.Chunk{Address: addr, Data: data}, nil
}
