package accounting

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// Refresher consumes refresh requests and pays down peer debt at the
// configured rate (credit units per second).
type Refresher struct {
	accounting *Accounting
	rate       uint64
	logger     *zap.Logger

	// OnRefresh, when set, observes every applied refresh.
	OnRefresh func(peer string, amount uint64)
}

// NewRefresher creates a refresher for a. Elapsed time is measured on a's clock.
func NewRefresher(a *Accounting, rate uint64, logger *zap.Logger) *Refresher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Refresher{
		accounting: a,
		rate:       rate,
		logger:     logger.Named("refresher"),
	}
}

// Apply handles one request and returns the amount of debt removed.
func (r *Refresher) Apply(req RefreshRequest) (uint64, error) {
	applied, err := r.accounting.applyRefresh(req.Peer, req.Amount, r.rate)
	if err != nil {
		return 0, err
	}
	if applied > 0 && r.OnRefresh != nil {
		r.OnRefresh(req.Peer.String(), applied)
	}
	return applied, nil
}

// Run processes requests until ctx is done.
func (r *Refresher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-r.accounting.Refreshes():
			applied, err := r.Apply(req)
			if err != nil {
				if !errors.Is(err, ErrUnknownPeer) {
					r.logger.Warn("refresh failed", zap.String("peer", req.Peer.String()), zap.Error(err))
				}
				continue
			}
			r.logger.Debug("refreshed peer",
				zap.String("peer", req.Peer.String()),
				zap.Uint64("requested", req.Amount),
				zap.Uint64("applied", applied))
		}
	}
}
