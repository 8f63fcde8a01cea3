package feeds

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/WebFirstLanguage/weeb3/internal/metrics"
	"github.com/WebFirstLanguage/weeb3/pkg/constants"
	"github.com/WebFirstLanguage/weeb3/pkg/swarm"
)

// ErrFeedEmpty is returned when a feed has no updates at all.
var ErrFeedEmpty = errors.New("feed has no updates")

const (
	notFound = uint64(math.MaxUint64)
	maxShift = 62
)

// ChunkGetter fetches a single validated chunk.
type ChunkGetter interface {
	Get(ctx context.Context, addr swarm.Address) ([]byte, error)
}

// ChunkJoiner reassembles content from already fetched root data.
type ChunkJoiner interface {
	JoinChunk(ctx context.Context, data []byte) ([]byte, error)
}

// Update is a located feed update.
type Update struct {
	Index uint64
	Data  []byte
}

// Finder locates feed frontiers.
type Finder struct {
	getter      ChunkGetter
	joiner      ChunkJoiner
	concurrency int
	logger      *zap.Logger
	metrics     *metrics.Metrics
}

// NewFinder creates a finder running at most concurrency probes at once.
func NewFinder(getter ChunkGetter, joiner ChunkJoiner, concurrency int, logger *zap.Logger, m *metrics.Metrics) *Finder {
	if concurrency <= 0 {
		concurrency = constants.DefaultProbeConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Finder{
		getter:      getter,
		joiner:      joiner,
		concurrency: concurrency,
		logger:      logger.Named("feeds"),
		metrics:     m,
	}
}

// probeIndices returns the indices probed in the window [lower, upper). A
// window no wider than r is probed exhaustively; wider windows are probed at
// offsets 0, 1, 3, 7, ... from lower.
func probeIndices(lower, upper uint64, r uint) []uint64 {
	if upper <= lower {
		return nil
	}
	if upper-lower <= uint64(r) {
		out := make([]uint64, 0, upper-lower)
		for i := lower; i < upper; i++ {
			out = append(out, i)
		}
		return out
	}

	var out []uint64
	for off := uint64(0); off < upper-lower; off = off*2 + 1 {
		out = append(out, lower+off)
	}
	return out
}

func window(r, widenings uint) uint64 {
	shift := r + widenings
	if shift > maxShift {
		shift = maxShift
	}
	return uint64(1) << shift
}

type probeResult struct {
	index uint64
	data  []byte
}

// Lookup returns the content of the newest update of owner's feed under
// topic. The redundancy r sets the initial search window to 2^r indices.
// While every probed index holds an update the window doubles each round,
// so the frontier at index k is found in O(log k) rounds. Finding a gap
// resets the window to the span below it.
func (f *Finder) Lookup(ctx context.Context, owner swarm.Owner, topic Topic, r uint) (Update, error) {
	var (
		largest     uint64
		largestData []byte
		smallest    = notFound
		lower       uint64
		upper       = window(r, 0)
		widenings   uint
	)

	for round := 1; ; round++ {
		results, err := f.probe(ctx, owner, topic, probeIndices(lower, upper, r))
		if err != nil {
			return Update{}, err
		}
		for _, res := range results {
			if res.data != nil {
				if res.index >= largest {
					largest, largestData = res.index, res.data
				}
			} else if res.index < smallest {
				smallest = res.index
			}
		}

		f.logger.Debug("feed probe round",
			zap.String("topic", topic.String()),
			zap.Int("round", round),
			zap.Uint64("lower", lower),
			zap.Uint64("upper", upper),
			zap.Uint64("largest", largest),
			zap.Uint64("smallest", smallest))

		if largestData != nil && largest+1 == smallest {
			return f.update(ctx, largest, largestData)
		}

		lower = largest + 1
		if smallest != notFound && smallest > lower {
			upper = smallest
			widenings = 0
			continue
		}

		if largest == 0 && smallest == 0 {
			return Update{}, fmt.Errorf("%w: owner %s topic %s", ErrFeedEmpty, owner, topic)
		}
		smallest = notFound
		widenings++
		upper = lower + window(r, widenings)
	}
}

// probe checks the given indices concurrently. A failed fetch counts as a
// missing update.
func (f *Finder) probe(ctx context.Context, owner swarm.Owner, topic Topic, indices []uint64) ([]probeResult, error) {
	results := make([]probeResult, len(indices))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.concurrency)

	for i, index := range indices {
		g.Go(func() error {
			f.metrics.FeedProbes.Inc()
			data, err := f.getter.Get(gctx, UpdateAddress(owner, topic, index))
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				data = nil
			}
			results[i] = probeResult{index: index, data: data}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (f *Finder) update(ctx context.Context, index uint64, soc []byte) (Update, error) {
	wrapped, err := swarm.SOCPayload(soc)
	if err != nil {
		return Update{}, fmt.Errorf("feed update %d: %w", index, err)
	}
	data, err := f.joiner.JoinChunk(ctx, wrapped)
	if err != nil {
		return Update{}, fmt.Errorf("feed update %d: %w", index, err)
	}
	return Update{Index: index, Data: data}, nil
}
