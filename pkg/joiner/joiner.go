// Package joiner reassembles content stored as a tree of chunks. Leaves carry
// data; intermediate chunks carry the concatenated addresses of their
// children and a span covering the whole subtree.
package joiner

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/WebFirstLanguage/weeb3/pkg/constants"
	"github.com/WebFirstLanguage/weeb3/pkg/swarm"
)

var (
	// ErrShortChunk is returned for chunk data shorter than a span.
	ErrShortChunk = errors.New("chunk shorter than span")
	// ErrMisaligned is returned when an intermediate chunk's payload is not
	// a whole number of references.
	ErrMisaligned = errors.New("intermediate chunk payload not reference aligned")
	// ErrTooDeep is returned when the tree is deeper than the configured limit.
	ErrTooDeep = errors.New("chunk tree too deep")
)

// Getter returns the validated data of a chunk.
type Getter interface {
	Get(ctx context.Context, addr swarm.Address) ([]byte, error)
}

// Config bounds the work of a single join.
type Config struct {
	// MaxInFlight caps concurrent chunk fetches across the whole tree.
	MaxInFlight int64
	// MaxDepth caps the number of intermediate levels below the root.
	MaxDepth int
}

// DefaultConfig returns the default joiner configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxInFlight: constants.DefaultMaxInFlight,
		MaxDepth:    constants.DefaultMaxDepth,
	}
}

// Joiner fetches chunk trees.
type Joiner struct {
	getter   Getter
	inFlight *semaphore.Weighted
	maxDepth int
	logger   *zap.Logger
}

// New creates a joiner fetching chunks through getter.
func New(getter Getter, config *Config, logger *zap.Logger) *Joiner {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Joiner{
		getter:   getter,
		inFlight: semaphore.NewWeighted(config.MaxInFlight),
		maxDepth: config.MaxDepth,
		logger:   logger.Named("joiner"),
	}
}

// Join fetches the tree rooted at addr and returns span ‖ content. A root
// whose span fits in one chunk is returned as fetched.
func (j *Joiner) Join(ctx context.Context, addr swarm.Address) ([]byte, error) {
	root, err := j.get(ctx, addr)
	if err != nil {
		return nil, err
	}
	return j.join(ctx, root, 0)
}

// JoinChunk joins a tree whose root data has already been fetched.
func (j *Joiner) JoinChunk(ctx context.Context, data []byte) ([]byte, error) {
	return j.join(ctx, data, 0)
}

func (j *Joiner) get(ctx context.Context, addr swarm.Address) ([]byte, error) {
	if err := j.inFlight.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer j.inFlight.Release(1)
	return j.getter.Get(ctx, addr)
}

func (j *Joiner) join(ctx context.Context, data []byte, depth int) ([]byte, error) {
	span, err := swarm.Span(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortChunk, len(data))
	}
	if span <= constants.ChunkSize {
		return data, nil
	}
	if depth >= j.maxDepth {
		return nil, fmt.Errorf("%w: more than %d levels", ErrTooDeep, j.maxDepth)
	}

	payload := data[constants.SpanSize:]
	if len(payload)%constants.AddressSize != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrMisaligned, len(payload))
	}

	children := make([][]byte, len(payload)/constants.AddressSize)
	g, gctx := errgroup.WithContext(ctx)
	for i := range children {
		ref := swarm.Address(payload[i*constants.AddressSize : (i+1)*constants.AddressSize])
		g.Go(func() error {
			child, err := j.get(gctx, ref)
			if err != nil {
				return fmt.Errorf("child %d (%s): %w", i, ref, err)
			}
			joined, err := j.join(gctx, child, depth+1)
			if err != nil {
				return err
			}
			children[i] = joined
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	size := constants.SpanSize
	for _, c := range children {
		size += len(c) - constants.SpanSize
	}
	out := make([]byte, constants.SpanSize, size)
	copy(out, data[:constants.SpanSize])
	for _, c := range children {
		out = append(out, c[constants.SpanSize:]...)
	}

	j.logger.Debug("joined intermediate chunk",
		zap.Uint64("span", span),
		zap.Int("children", len(children)),
		zap.Int("depth", depth))
	return out, nil
}
