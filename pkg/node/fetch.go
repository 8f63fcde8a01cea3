package node

import (
	"context"

	"go.uber.org/zap"

	"github.com/WebFirstLanguage/weeb3/pkg/feeds"
	"github.com/WebFirstLanguage/weeb3/pkg/manifest"
	"github.com/WebFirstLanguage/weeb3/pkg/swarm"
)

// FetchData returns the reassembled content at addr, span first.
func (n *Node) FetchData(ctx context.Context, addr swarm.Address) ([]byte, error) {
	if err := n.running(); err != nil {
		return nil, err
	}
	data, err := n.joiner.Join(ctx, addr)
	if err != nil {
		n.logger.Debug("fetch failed", zap.Stringer("address", addr), zap.Error(err))
		return nil, err
	}
	return data, nil
}

// FetchFeed returns the content of the newest update of owner's feed.
func (n *Node) FetchFeed(ctx context.Context, owner swarm.Owner, topic feeds.Topic, redundancy uint) ([]byte, error) {
	u, err := n.FetchFeedUpdate(ctx, owner, topic, redundancy)
	if err != nil {
		return nil, err
	}
	return u.Data, nil
}

// FetchFeedUpdate is FetchFeed returning the update index as well.
func (n *Node) FetchFeedUpdate(ctx context.Context, owner swarm.Owner, topic feeds.Topic, redundancy uint) (feeds.Update, error) {
	if err := n.running(); err != nil {
		return feeds.Update{}, err
	}
	u, err := n.finder.Lookup(ctx, owner, topic, redundancy)
	if err != nil {
		n.logger.Debug("feed lookup failed",
			zap.String("owner", owner.String()),
			zap.String("topic", topic.String()),
			zap.Error(err))
		return feeds.Update{}, err
	}
	n.logger.Debug("feed update found",
		zap.String("owner", owner.String()),
		zap.String("topic", topic.String()),
		zap.Uint64("index", u.Index))
	return u, nil
}

// GetChunk fetches the single chunk at addr. The returned channel receives
// exactly one result.
func (n *Node) GetChunk(ctx context.Context, addr swarm.Address) <-chan Result {
	return n.future(ctx, func(ctx context.Context) ([]byte, error) {
		if err := n.running(); err != nil {
			return nil, err
		}
		return n.cache.Get(ctx, addr)
	})
}

// GetData fetches and reassembles the content at addr. The returned channel
// receives exactly one result.
func (n *Node) GetData(ctx context.Context, addr swarm.Address) <-chan Result {
	return n.future(ctx, func(ctx context.Context) ([]byte, error) {
		return n.FetchData(ctx, addr)
	})
}

func (n *Node) future(ctx context.Context, fetch func(context.Context) ([]byte, error)) <-chan Result {
	out := make(chan Result, 1)
	go func() {
		data, err := fetch(ctx)
		out <- Result{Data: data, Err: err}
	}()
	return out
}

// Resolve fetches the manifest at root and interprets path inside it. It
// returns the matching entries and the index document named by the root.
func (n *Node) Resolve(ctx context.Context, root swarm.Address, path string) ([]manifest.Entry, string, error) {
	data, err := n.FetchData(ctx, root)
	if err != nil {
		return nil, "", err
	}
	return n.opts.Interpreter.Interpret(ctx, path, data, dataGetter{n})
}

// dataGetter serves manifest lookups through the GetData future.
type dataGetter struct {
	n *Node
}

func (g dataGetter) GetData(ctx context.Context, addr swarm.Address) ([]byte, error) {
	select {
	case r := <-g.n.GetData(ctx, addr):
		return r.Data, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
