// Package control implements the weeb3 local control API: line-delimited
// JSON requests and responses over a local stream listener.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/WebFirstLanguage/weeb3/pkg/accounting"
	"github.com/WebFirstLanguage/weeb3/pkg/constants"
	"github.com/WebFirstLanguage/weeb3/pkg/feeds"
	"github.com/WebFirstLanguage/weeb3/pkg/manifest"
	"github.com/WebFirstLanguage/weeb3/pkg/node"
	"github.com/WebFirstLanguage/weeb3/pkg/swarm"
	"github.com/WebFirstLanguage/weeb3/pkg/topology"
)

// Request represents a control API request
type Request struct {
	Method string                 `json:"method"`
	ID     string                 `json:"id"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// Response represents a control API response
type Response struct {
	ID     string      `json:"id"`
	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// Results of the individual methods
type (
	PeersResult struct {
		Peers []topology.Entry `json:"peers"`
	}
	ConnectResult struct {
		Peers int `json:"peers"`
	}
	DisconnectResult struct {
		Removed bool `json:"removed"`
	}
	BalancesResult struct {
		Balances []accounting.Balance `json:"balances"`
	}
	DataResult struct {
		Address swarm.Address `json:"address"`
		Data    []byte        `json:"data"`
	}
	FeedResult struct {
		Topic string `json:"topic"`
		Index uint64 `json:"index"`
		Data  []byte `json:"data"`
	}
	ResolveResult struct {
		Entries []manifest.Entry `json:"entries"`
		Index   string           `json:"index,omitempty"`
	}
)

// Server implements the control API server
type Server struct {
	node   *node.Node
	logger *zap.Logger

	// Redundancy is the feed lookup redundancy used when a GetFeed request
	// does not name one.
	Redundancy uint
}

// NewServer creates a new control API server
func NewServer(n *node.Node, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		node:       n,
		logger:     logger.Named("control"),
		Redundancy: constants.DefaultRedundancy,
	}
}

// Serve accepts connections on listener until ctx is done. The listener is
// closed on return.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	stop := context.AfterFunc(ctx, func() { listener.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.logger.Debug("accept failed", zap.Error(err))
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConnection(ctx, conn)
		}()
	}
}

// handleConnection handles a single client connection
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	decoder := json.NewDecoder(conn)
	encoder := json.NewEncoder(conn)

	for {
		var request Request
		if err := decoder.Decode(&request); err != nil {
			// Connection closed or invalid JSON
			return
		}

		response := s.handleRequest(ctx, request)

		if err := encoder.Encode(response); err != nil {
			s.logger.Debug("failed to write response", zap.String("method", request.Method), zap.Error(err))
			return
		}
	}
}

// handleRequest processes a single API request
func (s *Server) handleRequest(ctx context.Context, request Request) Response {
	var (
		result interface{}
		err    error
	)
	switch request.Method {
	case "GetInfo":
		result = s.node.Info()
	case "peers":
		result = PeersResult{Peers: s.node.Peers()}
	case "peers.connect":
		result, err = s.handleConnect(request.Params)
	case "peers.disconnect":
		result, err = s.handleDisconnect(request.Params)
	case "balances":
		result = BalancesResult{Balances: s.node.Balances()}
	case "GetData":
		result, err = s.handleGet(ctx, request.Params, s.node.GetData)
	case "GetChunk":
		result, err = s.handleGet(ctx, request.Params, s.node.GetChunk)
	case "GetFeed":
		result, err = s.handleGetFeed(ctx, request.Params)
	case "Resolve":
		result, err = s.handleResolve(ctx, request.Params)
	default:
		err = fmt.Errorf("unknown method: %s", request.Method)
	}

	if err != nil {
		s.logger.Debug("request failed", zap.String("method", request.Method), zap.String("id", request.ID), zap.Error(err))
		return Response{ID: request.ID, Error: err.Error()}
	}
	return Response{ID: request.ID, Result: result}
}

func stringParam(params map[string]interface{}, name string, required bool) (string, error) {
	v, ok := params[name]
	if !ok {
		if required {
			return "", fmt.Errorf("%s parameter is required", name)
		}
		return "", nil
	}
	str, ok := v.(string)
	if !ok || (required && str == "") {
		return "", fmt.Errorf("%s parameter must be a non-empty string", name)
	}
	return str, nil
}

func addressParam(params map[string]interface{}) (swarm.Address, error) {
	str, err := stringParam(params, "address", true)
	if err != nil {
		return swarm.Address{}, err
	}
	addr, err := swarm.ParseHexAddress(str)
	if err != nil {
		return swarm.Address{}, fmt.Errorf("invalid address: %w", err)
	}
	return addr, nil
}

func (s *Server) handleConnect(params map[string]interface{}) (interface{}, error) {
	id, err := stringParam(params, "id", true)
	if err != nil {
		return nil, err
	}
	overlay, err := stringParam(params, "overlay", true)
	if err != nil {
		return nil, err
	}
	underlay, err := stringParam(params, "underlay", false)
	if err != nil {
		return nil, err
	}
	if err := s.node.Connect(swarm.PeerID(id), overlay, underlay); err != nil {
		return nil, fmt.Errorf("failed to connect peer: %w", err)
	}
	return ConnectResult{Peers: len(s.node.Peers())}, nil
}

func (s *Server) handleDisconnect(params map[string]interface{}) (interface{}, error) {
	id, err := stringParam(params, "id", true)
	if err != nil {
		return nil, err
	}
	return DisconnectResult{Removed: s.node.Disconnect(swarm.PeerID(id))}, nil
}

func (s *Server) handleGet(ctx context.Context, params map[string]interface{}, get func(context.Context, swarm.Address) <-chan node.Result) (interface{}, error) {
	addr, err := addressParam(params)
	if err != nil {
		return nil, err
	}
	select {
	case r := <-get(ctx, addr):
		if r.Err != nil {
			return nil, r.Err
		}
		return DataResult{Address: addr, Data: r.Data}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Server) handleGetFeed(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	ownerHex, err := stringParam(params, "owner", true)
	if err != nil {
		return nil, err
	}
	owner, err := swarm.ParseOwner(ownerHex)
	if err != nil {
		return nil, fmt.Errorf("invalid owner: %w", err)
	}

	// topic is a hex topic, name a human readable one
	var topic feeds.Topic
	if hexTopic, err := stringParam(params, "topic", false); err != nil {
		return nil, err
	} else if hexTopic != "" {
		if topic, err = feeds.ParseTopic(hexTopic); err != nil {
			return nil, fmt.Errorf("invalid topic: %w", err)
		}
	} else {
		name, err := stringParam(params, "name", true)
		if err != nil {
			return nil, fmt.Errorf("topic or name parameter is required")
		}
		topic = feeds.TopicFromString(name)
	}

	redundancy := s.Redundancy
	if v, ok := params["redundancy"]; ok {
		f, ok := v.(float64)
		if !ok || f < 0 || f > 32 || f != float64(uint(f)) {
			return nil, fmt.Errorf("redundancy parameter must be an integer in [0, 32]")
		}
		redundancy = uint(f)
	}

	u, err := s.node.FetchFeedUpdate(ctx, owner, topic, redundancy)
	if err != nil {
		return nil, err
	}
	return FeedResult{Topic: topic.String(), Index: u.Index, Data: u.Data}, nil
}

func (s *Server) handleResolve(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	addr, err := addressParam(params)
	if err != nil {
		return nil, err
	}
	path, err := stringParam(params, "path", false)
	if err != nil {
		return nil, err
	}
	entries, index, err := s.node.Resolve(ctx, addr, path)
	if err != nil {
		return nil, err
	}
	return ResolveResult{Entries: entries, Index: index}, nil
}
