package retrieval

import (
	"context"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/WebFirstLanguage/weeb3/pkg/constants"
	"github.com/WebFirstLanguage/weeb3/pkg/swarm"
	"github.com/WebFirstLanguage/weeb3/pkg/transport"
	"github.com/WebFirstLanguage/weeb3/pkg/wire"
)

const serveTimeout = 30 * time.Second

// Store looks up locally held chunks.
type Store interface {
	Chunk(addr swarm.Address) ([]byte, bool)
}

// MemStore is an in-memory Store.
type MemStore struct {
	mu     sync.RWMutex
	chunks map[swarm.Address][]byte
}

// NewMemStore creates an empty store.
func NewMemStore() *MemStore {
	return &MemStore{chunks: make(map[swarm.Address][]byte)}
}

// Put stores ch.
func (s *MemStore) Put(ch swarm.Chunk) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks[ch.Address] = ch.Data
}

// Chunk implements Store.
func (s *MemStore) Chunk(addr swarm.Address) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.chunks[addr]
	return data, ok
}

// Chunk implements Store by peeking into the cache without touching recency.
func (c *CachingGetter) Chunk(addr swarm.Address) ([]byte, bool) {
	if c.cache == nil {
		return nil, false
	}
	return c.cache.Peek(addr)
}

// Server answers RETRIEVAL_REQUEST frames from a Store. Every accepted
// stream carries exactly one request and one response.
type Server struct {
	signer       wire.Signer
	from         string
	store        Store
	maxFrameSize int
	logger       *zap.Logger
}

// NewServer creates a server signing its responses with signer.
func NewServer(signer wire.Signer, store Store, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	owner := signer.Owner()
	return &Server{
		signer:       signer,
		from:         hex.EncodeToString(owner[:]),
		store:        store,
		maxFrameSize: constants.MaxFrameSize,
		logger:       logger.Named("server"),
	}
}

// Serve accepts streams from l until ctx is done or l is closed.
func (s *Server) Serve(ctx context.Context, l transport.Listener) error {
	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := l.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, transport.ErrHandshake) {
				s.logger.Debug("inbound handshake failed", zap.Error(err))
				continue
			}
			return err
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer conn.Close()
			if err := s.handle(ctx, conn); err != nil {
				s.logger.Debug("request failed", zap.Error(err))
			}
		}()
	}
}

func (s *Server) handle(ctx context.Context, conn transport.Conn) error {
	deadline := time.Now().Add(serveTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)

	req, err := wire.ReadFrame(conn, s.maxFrameSize)
	if err != nil {
		return err
	}
	resp, err := s.respond(req)
	if err != nil {
		return err
	}
	if err := resp.Sign(s.signer); err != nil {
		return err
	}
	return wire.WriteFrame(conn, resp)
}

func (s *Server) respond(req *wire.BaseFrame) (*wire.BaseFrame, error) {
	if err := req.Validate(); err != nil {
		var werr *wire.Error
		if errors.As(err, &werr) {
			return wire.ErrorFrame(s.from, req.Seq, werr)
		}
		return nil, err
	}
	if _, err := req.Verify(); err != nil {
		return wire.ErrorFrame(s.from, req.Seq, wire.ErrInvalidSignature(err.Error()))
	}
	if !req.IsKind(constants.KindRetrievalRequest) {
		return wire.ErrorFrame(s.from, req.Seq, wire.NewError(constants.ErrorBadRequest, "unexpected "+wire.KindName(req.Kind)))
	}

	var body wire.RetrievalRequestBody
	if err := req.DecodeBody(&body); err != nil {
		return wire.ErrorFrame(s.from, req.Seq, wire.NewError(constants.ErrorBadRequest, err.Error()))
	}
	addr, err := swarm.NewAddress(body.Addr)
	if err != nil {
		return wire.ErrorFrame(s.from, req.Seq, wire.NewError(constants.ErrorBadRequest, err.Error()))
	}

	data, ok := s.store.Chunk(addr)
	if !ok {
		return wire.ErrorFrame(s.from, req.Seq, wire.ErrNotFound(addr.String()))
	}
	s.logger.Debug("serving chunk", zap.Stringer("address", addr), zap.String("requester", req.From))
	return wire.NewChunkDelivery(s.from, req.Seq, addr, data)
}
