package retrieval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/WebFirstLanguage/weeb3/internal/metrics"
	"github.com/WebFirstLanguage/weeb3/pkg/constants"
	"github.com/WebFirstLanguage/weeb3/pkg/swarm"
	"github.com/WebFirstLanguage/weeb3/pkg/wire"
)

var (
	// ErrNoPeer is returned when no connected peer can be asked for a chunk.
	ErrNoPeer = errors.New("no peer available")
	// ErrExhausted is returned when the error budget of a retrieval is spent.
	ErrExhausted = errors.New("retrieval attempts exhausted")
	// ErrInvalidChunk is recorded when a peer delivers data that does not
	// match the requested address.
	ErrInvalidChunk = errors.New("invalid chunk")
	// ErrUnknownPeer is returned by a network that has no address for a peer.
	ErrUnknownPeer = errors.New("no underlay for peer")
)

// Error codes for retrieval attempts
const (
	ErrCodeNetworkFailure = "NETWORK_FAILURE"
	ErrCodeTimeout        = "TIMEOUT"
	ErrCodeInvalidChunk   = "INVALID_CHUNK"
	ErrCodeNotFound       = "CHUNK_NOT_FOUND"
	ErrCodeOverdraft      = "OVERDRAFT"
)

// RetrievalError describes why a single request to a peer failed
type RetrievalError struct {
	Code      string        `json:"code"`
	Message   string        `json:"message"`
	Address   swarm.Address `json:"address"`
	Peer      swarm.PeerID  `json:"peer,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
	Retryable bool          `json:"retryable"`
	Cause     error         `json:"-"`
}

// Error implements the error interface
func (e *RetrievalError) Error() string {
	msg := fmt.Sprintf("retrieval error %s: %s (address: %s, peer: %s)", e.Code, e.Message, e.Address, e.Peer)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying error
func (e *RetrievalError) Unwrap() error {
	return e.Cause
}

// IsRetryable returns whether another peer might succeed
func (e *RetrievalError) IsRetryable() bool {
	return e.Retryable
}

func newRetrievalError(code, message string, addr swarm.Address, peer swarm.PeerID, retryable bool, cause error) *RetrievalError {
	return &RetrievalError{
		Code:      code,
		Message:   message,
		Address:   addr,
		Peer:      peer,
		Timestamp: time.Now(),
		Retryable: retryable,
		Cause:     cause,
	}
}

// NewNetworkError creates a transport failure error
func NewNetworkError(addr swarm.Address, peer swarm.PeerID, cause error) *RetrievalError {
	return newRetrievalError(ErrCodeNetworkFailure, "request failed", addr, peer, true, cause)
}

// NewTimeoutError creates a timeout error
func NewTimeoutError(addr swarm.Address, peer swarm.PeerID, timeout time.Duration) *RetrievalError {
	return newRetrievalError(ErrCodeTimeout, fmt.Sprintf("no delivery within %v", timeout), addr, peer, true, context.DeadlineExceeded)
}

// NewInvalidChunkError creates an error for data that failed validation
func NewInvalidChunkError(addr swarm.Address, peer swarm.PeerID) *RetrievalError {
	return newRetrievalError(ErrCodeInvalidChunk, "delivered data does not match address", addr, peer, true, ErrInvalidChunk)
}

// WrapWireError converts a protocol error returned by a peer
func WrapWireError(werr *wire.Error, addr swarm.Address, peer swarm.PeerID) *RetrievalError {
	switch werr.Code {
	case constants.ErrorNotFound:
		return newRetrievalError(ErrCodeNotFound, werr.Reason, addr, peer, true, werr)
	case constants.ErrorOverdraft:
		return newRetrievalError(ErrCodeOverdraft, werr.Reason, addr, peer, true, werr)
	default:
		return newRetrievalError(ErrCodeNetworkFailure, werr.Reason, addr, peer, werr.IsRetryable(), werr)
	}
}

// IsTimeoutError checks if an error is timeout-related
func IsTimeoutError(err error) bool {
	var rerr *RetrievalError
	if errors.As(err, &rerr) {
		return rerr.Code == ErrCodeTimeout
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsRetryableError checks if an error suggests retrying with another peer
func IsRetryableError(err error) bool {
	var rerr *RetrievalError
	if errors.As(err, &rerr) {
		return rerr.Retryable
	}
	return false
}

// failureReason maps an attempt error to its metrics label
func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidChunk):
		return metrics.ReasonInvalidChunk
	case IsTimeoutError(err):
		return metrics.ReasonTimeout
	default:
		return metrics.ReasonNetwork
	}
}
