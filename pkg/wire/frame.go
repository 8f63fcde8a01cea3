// Package wire implements the retrieval protocol framing. Every message is a
// canonical CBOR envelope signed with the sender's secp256k1 key; the
// sender is identified by its owner address and verified by recovering the
// signing key from the signature.
package wire

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/WebFirstLanguage/weeb3/pkg/codec/cborcanon"
	"github.com/WebFirstLanguage/weeb3/pkg/constants"
	"github.com/WebFirstLanguage/weeb3/pkg/swarm"
)

// Signer signs a 32 byte digest with a recoverable signature
type Signer interface {
	Sign(digest []byte) ([]byte, error)
	Owner() swarm.Owner
}

// BaseFrame is the envelope shared by every protocol message
type BaseFrame struct {
	V    uint16          `cbor:"v"`    // Protocol version
	Kind uint16          `cbor:"kind"` // Message kind (40=RETRIEVAL_REQUEST, 41=CHUNK_DELIVERY, 0=error)
	From string          `cbor:"from"` // Sender owner address, hex
	Seq  uint64          `cbor:"seq"`  // Request sequence number, echoed in the response
	TS   uint64          `cbor:"ts"`   // Timestamp (ms since Unix epoch)
	Body cbor.RawMessage `cbor:"body"` // Kind-specific CBOR payload
	Sig  []byte          `cbor:"sig"`  // r|s|v over keccak256(canonical frame without sig)
}

// NewBaseFrame creates a frame with the current timestamp and body encoded
// canonically
func NewBaseFrame(kind uint16, from string, seq uint64, body interface{}) (*BaseFrame, error) {
	raw, err := cborcanon.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame body: %w", err)
	}
	return &BaseFrame{
		V:    constants.ProtocolVersion,
		Kind: kind,
		From: from,
		Seq:  seq,
		TS:   uint64(time.Now().UnixMilli()),
		Body: raw,
	}, nil
}

func (f *BaseFrame) digest() ([]byte, error) {
	sigData, err := cborcanon.EncodeForSigning(f, "sig")
	if err != nil {
		return nil, err
	}
	return swarm.Keccak256(sigData), nil
}

// Sign signs the frame with signer
func (f *BaseFrame) Sign(signer Signer) error {
	digest, err := f.digest()
	if err != nil {
		return fmt.Errorf("failed to encode frame for signing: %w", err)
	}

	sig, err := signer.Sign(digest)
	if err != nil {
		return fmt.Errorf("failed to sign frame: %w", err)
	}
	f.Sig = sig
	return nil
}

// Verify recovers the signer of the frame and checks it matches From
func (f *BaseFrame) Verify() (swarm.Owner, error) {
	if len(f.Sig) == 0 {
		return swarm.Owner{}, ErrInvalidSignature("frame has no signature")
	}

	digest, err := f.digest()
	if err != nil {
		return swarm.Owner{}, fmt.Errorf("failed to encode frame for verification: %w", err)
	}

	pub, err := swarm.RecoverPublicKey(f.Sig, digest)
	if err != nil {
		return swarm.Owner{}, ErrInvalidSignature(err.Error())
	}
	owner := swarm.OwnerFromPublicKey(pub)
	if hex.EncodeToString(owner[:]) != f.From {
		return swarm.Owner{}, ErrInvalidSignature("signer does not match sender")
	}
	return owner, nil
}

// Marshal encodes the frame to canonical CBOR
func (f *BaseFrame) Marshal() ([]byte, error) {
	return cborcanon.Marshal(f)
}

// Unmarshal decodes CBOR data into the frame
func (f *BaseFrame) Unmarshal(data []byte) error {
	return cborcanon.Unmarshal(data, f)
}

// DecodeBody decodes the frame body into v
func (f *BaseFrame) DecodeBody(v interface{}) error {
	if err := cborcanon.Unmarshal(f.Body, v); err != nil {
		return fmt.Errorf("failed to decode %s body: %w", KindName(f.Kind), err)
	}
	return nil
}

// Validate performs basic validation on the frame
func (f *BaseFrame) Validate() error {
	if f.V != constants.ProtocolVersion {
		return ErrVersionMismatch(constants.ProtocolVersion, f.V)
	}

	if f.From == "" {
		return ErrInvalidSignature("missing sender")
	}

	if len(f.Sig) == 0 {
		return ErrInvalidSignature("missing signature")
	}

	now := uint64(time.Now().UnixMilli())
	maxSkew := uint64(constants.MaxClockSkew.Milliseconds())

	if f.TS > now+maxSkew {
		return NewError(constants.ErrorBadRequest, "timestamp too far in future")
	}

	if now > f.TS+maxSkew {
		return NewError(constants.ErrorBadRequest, "timestamp too far in past")
	}

	return nil
}

// IsKind checks if the frame is of the specified kind
func (f *BaseFrame) IsKind(kind uint16) bool {
	return f.Kind == kind
}

// GetTimestamp returns the frame timestamp as a time.Time
func (f *BaseFrame) GetTimestamp() time.Time {
	return time.UnixMilli(int64(f.TS))
}

// KindName returns a readable name for a message kind
func KindName(kind uint16) string {
	switch kind {
	case constants.KindError:
		return "ERROR"
	case constants.KindRetrievalRequest:
		return "RETRIEVAL_REQUEST"
	case constants.KindChunkDelivery:
		return "CHUNK_DELIVERY"
	default:
		return fmt.Sprintf("KIND_%d", kind)
	}
}

// RetrievalRequestBody asks a peer for the chunk at Addr
type RetrievalRequestBody struct {
	Addr []byte `cbor:"addr"` // 32-byte chunk address
}

// ChunkDeliveryBody carries the chunk data for a request
type ChunkDeliveryBody struct {
	Addr []byte `cbor:"addr"` // Echo of the requested address
	Data []byte `cbor:"data"` // Chunk data, span prefixed (CAC) or SOC header prefixed
}

// NewRetrievalRequest creates a RETRIEVAL_REQUEST frame
func NewRetrievalRequest(from string, seq uint64, addr swarm.Address) (*BaseFrame, error) {
	return NewBaseFrame(constants.KindRetrievalRequest, from, seq, &RetrievalRequestBody{Addr: addr[:]})
}

// NewChunkDelivery creates a CHUNK_DELIVERY frame answering seq
func NewChunkDelivery(from string, seq uint64, addr swarm.Address, data []byte) (*BaseFrame, error) {
	return NewBaseFrame(constants.KindChunkDelivery, from, seq, &ChunkDeliveryBody{Addr: addr[:], Data: data})
}
