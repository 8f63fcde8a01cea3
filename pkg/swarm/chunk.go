package swarm

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"lukechampine.com/blake3"

	"github.com/WebFirstLanguage/weeb3/pkg/constants"
)

var (
	// ErrChunkTooLarge is returned when chunk data exceeds the maximum size.
	ErrChunkTooLarge = errors.New("chunk too large")
	// ErrChunkTooShort is returned when chunk data cannot hold a span.
	ErrChunkTooShort = errors.New("chunk too short")
)

// Chunk is a fetched unit of storage: its address and the bytes the
// address commits to.
type Chunk struct {
	Address Address
	Data    []byte
}

// Span decodes the little-endian length prefix of chunk data.
func Span(data []byte) (uint64, error) {
	if len(data) < constants.SpanSize {
		return 0, fmt.Errorf("%w: %d bytes", ErrChunkTooShort, len(data))
	}
	return binary.LittleEndian.Uint64(data[:constants.SpanSize]), nil
}

// EncodeSpan returns the 8 byte little-endian encoding of n.
func EncodeSpan(n uint64) []byte {
	b := make([]byte, constants.SpanSize)
	binary.LittleEndian.PutUint64(b, n)
	return b
}

// CACAddress hashes span|payload data into its content address.
func CACAddress(data []byte) Address {
	return Address(blake3.Sum256(data))
}

// NewCAC builds a content-addressed chunk for a leaf payload.
func NewCAC(payload []byte) (Chunk, error) {
	if len(payload) > constants.ChunkSize {
		return Chunk{}, fmt.Errorf("%w: %d bytes", ErrChunkTooLarge, len(payload))
	}
	data := append(EncodeSpan(uint64(len(payload))), payload...)
	return Chunk{Address: CACAddress(data), Data: data}, nil
}

// NewIntermediateCAC builds an interior chunk whose payload is the
// concatenated child references and whose span covers span bytes.
func NewIntermediateCAC(span uint64, refs []Address) (Chunk, error) {
	if len(refs)*constants.AddressSize > constants.ChunkSize {
		return Chunk{}, fmt.Errorf("%w: %d references", ErrChunkTooLarge, len(refs))
	}
	data := EncodeSpan(span)
	for _, r := range refs {
		data = append(data, r[:]...)
	}
	return Chunk{Address: CACAddress(data), Data: data}, nil
}

// ValidCAC reports whether data hashes to addr.
func ValidCAC(addr Address, data []byte) bool {
	if len(data) < constants.SpanSize || len(data) > constants.MaxChunkSize {
		return false
	}
	return CACAddress(data) == addr
}

// SOCAddress derives the address of a single owner chunk.
func SOCAddress(id []byte, owner Owner) Address {
	return Address(Keccak256(id, owner[:]))
}

// NewSOC wraps a content-addressed chunk under id, signed by signer.
// The result is id(32) | signature(65) | wrapped chunk data.
func NewSOC(id []byte, wrapped Chunk, signer Signer) (Chunk, error) {
	if len(id) != constants.SOCIDSize {
		return Chunk{}, fmt.Errorf("invalid soc id length: %d", len(id))
	}
	sig, err := signer.SignMessage(Keccak256(id, wrapped.Address[:]))
	if err != nil {
		return Chunk{}, fmt.Errorf("failed to sign soc: %w", err)
	}
	data := make([]byte, 0, constants.SOCHeaderSize+len(wrapped.Data))
	data = append(data, id...)
	data = append(data, sig...)
	data = append(data, wrapped.Data...)
	return Chunk{Address: SOCAddress(id, signer.Owner()), Data: data}, nil
}

// SOCPayload returns the wrapped content-addressed chunk data of a single
// owner chunk.
func SOCPayload(data []byte) ([]byte, error) {
	if len(data) < constants.SOCHeaderSize+constants.SpanSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrChunkTooShort, len(data))
	}
	return data[constants.SOCHeaderSize:], nil
}

// ValidSOC reports whether data is a single owner chunk at addr: the
// signature recovers an owner, and hashing the id with that owner gives addr.
func ValidSOC(addr Address, data []byte) bool {
	if len(data) < constants.SOCHeaderSize+constants.SpanSize || len(data) > constants.MaxSOCChunkSize {
		return false
	}
	id := data[:constants.SOCIDSize]
	sig := data[constants.SOCIDSize:constants.SOCHeaderSize]
	wrapped := CACAddress(data[constants.SOCHeaderSize:])

	owner, err := RecoverOwner(sig, Keccak256(id, wrapped[:]))
	if err != nil {
		return false
	}
	want := SOCAddress(id, owner)
	return bytes.Equal(want[:], addr[:])
}

// Valid reports whether data is a valid chunk of either kind at addr.
func Valid(addr Address, data []byte) bool {
	return ValidCAC(addr, data) || ValidSOC(addr, data)
}
