// Package swarm holds the primitive types of the storage network: chunk
// addresses, peer keys, proximity order and the two chunk kinds (content
// addressed and single owner).
package swarm

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/WebFirstLanguage/weeb3/pkg/constants"
)

// Address is a 32 byte chunk address. It is a value type and never mutated
// once constructed.
type Address [constants.AddressSize]byte

// ZeroAddress is the all-zero address.
var ZeroAddress Address

// PeerID identifies a connected peer. It is stable for the lifetime of a
// connection and is the key of every per-peer table.
type PeerID string

func (p PeerID) String() string { return string(p) }

// Owner is the 20 byte Ethereum-style address of a signing key.
type Owner [constants.OwnerSize]byte

// NewAddress copies b into an Address.
func NewAddress(b []byte) (Address, error) {
	var a Address
	if len(b) != len(a) {
		return a, fmt.Errorf("invalid address length: got %d, want %d", len(b), len(a))
	}
	copy(a[:], b)
	return a, nil
}

// ParseHexAddress parses a hex address with or without 0x prefix.
func ParseHexAddress(s string) (Address, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return ZeroAddress, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return NewAddress(b)
}

// MustParseHexAddress is ParseHexAddress for literals.
func MustParseHexAddress(s string) Address {
	a, err := ParseHexAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Address) String() string { return hex.EncodeToString(a[:]) }

// Bytes returns a copy of the address bytes.
func (a Address) Bytes() []byte {
	b := make([]byte, len(a))
	copy(b, a[:])
	return b
}

// IsZero reports whether a is the zero address.
func (a Address) IsZero() bool { return a == ZeroAddress }

// MarshalText implements encoding.TextMarshaler.
func (a Address) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseHexAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ParseOwner parses a 20 byte hex owner address.
func ParseOwner(s string) (Owner, error) {
	var o Owner
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return o, fmt.Errorf("invalid owner %q: %w", s, err)
	}
	if len(b) != len(o) {
		return o, fmt.Errorf("invalid owner length: got %d, want %d", len(b), len(o))
	}
	copy(o[:], b)
	return o, nil
}

func (o Owner) String() string { return hex.EncodeToString(o[:]) }

// Proximity returns the number of leading bits a and b share, capped at
// MaxPO. Higher means closer. Only the common length of a and b is compared.
func Proximity(a, b []byte) uint8 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		x := a[i] ^ b[i]
		if x == 0 {
			if (i+1)*8 >= constants.MaxPO {
				return constants.MaxPO
			}
			continue
		}
		for j := 0; j < 8; j++ {
			if x&(0x80>>uint(j)) != 0 {
				po := i*8 + j
				if po > constants.MaxPO {
					return constants.MaxPO
				}
				return uint8(po)
			}
		}
	}
	if n*8 > constants.MaxPO {
		return constants.MaxPO
	}
	return uint8(n * 8)
}
