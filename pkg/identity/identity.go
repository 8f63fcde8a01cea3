// Package identity implements node identity management: secp256k1 key
// generation, the Ethereum-style owner address, overlay derivation and
// persistence.
package identity

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/WebFirstLanguage/weeb3/pkg/swarm"
)

// NonceSize is the size of the overlay nonce in bytes
const NonceSize = 32

// Identity is a node's signing key together with the nonce that seeds its
// overlay address.
type Identity struct {
	privateKey *secp256k1.PrivateKey
	nonce      [NonceSize]byte

	// Cached values
	owner swarm.Owner
}

// identityFile is the on-disk form of an Identity
type identityFile struct {
	PrivateKey string `json:"private_key"`
	Nonce      string `json:"nonce"`
}

// GenerateIdentity creates an identity with a fresh key and a random nonce
func GenerateIdentity() (*Identity, error) {
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate secp256k1 key: %w", err)
	}

	var nonce [NonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate overlay nonce: %w", err)
	}

	return New(key, nonce), nil
}

// New builds an identity from an existing key and nonce
func New(key *secp256k1.PrivateKey, nonce [NonceSize]byte) *Identity {
	return &Identity{
		privateKey: key,
		nonce:      nonce,
		owner:      swarm.OwnerFromPublicKey(key.PubKey()),
	}
}

// Owner returns the Ethereum-style address of the signing key
func (id *Identity) Owner() swarm.Owner {
	return id.owner
}

// PublicKey returns the signing public key
func (id *Identity) PublicKey() *secp256k1.PublicKey {
	return id.privateKey.PubKey()
}

// Nonce returns the overlay nonce
func (id *Identity) Nonce() [NonceSize]byte {
	return id.nonce
}

// Overlay derives the overlay address on networkID:
// keccak256(owner | networkID as 8 bytes little-endian | nonce)
func (id *Identity) Overlay(networkID uint64) swarm.Address {
	return OverlayAddress(id.owner, networkID, id.nonce[:])
}

// OverlayAddress derives an overlay address for any owner
func OverlayAddress(owner swarm.Owner, networkID uint64, nonce []byte) swarm.Address {
	nid := make([]byte, 8)
	binary.LittleEndian.PutUint64(nid, networkID)
	return swarm.Address(swarm.Keccak256(owner[:], nid, nonce))
}

// Sign signs a 32 byte digest and returns an r|s|v signature
func (id *Identity) Sign(digest []byte) ([]byte, error) {
	if len(digest) != 32 {
		return nil, fmt.Errorf("digest must be 32 bytes, got %d", len(digest))
	}
	return swarm.SignCompact(id.privateKey, digest), nil
}

// SignMessage signs msg under the Ethereum personal message envelope
func (id *Identity) SignMessage(msg []byte) ([]byte, error) {
	return id.Sign(swarm.EthereumMessageHash(msg))
}

// SaveToFile saves the identity to a JSON file
func (id *Identity) SaveToFile(filename string) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	data, err := json.MarshalIndent(identityFile{
		PrivateKey: hex.EncodeToString(id.privateKey.Serialize()),
		Nonce:      hex.EncodeToString(id.nonce[:]),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal identity: %w", err)
	}

	// Write to file with restricted permissions
	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write identity file: %w", err)
	}

	return nil
}

// LoadFromFile loads an identity from a JSON file
func LoadFromFile(filename string) (*Identity, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read identity file: %w", err)
	}

	var f identityFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to unmarshal identity: %w", err)
	}

	keyBytes, err := hex.DecodeString(f.PrivateKey)
	if err != nil || len(keyBytes) != 32 {
		return nil, fmt.Errorf("invalid private key in %s", filename)
	}
	nonceBytes, err := hex.DecodeString(f.Nonce)
	if err != nil || len(nonceBytes) != NonceSize {
		return nil, fmt.Errorf("invalid nonce in %s", filename)
	}

	var nonce [NonceSize]byte
	copy(nonce[:], nonceBytes)
	return New(secp256k1.PrivKeyFromBytes(keyBytes), nonce), nil
}

// LoadOrGenerate loads the identity at filename, creating and saving a new
// one when the file does not exist
func LoadOrGenerate(filename string) (*Identity, bool, error) {
	if _, err := os.Stat(filename); err == nil {
		id, err := LoadFromFile(filename)
		return id, false, err
	} else if !os.IsNotExist(err) {
		return nil, false, fmt.Errorf("failed to stat identity file: %w", err)
	}

	id, err := GenerateIdentity()
	if err != nil {
		return nil, false, err
	}
	if err := id.SaveToFile(filename); err != nil {
		return nil, false, err
	}
	return id, true, nil
}
