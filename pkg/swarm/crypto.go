package swarm

import (
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/crypto/sha3"

	"github.com/WebFirstLanguage/weeb3/pkg/constants"
)

// ErrInvalidSignature is returned when an owner cannot be recovered from a signature.
var ErrInvalidSignature = errors.New("invalid signature")

// Signer signs messages with the Ethereum personal message prefix.
type Signer interface {
	SignMessage(msg []byte) ([]byte, error)
	Owner() Owner
}

// Keccak256 hashes the concatenation of data.
func Keccak256(data ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}

// EthereumMessageHash applies the "\x19Ethereum Signed Message" envelope to msg.
func EthereumMessageHash(msg []byte) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(msg))
	return Keccak256([]byte(prefix), msg)
}

// OwnerFromPublicKey derives the 20 byte owner address of pub.
func OwnerFromPublicKey(pub *secp256k1.PublicKey) Owner {
	var o Owner
	uncompressed := pub.SerializeUncompressed()
	copy(o[:], Keccak256(uncompressed[1:])[12:])
	return o
}

// SignCompact signs digest and returns a 65 byte r|s|v signature, v in {27, 28}.
func SignCompact(key *secp256k1.PrivateKey, digest []byte) []byte {
	compact := ecdsa.SignCompact(key, digest, false)
	sig := make([]byte, constants.SignatureSize)
	copy(sig, compact[1:])
	sig[64] = compact[0]
	return sig
}

// RecoverPublicKey recovers the signing key of a r|s|v signature over digest.
func RecoverPublicKey(sig, digest []byte) (*secp256k1.PublicKey, error) {
	if len(sig) != constants.SignatureSize {
		return nil, fmt.Errorf("%w: length %d", ErrInvalidSignature, len(sig))
	}
	v := sig[64]
	if v < 27 {
		v += 27
	}
	compact := make([]byte, constants.SignatureSize)
	compact[0] = v
	copy(compact[1:], sig[:64])
	pub, _, err := ecdsa.RecoverCompact(compact, digest)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return pub, nil
}

// RecoverOwner returns the owner that signed msg with the Ethereum message prefix.
func RecoverOwner(sig, msg []byte) (Owner, error) {
	pub, err := RecoverPublicKey(sig, EthereumMessageHash(msg))
	if err != nil {
		return Owner{}, err
	}
	return OwnerFromPublicKey(pub), nil
}
