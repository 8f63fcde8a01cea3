// Package feeds locates the newest update of an owner's feed. Updates are
// single owner chunks whose id is derived from the feed topic and a
// sequence index.
package feeds

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/WebFirstLanguage/weeb3/pkg/constants"
	"github.com/WebFirstLanguage/weeb3/pkg/swarm"
)

// Topic names a feed of one owner.
type Topic [32]byte

// TopicFromString hashes the NFC normalised form of s, so that visually
// identical names map to the same feed.
func TopicFromString(s string) Topic {
	return Topic(swarm.Keccak256([]byte(norm.NFC.String(s))))
}

// ParseTopic decodes a hex topic, with or without 0x prefix.
func ParseTopic(s string) (Topic, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return Topic{}, fmt.Errorf("invalid topic: %w", err)
	}
	if len(b) != len(Topic{}) {
		return Topic{}, fmt.Errorf("invalid topic length: %d", len(b))
	}
	return Topic(b), nil
}

func (t Topic) String() string { return hex.EncodeToString(t[:]) }

// UpdateID returns the single owner chunk id of update index.
func UpdateID(topic Topic, index uint64) []byte {
	var idx [8]byte
	binary.BigEndian.PutUint64(idx[:], index)
	return swarm.Keccak256(topic[:], idx[:])
}

// UpdateAddress returns the chunk address of update index of owner's feed.
func UpdateAddress(owner swarm.Owner, topic Topic, index uint64) swarm.Address {
	return swarm.SOCAddress(UpdateID(topic, index), owner)
}

// NewUpdate builds the chunk publishing payload as update index.
func NewUpdate(signer swarm.Signer, topic Topic, index uint64, payload []byte) (swarm.Chunk, error) {
	if len(payload) > constants.ChunkSize {
		return swarm.Chunk{}, fmt.Errorf("%w: %d bytes", swarm.ErrChunkTooLarge, len(payload))
	}
	wrapped, err := swarm.NewCAC(payload)
	if err != nil {
		return swarm.Chunk{}, err
	}
	return swarm.NewSOC(UpdateID(topic, index), wrapped, signer)
}
