// Package manifest interprets trie manifests that map paths to content
// references. A node is serialised as
//
//	obfuscationKey(32) | version(31) | refSize(1) | entry(refSize) | index(32) | forks
//
// with everything after the key XORed with it. Each fork is
//
//	type(1) | prefixLen(1) | prefix(30) | reference(refSize) | [metaLen(2) | metadata]
//
// where the metadata block is present when the type has TypeWithMetadata set.
package manifest

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/WebFirstLanguage/weeb3/pkg/constants"
	"github.com/WebFirstLanguage/weeb3/pkg/swarm"
)

// Fork type flags
const (
	TypeValue             = 2
	TypeEdge              = 4
	TypeWithPathSeparator = 8
	TypeWithMetadata      = 16
)

const (
	obfuscationKeySize = 32
	versionSize        = 31
	indexSize          = 32
	prefixMaxSize      = 30
	forkPreReference   = 2 + prefixMaxSize
	metadataSizeLen    = 2
	metadataPadding    = 32
)

var (
	// ErrShortNode is returned for node data that ends before its layout does.
	ErrShortNode = errors.New("manifest node truncated")
	// ErrVersion is returned for nodes of an unknown manifest version.
	ErrVersion = errors.New("unsupported manifest version")
	// ErrReferenceSize is returned for references that are not chunk addresses.
	ErrReferenceSize = errors.New("unsupported reference size")
	// ErrMalformedFork is returned for forks whose prefix is inconsistent.
	ErrMalformedFork = errors.New("malformed fork")
)

var versionHash = swarm.Keccak256([]byte("mantaray:0.2"))[:versionSize]

// Fork is an edge to a child node labelled with a path prefix.
type Fork struct {
	Type      uint8
	Prefix    []byte
	Reference swarm.Address
	Metadata  map[string]string
}

// IsValue reports whether the child node carries an entry.
func (f *Fork) IsValue() bool { return f.Type&TypeValue != 0 }

// Node is one decoded manifest trie node.
type Node struct {
	ObfuscationKey []byte
	// Entry references the content stored at this node. Zero when the node
	// only has forks.
	Entry swarm.Address
	Forks map[byte]*Fork
}

// Keys returns the first bytes of the node's fork prefixes in order.
func (n *Node) Keys() []byte {
	keys := make([]byte, 0, len(n.Forks))
	for k := range n.Forks {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func xorKey(dst, src, key []byte) {
	for i := range src {
		dst[i] = src[i] ^ key[i%len(key)]
	}
}

// Parse decodes a node from its chunk payload, without span.
func Parse(data []byte) (*Node, error) {
	if len(data) < obfuscationKeySize+versionSize+1 {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortNode, len(data))
	}
	key := append([]byte(nil), data[:obfuscationKeySize]...)
	body := make([]byte, len(data)-obfuscationKeySize)
	xorKey(body, data[obfuscationKeySize:], key)

	if string(body[:versionSize]) != string(versionHash) {
		return nil, ErrVersion
	}
	refSize := int(body[versionSize])
	if refSize != 0 && refSize != constants.AddressSize {
		return nil, fmt.Errorf("%w: %d", ErrReferenceSize, refSize)
	}

	n := &Node{ObfuscationKey: key, Forks: make(map[byte]*Fork)}
	pos := versionSize + 1
	if len(body) < pos+refSize+indexSize {
		return nil, fmt.Errorf("%w: missing entry or index", ErrShortNode)
	}
	if refSize > 0 {
		copy(n.Entry[:], body[pos:pos+refSize])
	}
	pos += refSize
	index := body[pos : pos+indexSize]
	pos += indexSize

	for b := 0; b < 256; b++ {
		if index[b/8]&(1<<(b%8)) == 0 {
			continue
		}
		if refSize == 0 {
			return nil, fmt.Errorf("%w: forks without reference size", ErrReferenceSize)
		}
		f, next, err := parseFork(body, pos, refSize)
		if err != nil {
			return nil, fmt.Errorf("fork %#x: %w", b, err)
		}
		if f.Prefix[0] != byte(b) {
			return nil, fmt.Errorf("%w: prefix %q indexed under %#x", ErrMalformedFork, f.Prefix, b)
		}
		n.Forks[byte(b)] = f
		pos = next
	}
	return n, nil
}

func parseFork(body []byte, pos, refSize int) (*Fork, int, error) {
	if len(body) < pos+forkPreReference+refSize {
		return nil, 0, ErrShortNode
	}
	f := &Fork{Type: body[pos]}
	prefixLen := int(body[pos+1])
	if prefixLen == 0 || prefixLen > prefixMaxSize {
		return nil, 0, fmt.Errorf("%w: prefix length %d", ErrMalformedFork, prefixLen)
	}
	f.Prefix = append([]byte(nil), body[pos+2:pos+2+prefixLen]...)
	copy(f.Reference[:], body[pos+forkPreReference:pos+forkPreReference+refSize])
	pos += forkPreReference + refSize

	if f.Type&TypeWithMetadata == 0 {
		return f, pos, nil
	}
	if len(body) < pos+metadataSizeLen {
		return nil, 0, ErrShortNode
	}
	size := int(binary.BigEndian.Uint16(body[pos : pos+metadataSizeLen]))
	pos += metadataSizeLen
	if len(body) < pos+size {
		return nil, 0, ErrShortNode
	}
	if err := json.Unmarshal(body[pos:pos+size], &f.Metadata); err != nil {
		return nil, 0, fmt.Errorf("fork metadata: %w", err)
	}
	return f, pos + size, nil
}

// MarshalBinary encodes n. A nil obfuscation key is written as zeros.
func (n *Node) MarshalBinary() ([]byte, error) {
	body := append([]byte(nil), versionHash...)
	body = append(body, constants.AddressSize)
	body = append(body, n.Entry[:]...)

	var index [indexSize]byte
	for k := range n.Forks {
		index[k/8] |= 1 << (k % 8)
	}
	body = append(body, index[:]...)

	for _, k := range n.Keys() {
		f := n.Forks[k]
		if len(f.Prefix) == 0 || len(f.Prefix) > prefixMaxSize || f.Prefix[0] != k {
			return nil, fmt.Errorf("%w: prefix %q under %#x", ErrMalformedFork, f.Prefix, k)
		}
		typ := f.Type
		if len(f.Metadata) > 0 {
			typ |= TypeWithMetadata
		} else {
			typ &^= TypeWithMetadata
		}

		var prefix [prefixMaxSize]byte
		copy(prefix[:], f.Prefix)
		body = append(body, typ, byte(len(f.Prefix)))
		body = append(body, prefix[:]...)
		body = append(body, f.Reference[:]...)

		if typ&TypeWithMetadata != 0 {
			meta, err := json.Marshal(f.Metadata)
			if err != nil {
				return nil, err
			}
			// Pad with newlines to a whole number of segments
			total := metadataSizeLen + len(meta)
			if rem := total % metadataPadding; rem != 0 {
				for i := 0; i < metadataPadding-rem; i++ {
					meta = append(meta, '\n')
				}
			}
			var size [metadataSizeLen]byte
			binary.BigEndian.PutUint16(size[:], uint16(len(meta)))
			body = append(body, size[:]...)
			body = append(body, meta...)
		}
	}

	key := n.ObfuscationKey
	if key == nil {
		key = make([]byte, obfuscationKeySize)
	}
	if len(key) != obfuscationKeySize {
		return nil, fmt.Errorf("invalid obfuscation key length: %d", len(key))
	}
	out := make([]byte, obfuscationKeySize+len(body))
	copy(out, key)
	xorKey(out[obfuscationKeySize:], body, key)
	return out, nil
}
