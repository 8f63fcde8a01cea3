// Package cborcanon provides the canonical CBOR encoding used on the wire.
// Encoding is deterministic (sorted map keys, shortest integer forms) so
// that signatures computed over an encoding can be verified by re-encoding.
package cborcanon

import (
	"bytes"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// CanonicalMode is the deterministic encoding mode
var CanonicalMode cbor.EncMode

// StrictMode decodes untrusted input: duplicate map keys are rejected and
// nesting is bounded
var StrictMode cbor.DecMode

func init() {
	var err error
	CanonicalMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create canonical CBOR mode: %v", err))
	}

	StrictMode, err = cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		MaxNestedLevels:  16,
		MaxArrayElements: 4096,
		MaxMapPairs:      256,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create strict CBOR decode mode: %v", err))
	}
}

// Marshal encodes v into canonical CBOR
func Marshal(v interface{}) ([]byte, error) {
	return CanonicalMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v, rejecting duplicate keys
func Unmarshal(data []byte, v interface{}) error {
	return StrictMode.Unmarshal(data, v)
}

// CanonicalBytes re-encodes data in canonical form
func CanonicalBytes(data []byte) ([]byte, error) {
	var v interface{}
	if err := Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("invalid CBOR: %w", err)
	}
	return Marshal(v)
}

// IsCanonical checks if the given CBOR bytes are in canonical form
func IsCanonical(data []byte) bool {
	canonical, err := CanonicalBytes(data)
	if err != nil {
		return false
	}
	return bytes.Equal(data, canonical)
}

// EncodeForSigning encodes v canonically with the named top-level fields
// removed, typically the signature itself
func EncodeForSigning(v interface{}, excludeFields ...string) ([]byte, error) {
	data, err := Marshal(v)
	if err != nil {
		return nil, err
	}

	var m map[string]interface{}
	if err := Unmarshal(data, &m); err != nil {
		return nil, err
	}

	for _, field := range excludeFields {
		delete(m, field)
	}

	return Marshal(m)
}
