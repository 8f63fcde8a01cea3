package cborcanon

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

var canonicalTestVectors = []struct {
	name     string
	input    interface{}
	expected string // hex-encoded canonical CBOR
}{
	{
		name:     "simple_map",
		input:    map[string]interface{}{"b": 2, "a": 1},
		expected: "a2616101616202",
	},
	{
		name: "nested_map",
		input: map[string]interface{}{
			"z": 3,
			"a": map[string]interface{}{"y": 2, "x": 1},
		},
	},
	{
		name:     "array",
		input:    []interface{}{3, 1, 2},
		expected: "83030102",
	},
	{
		name:     "retrieval_request",
		input:    map[string]interface{}{"addr": []byte{0xaa, 0xbb}},
		expected: "a16461646472" + "42aabb",
	},
	{
		name:     "empty_map",
		input:    map[string]interface{}{},
		expected: "a0",
	},
}

func TestCanonicalEncoding(t *testing.T) {
	for _, tv := range canonicalTestVectors {
		t.Run(tv.name, func(t *testing.T) {
			encoded, err := Marshal(tv.input)
			require.NoError(t, err)

			if tv.expected != "" {
				require.Equal(t, tv.expected, hex.EncodeToString(encoded))
			}

			var decoded interface{}
			require.NoError(t, Unmarshal(encoded, &decoded))

			reencoded, err := Marshal(decoded)
			require.NoError(t, err)
			require.True(t, bytes.Equal(encoded, reencoded), "encoding not deterministic: %x != %x", encoded, reencoded)
		})
	}
}

func TestIsCanonical(t *testing.T) {
	tests := []struct {
		name      string
		data      string
		canonical bool
	}{
		{"canonical_map", "a2616101616202", true},
		{"non_canonical_map", "a2616202616101", false},
		{"canonical_array", "83010203", true},
		{"garbage", "ff", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := hex.DecodeString(tt.data)
			require.NoError(t, err)
			require.Equal(t, tt.canonical, IsCanonical(data))
		})
	}
}

func TestUnmarshalRejectsDuplicateKeys(t *testing.T) {
	// {"a": 1, "a": 2}
	data, err := hex.DecodeString("a2616101616102")
	require.NoError(t, err)

	var m map[string]interface{}
	require.Error(t, Unmarshal(data, &m))
}

func TestEncodeForSigning(t *testing.T) {
	input := map[string]interface{}{
		"v":    1,
		"from": "peer",
		"data": "payload",
		"sig":  "signature_to_exclude",
	}

	encoded, err := EncodeForSigning(input, "sig")
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, Unmarshal(encoded, &decoded))

	require.NotContains(t, decoded, "sig")
	require.Equal(t, "1", fmt.Sprintf("%v", decoded["v"]))
	require.Equal(t, "peer", decoded["from"])
	require.Equal(t, "payload", decoded["data"])
	require.True(t, IsCanonical(encoded))
}

func BenchmarkCanonicalMarshal(b *testing.B) {
	data := map[string]interface{}{
		"v":    1,
		"kind": 40,
		"from": "8d3766440f0d7b949a5e32995d09619a7f86e632",
		"seq":  uint64(12345),
		"ts":   uint64(1609459200000),
		"body": map[string]interface{}{"addr": make([]byte, 32)},
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := Marshal(data); err != nil {
			b.Fatal(err)
		}
	}
}
