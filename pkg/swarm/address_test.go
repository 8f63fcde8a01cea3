package swarm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProximity(t *testing.T) {
	tests := []struct {
		name string
		a, b []byte
		want uint8
	}{
		{"first bit differs", []byte{0x00}, []byte{0x80}, 0},
		{"third bit differs", []byte{0x00, 0x00}, []byte{0x20, 0x00}, 2},
		{"second byte", []byte{0xff, 0x00}, []byte{0xff, 0x01}, 15},
		{"equal short", []byte{0xab}, []byte{0xab}, 8},
		{"capped", make([]byte, 32), make([]byte, 32), 31},
		{"fourth byte last bit", []byte{1, 2, 3, 4}, []byte{1, 2, 3, 5}, 31},
		{"fourth byte first bit", []byte{1, 2, 3, 0x04}, []byte{1, 2, 3, 0x84}, 24},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Proximity(tt.a, tt.b))
			require.Equal(t, tt.want, Proximity(tt.b, tt.a), "proximity must be symmetric")
		})
	}
}

func TestParseHexAddress(t *testing.T) {
	hex := "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff"

	a, err := ParseHexAddress(hex)
	require.NoError(t, err)
	require.Equal(t, hex, a.String())

	b, err := ParseHexAddress("0x" + hex)
	require.NoError(t, err)
	require.Equal(t, a, b)

	_, err = ParseHexAddress("abcd")
	require.Error(t, err)
	_, err = ParseHexAddress("zz")
	require.Error(t, err)
}

func TestAddressText(t *testing.T) {
	a := MustParseHexAddress("ff00000000000000000000000000000000000000000000000000000000000001")

	text, err := a.MarshalText()
	require.NoError(t, err)

	var b Address
	require.NoError(t, b.UnmarshalText(text))
	require.Equal(t, a, b)
	require.False(t, b.IsZero())
	require.True(t, ZeroAddress.IsZero())
}

func TestParseOwner(t *testing.T) {
	o, err := ParseOwner("0x8d3766440f0d7b949a5e32995d09619a7f86e632")
	require.NoError(t, err)
	require.Equal(t, "8d3766440f0d7b949a5e32995d09619a7f86e632", o.String())

	_, err = ParseOwner("8d37")
	require.Error(t, err)
}
