package cbor

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOutOfMem1(t *testing.T) {
	require := require.New(t)

	var f []byte
	err := Unmarshal([]byte("\x9b\x00\x00000000"), &f)
	require.Error(err, "Invalid CBOR input should fail")
}

func TestOutOfMem2(t *testing.T) {
	require := require.New(t)

	var f []byte
	err := Unmarshal([]byte("\x9b\x00\x00\x81112233"), &f)
	require.Error(err, "Invalid CBOR input should fail")
}

func TestUnknownFieldRejected(t *testing.T) {
	require := require.New(t)

	type wide struct {
		A uint64 `json:"a"`
		B uint64 `json:"b"`
	}
	type narrow struct {
		A uint64 `json:"a"`
	}

	raw := Marshal(&wide{A: 1, B: 2})
	var n narrow
	err := Unmarshal(raw, &n)
	require.Error(err, "unknown fields must be rejected")
}

func TestDeterministicEncoding(t *testing.T) {
	require := require.New(t)

	a := Marshal(map[string]uint64{"b": 2, "a": 1, "c": 3})
	b := Marshal(map[string]uint64{"c": 3, "a": 1, "b": 2})
	require.Equal(a, b, "map encoding must not depend on insertion order")
}

func TestFixSliceForSerde(t *testing.T) {
	require := require.New(t)

	require.NotNil(FixSliceForSerde(nil), "nil must become an empty slice")
	require.Equal([]byte("x"), FixSliceForSerde([]byte("x")))
}
