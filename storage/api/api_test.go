package api

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oasisprotocol/enclave-worker/common/cbor"
	"github.com/oasisprotocol/enclave-worker/common/crypto/hash"
)

func TestApplyInserts(t *testing.T) {
	require := require.New(t)

	var root hash.Hash
	root.Empty()

	require.Equal(root, ApplyInserts(root, nil), "no inserts should keep the root")

	inserts := []Insert{
		{Value: []byte("a"), Expiry: 10},
		{Value: []byte("b"), Expiry: 20},
	}
	r1 := ApplyInserts(root, inserts)
	r2 := ApplyInserts(root, []Insert{
		{Value: []byte("a"), Expiry: 10},
		{Value: []byte("b"), Expiry: 20},
	})
	require.Equal(r1, r2, "state transition must be deterministic")
	require.NotEqual(root, r1)

	r3 := ApplyInserts(root, []Insert{{Value: []byte("a"), Expiry: 11}, inserts[1]})
	require.NotEqual(r1, r3, "expiry must be committed to")
}

func TestInsertEncoding(t *testing.T) {
	require := require.New(t)

	ins := Insert{Value: []byte("value"), Expiry: 7}
	raw := cbor.Marshal(&ins)
	require.EqualValues(0x82, raw[0], "insert should encode as a 2-element array")

	var dec Insert
	require.NoError(cbor.Unmarshal(raw, &dec), "Unmarshal")
	require.Equal(ins.Value, dec.Value)
	require.Equal(ins.Expiry, dec.Expiry)
	require.Equal(hash.NewFromBytes([]byte("value")), dec.Key())
}
