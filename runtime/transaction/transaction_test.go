package transaction

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oasisprotocol/enclave-worker/common/cbor"
)

func TestBatchHash(t *testing.T) {
	require := require.New(t)

	a := RawBatch{[]byte("one"), []byte("two")}
	b := RawBatch{[]byte("one"), []byte("two")}
	c := RawBatch{[]byte("two"), []byte("one")}

	require.Equal(a.Hash(), b.Hash(), "equal batches must hash equally")
	require.NotEqual(a.Hash(), c.Hash(), "batch order must affect the hash")
	require.Equal(RawBatch(nil).Hash(), RawBatch{}.Hash(), "nil and empty batches must hash equally")

	var dec RawBatch
	require.NoError(cbor.Unmarshal(cbor.Marshal(a), &dec), "CBOR round trip")
	require.EqualValues(a, dec)
}
