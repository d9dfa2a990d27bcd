package host

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oasisprotocol/enclave-worker/common/crypto/hash"
	"github.com/oasisprotocol/enclave-worker/runtime/worker/kvruntime"
)

func TestParseCall(t *testing.T) {
	require := require.New(t)

	key := hash.NewFromBytes([]byte("value"))

	for _, tc := range []struct {
		line     string
		expected *kvruntime.Call
	}{
		{"insert value", &kvruntime.Call{Method: kvruntime.MethodInsert, Value: []byte("value")}},
		{"get " + key.String(), &kvruntime.Call{Method: kvruntime.MethodGet, Key: key[:]}},
		{"get_batch " + key.String() + " " + key.String(), &kvruntime.Call{Method: kvruntime.MethodGetBatch, Keys: []hash.Hash{key, key}}},
		{"local_get k", &kvruntime.Call{Method: kvruntime.MethodLocalGet, Key: []byte("k")}},
		{"local_set k v", &kvruntime.Call{Method: kvruntime.MethodLocalSet, Key: []byte("k"), Value: []byte("v")}},
		{"  host_call echo hi ", &kvruntime.Call{Method: kvruntime.MethodHostCall, Endpoint: "echo", Value: []byte("hi")}},
	} {
		call, err := parseCall(tc.line)
		require.NoError(err, "parseCall(%s)", tc.line)
		require.EqualValues(tc.expected, call, "parseCall(%s)", tc.line)
	}

	for _, line := range []string{
		"",
		"insert",
		"insert a b",
		"get nothex",
		"get 00",
		"local_set k",
		"transfer a b",
	} {
		_, err := parseCall(line)
		require.Error(err, "parseCall(%s) must fail", line)
	}
}

func TestFormatOutput(t *testing.T) {
	require := require.New(t)

	key := hash.NewFromBytes([]byte("value"))
	insert := &kvruntime.Call{Method: kvruntime.MethodInsert}
	get := &kvruntime.Call{Method: kvruntime.MethodGet}

	require.Equal(key.String(), formatOutput(insert, &kvruntime.Output{Result: key[:]}))
	require.Equal(`"value"`, formatOutput(get, &kvruntime.Output{Result: []byte("value")}))
	require.Equal("error: boom", formatOutput(get, &kvruntime.Output{Error: "boom"}))
	require.Equal(`["a" <missing>]`, formatOutput(get, &kvruntime.Output{Results: [][]byte{[]byte("a"), nil}}))
}
