package ias

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oasisprotocol/enclave-worker/common/cbor"
)

func TestMockAVR(t *testing.T) {
	require := require.New(t)

	bundle := NewMockAVR([]byte("report"), "nonce")
	avr, err := bundle.Open()
	require.NoError(err, "Open")
	require.Equal(QuoteStatusOK, avr.ISVEnclaveQuoteStatus)
	require.Equal([]byte("report"), avr.ISVEnclaveQuoteBody)
	require.Equal("nonce", avr.Nonce)

	var dec AVRBundle
	require.NoError(cbor.Unmarshal(cbor.Marshal(bundle), &dec), "CBOR round trip")
	require.Equal(bundle.Body, dec.Body)

	_, err = (&AVRBundle{}).Open()
	require.ErrorIs(err, ErrEmptyAVR)

	_, err = (&AVRBundle{Body: []byte("{")}).Open()
	require.ErrorIs(err, ErrMalformedAVR)
}
