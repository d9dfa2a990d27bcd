// Package transaction implements the runtime call and output batches.
package transaction

import (
	"github.com/oasisprotocol/enclave-worker/common/crypto/hash"
)

// RawBatch is a list of opaque bytes.
type RawBatch [][]byte

// String returns a string representation of a batch.
func (b RawBatch) String() string {
	return "<RawBatch>"
}

// Hash returns the canonical hash of the batch.
func (b RawBatch) Hash() hash.Hash {
	// Encode nil batches as empty so that both hash the same.
	if b == nil {
		b = RawBatch{}
	}
	return hash.NewFrom(b)
}

// CallBatch is an ordered batch of runtime calls (transaction inputs).
type CallBatch = RawBatch

// OutputBatch is an ordered batch of runtime outputs, one per call.
type OutputBatch = RawBatch
