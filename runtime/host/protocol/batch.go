package protocol

import (
	"github.com/oasisprotocol/enclave-worker/common/cbor"
	"github.com/oasisprotocol/enclave-worker/common/crypto/hash"
	"github.com/oasisprotocol/enclave-worker/common/crypto/signature"
	"github.com/oasisprotocol/enclave-worker/common/errors"
	"github.com/oasisprotocol/enclave-worker/roothash/api/block"
	"github.com/oasisprotocol/enclave-worker/runtime/transaction"
)

// BatchSigContext is the signature context used for signing batches.
var BatchSigContext = signature.NewContext("EkBatch-")

var (
	// ErrUnattestedBatch is the error returned when verifying a batch that
	// does not carry a RAK signature.
	ErrUnattestedBatch = errors.New(moduleName, 10, "protocol: batch is not attested")

	// ErrInvalidBatchSignature is the error returned when a batch RAK
	// signature does not verify.
	ErrInvalidBatchSignature = errors.New(moduleName, 11, "protocol: invalid batch signature")
)

// BatchSigMessage is the message signed by the worker's RAK to attest a
// computed batch.
type BatchSigMessage struct {
	// PreviousBlock is the block the batch was computed on.
	PreviousBlock block.Block `json:"previous_block"`
	// InputHash is the hash of the call batch.
	InputHash hash.Hash `json:"input_hash"`
	// OutputHash is the hash of the output batch.
	OutputHash hash.Hash `json:"output_hash"`
	// TagsHash is the hash of the serialized tags.
	TagsHash hash.Hash `json:"tags_hash"`
	// StateRoot is the root hash of the state after computing the batch.
	StateRoot hash.Hash `json:"state_root"`
}

// TagsHash returns the hash of the serialized tags.
func TagsHash(tags []Tag) hash.Hash {
	if tags == nil {
		tags = []Tag{}
	}
	return hash.NewFrom(tags)
}

// NewBatchSigMessage constructs the attestation message for a batch
// computed over the given calls on top of the given block.
func NewBatchSigMessage(previousBlock *block.Block, calls transaction.CallBatch, batch *ComputedBatch) *BatchSigMessage {
	return &BatchSigMessage{
		PreviousBlock: *previousBlock,
		InputHash:     calls.Hash(),
		OutputHash:    batch.Outputs.Hash(),
		TagsHash:      TagsHash(batch.Tags),
		StateRoot:     batch.NewStateRoot,
	}
}

// SignBatch attests the computed batch by signing its attestation message
// with the given RAK and storing the signature in the batch.
//
// When signer is nil the batch is marked as unattested by an all zero
// signature.
func SignBatch(signer signature.Signer, previousBlock *block.Block, calls transaction.CallBatch, batch *ComputedBatch) error {
	if signer == nil {
		batch.RakSig = signature.RawSignature{}
		return nil
	}

	msg := NewBatchSigMessage(previousBlock, calls, batch)
	sig, err := signer.ContextSign(BatchSigContext, cbor.Marshal(msg))
	if err != nil {
		return err
	}
	return batch.RakSig.UnmarshalBinary(sig)
}

// VerifyBatch verifies that the computed batch was attested by the given
// RAK as the result of executing the calls on top of the given block.
func VerifyBatch(rak signature.PublicKey, previousBlock *block.Block, calls transaction.CallBatch, batch *ComputedBatch) error {
	if !batch.IsAttested() {
		return ErrUnattestedBatch
	}

	msg := NewBatchSigMessage(previousBlock, calls, batch)
	if !rak.Verify(BatchSigContext, cbor.Marshal(msg), batch.RakSig[:]) {
		return ErrInvalidBatchSignature
	}
	return nil
}
